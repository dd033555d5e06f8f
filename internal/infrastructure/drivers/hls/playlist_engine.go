package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"camwatch/internal/core/ports"
	"camwatch/pkg/retry"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"go.uber.org/zap"
)

const (
	maxPlaylistBytes       = 1 << 20
	maxSegmentBytes        = 32 << 20
	liveEdgeSegments       = 3
	lowLatencyEdgeSegments = 2
	maxRefreshFailures     = 3
	maxMediaRecoveries     = 2
)

type EngineOptions struct {
	HTTPClient *http.Client
	// Reload controls manifest load retries. Exhausting it is fatal.
	Reload retry.Config
	Logger *zap.SugaredLogger
	// OnSegment observes every segment download.
	OnSegment func(bytes int, elapsed time.Duration)
}

// NewEngineFactory returns a factory for the default playlist engine.
func NewEngineFactory(opts EngineOptions) EngineFactory {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return func(ctx context.Context, cfg Config, onEvent func(Event)) Engine {
		return newPlaylistEngine(ctx, cfg, opts, onEvent)
	}
}

// playlistEngine loads a multivariant or media playlist, follows the live
// edge of the selected rendition and feeds segments to the sink.
type playlistEngine struct {
	cfg     Config
	opts    EngineOptions
	onEvent func(Event)
	logger  *zap.SugaredLogger

	baseCtx context.Context

	mu         sync.Mutex
	sourceURL  string
	sink       ports.Sink
	cancelLoop context.CancelFunc
	loopID     int
	destroyed  bool

	levels     []Level
	selector   *LevelSelector
	nextSeq    uint64
	haveSeq    bool
	recoveries int
}

func newPlaylistEngine(ctx context.Context, cfg Config, opts EngineOptions, onEvent func(Event)) *playlistEngine {
	return &playlistEngine{
		cfg:     cfg,
		opts:    opts,
		onEvent: onEvent,
		logger:  opts.Logger,
		baseCtx: ctx,
	}
}

func (e *playlistEngine) LoadSource(u string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sourceURL = u
}

func (e *playlistEngine) AttachMedia(sink ports.Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

func (e *playlistEngine) StartLoad() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed || e.sourceURL == "" {
		return
	}
	e.startLoopLocked(true)
}

func (e *playlistEngine) RecoverMediaError() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return
	}
	e.recoveries++
	if e.recoveries > maxMediaRecoveries {
		id := e.loopID
		e.stopLoopLocked()
		go e.emit(id, Event{Type: EventError, Err: &EngineError{
			Kind: ErrorOther, Fatal: true, Detail: "media recovery failed", Err: errRecoveryFailed,
		}})
		return
	}

	// Jump back to the live edge of the current rendition.
	e.haveSeq = false
	if e.sink != nil {
		e.sink.Load()
	}
	e.startLoopLocked(e.levels == nil)
}

func (e *playlistEngine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return
	}
	e.destroyed = true
	e.stopLoopLocked()
	e.sink = nil
}

func (e *playlistEngine) stopLoopLocked() {
	if e.cancelLoop != nil {
		e.cancelLoop()
		e.cancelLoop = nil
	}
	e.loopID++
}

func (e *playlistEngine) startLoopLocked(reloadManifest bool) {
	e.stopLoopLocked()
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.cancelLoop = cancel
	id := e.loopID
	if reloadManifest {
		e.levels = nil
		e.haveSeq = false
	}
	go e.run(ctx, id)
}

// emit delivers ev unless the engine was destroyed or the loop superseded.
func (e *playlistEngine) emit(loopID int, ev Event) {
	e.mu.Lock()
	stale := e.destroyed || loopID != e.loopID
	e.mu.Unlock()
	if stale || e.onEvent == nil {
		return
	}
	e.onEvent(ev)
}

func (e *playlistEngine) fail(ctx context.Context, loopID int, fatal bool, detail string, err error) {
	if ctx.Err() != nil {
		return
	}
	e.emit(loopID, Event{Type: EventError, Err: &EngineError{
		Kind: Classify(err), Fatal: fatal, Detail: detail, Err: err,
	}})
}

func (e *playlistEngine) run(ctx context.Context, loopID int) {
	e.mu.Lock()
	needManifest := e.levels == nil
	source := e.sourceURL
	e.mu.Unlock()

	var first *parsedMedia
	if needManifest {
		levels, media, err := e.loadManifest(ctx, loopID, source)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, retry.ErrExhausted) {
				e.emit(loopID, Event{Type: EventError, Err: &EngineError{
					Kind: ErrorOther, Fatal: true, Detail: "manifest reload exhausted", Err: errors.Join(errReloadExhausted, err),
				}})
				return
			}
			e.fail(ctx, loopID, true, "manifest load failed", err)
			return
		}

		e.mu.Lock()
		e.levels = levels
		e.selector = NewLevelSelector(levels, e.cfg.StartLevel)
		selected := e.selector.Current()
		e.mu.Unlock()

		e.emit(loopID, Event{Type: EventManifestParsed, Levels: levels, SelectedLevel: selected})
		first = media
	}

	e.follow(ctx, loopID, first)
}

// loadManifest fetches the source playlist with retries. A media playlist is
// returned as a single level ladder together with its parsed content.
func (e *playlistEngine) loadManifest(ctx context.Context, loopID int, source string) ([]Level, *parsedMedia, error) {
	reload := e.opts.Reload
	reload.NonRetryableErrors = append(reload.NonRetryableErrors, errEmptyLadder, errUnsupportedPlaylist)
	reload.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.logger.Warnw("manifest load failed, retrying",
			"url", source,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		e.emit(loopID, Event{Type: EventError, Err: &EngineError{
			Kind: Classify(err), Fatal: false, Detail: "manifest load retry", Err: err,
		}})
	}

	type result struct {
		levels []Level
		media  *parsedMedia
	}
	res, err := retry.RetryWithResult(ctx, reload, func() (result, error) {
		data, err := e.fetch(ctx, source, maxPlaylistBytes)
		if err != nil {
			return result{}, err
		}
		levels, media, err := parseManifest(source, data)
		return result{levels, media}, err
	})
	return res.levels, res.media, err
}

// follow polls the selected rendition and appends new segments until ctx ends
// or the playlist ends.
func (e *playlistEngine) follow(ctx context.Context, loopID int, media *parsedMedia) {
	failures := 0

	for {
		e.mu.Lock()
		if e.selector == nil {
			e.mu.Unlock()
			return
		}
		level := e.levels[e.selector.Current()]
		e.mu.Unlock()

		if media == nil {
			data, err := e.fetch(ctx, level.URI, maxPlaylistBytes)
			if err == nil {
				media, err = parseMedia(level.URI, data)
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				fatal := failures >= maxRefreshFailures
				e.fail(ctx, loopID, fatal, "playlist refresh failed", err)
				if fatal {
					return
				}
				if !sleepCtx(ctx, time.Second) {
					return
				}
				continue
			}
		}
		failures = 0

		if err := e.appendNew(ctx, loopID, level, media); err != nil {
			if ctx.Err() != nil {
				return
			}
			kind := Classify(err)
			e.fail(ctx, loopID, kind == ErrorMedia, "segment load failed", err)
			if kind == ErrorMedia {
				return
			}
		}

		if media.Endlist && !e.pending(media) {
			e.logger.Debugw("playlist ended", "url", level.URI)
			e.endOfStream(loopID)
			return
		}

		wait := e.refreshInterval(media.TargetDuration)
		media = nil
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (e *playlistEngine) endOfStream(loopID int) {
	e.mu.Lock()
	sink := e.sink
	live := !e.destroyed && loopID == e.loopID
	e.mu.Unlock()

	if ender, ok := sink.(ports.StreamEnder); ok && live {
		ender.EndOfStream()
	}
}

func (e *playlistEngine) refreshInterval(target time.Duration) time.Duration {
	if target <= 0 {
		target = 2 * time.Second
	}
	if e.cfg.LowLatency {
		return target / 4
	}
	return target / 2
}

func (e *playlistEngine) pending(media *parsedMedia) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last := media.MediaSequence + uint64(len(media.Segments))
	return !e.haveSeq || e.nextSeq < last
}

func (e *playlistEngine) appendNew(ctx context.Context, loopID int, level Level, media *parsedMedia) error {
	e.mu.Lock()
	if !e.haveSeq {
		edge := liveEdgeSegments
		if e.cfg.LowLatency {
			edge = lowLatencyEdgeSegments
		}
		start := 0
		if !media.Endlist && len(media.Segments) > edge {
			start = len(media.Segments) - edge
		}
		e.nextSeq = media.MediaSequence + uint64(start)
		e.haveSeq = true
	}
	sink := e.sink
	e.mu.Unlock()

	for i, seg := range media.Segments {
		seq := media.MediaSequence + uint64(i)

		e.mu.Lock()
		next := e.nextSeq
		e.mu.Unlock()
		if seq < next {
			continue
		}
		if e.bufferFull(sink) {
			return nil
		}

		started := time.Now()
		data, err := e.fetch(ctx, seg.URI, maxSegmentBytes)
		if err != nil {
			return err
		}

		e.mu.Lock()
		selector := e.selector
		e.mu.Unlock()
		elapsed := time.Since(started)
		selector.AddSample(len(data), elapsed)
		if e.opts.OnSegment != nil {
			e.opts.OnSegment(len(data), elapsed)
		}

		if appender, ok := sink.(ports.SegmentAppender); ok {
			if err := appender.AppendSegment(ports.MediaSegment{
				Sequence: seq,
				URI:      seg.URI,
				Duration: seg.Duration,
				Level:    level.Index,
				Data:     data,
			}); err != nil {
				return &appendError{Sequence: seq, Err: err}
			}
		}

		e.mu.Lock()
		e.nextSeq = seq + 1
		e.recoveries = 0
		e.mu.Unlock()

		if next, switched := selector.Next(); switched {
			e.logger.Infow("hls level switched",
				"from", level.Index,
				"to", next,
				"estimate_bps", int(selector.Estimate()),
			)
			e.emit(loopID, Event{Type: EventLevelSwitched, Level: next})
			return nil
		}
	}
	return nil
}

// bufferFull reports whether the sink already holds MaxBufferLength ahead of
// the playhead.
func (e *playlistEngine) bufferFull(sink ports.Sink) bool {
	if sink == nil || e.cfg.MaxBufferLength <= 0 {
		return false
	}
	ranges := sink.Buffered()
	if len(ranges) == 0 {
		return false
	}
	ahead := ranges[len(ranges)-1].End - sink.CurrentTime()
	return ahead >= e.cfg.MaxBufferLength.Seconds()
}

func (e *playlistEngine) fetch(ctx context.Context, u string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{URL: u, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", u, err)
	}
	return data, nil
}

type parsedSegment struct {
	URI      string
	Duration time.Duration
}

type parsedMedia struct {
	TargetDuration time.Duration
	MediaSequence  uint64
	Segments       []parsedSegment
	Endlist        bool
}

// parseManifest decodes the source playlist into a ladder sorted by bandwidth.
func parseManifest(source string, data []byte) ([]Level, *parsedMedia, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, nil, &parseError{URL: source, Err: err}
	}

	switch pl := pl.(type) {
	case *playlist.Multivariant:
		levels := make([]Level, 0, len(pl.Variants))
		for _, v := range pl.Variants {
			if v == nil || v.URI == "" {
				continue
			}
			uri, err := resolveURI(source, v.URI)
			if err != nil {
				continue
			}
			w, h := parseResolution(v.Resolution)
			levels = append(levels, Level{
				Bandwidth: v.Bandwidth,
				Width:     w,
				Height:    h,
				Codecs:    v.Codecs,
				URI:       uri,
			})
		}
		if len(levels) == 0 {
			return nil, nil, errEmptyLadder
		}
		sort.SliceStable(levels, func(i, j int) bool { return levels[i].Bandwidth < levels[j].Bandwidth })
		for i := range levels {
			levels[i].Index = i
		}
		return levels, nil, nil

	case *playlist.Media:
		media := convertMedia(source, pl)
		return []Level{{Index: 0, URI: source}}, media, nil

	default:
		return nil, nil, errUnsupportedPlaylist
	}
}

func parseMedia(source string, data []byte) (*parsedMedia, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, &parseError{URL: source, Err: err}
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, errUnsupportedPlaylist
	}
	return convertMedia(source, media), nil
}

func convertMedia(source string, pl *playlist.Media) *parsedMedia {
	media := &parsedMedia{
		TargetDuration: time.Duration(pl.TargetDuration) * time.Second,
		MediaSequence:  uint64(pl.MediaSequence),
		Endlist:        pl.Endlist,
	}
	for _, seg := range pl.Segments {
		if seg == nil {
			continue
		}
		uri, err := resolveURI(source, seg.URI)
		if err != nil {
			continue
		}
		media.Segments = append(media.Segments, parsedSegment{URI: uri, Duration: seg.Duration})
	}
	return media
}

func resolveURI(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
