package sink

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"

	"go.uber.org/zap"
)

const (
	DefaultTickInterval = 250 * time.Millisecond
	probeBytes          = 512
	rtpVideoClockRate   = 90000
	maxSequenceGap      = 1000
)

// Headless is a ports.Sink without a display. It keeps the media element
// bookkeeping the drivers and the orchestrator rely on: buffered ranges grow
// with appended segments and received RTP, the playhead advances on a ticker
// while playing, and MJPEG posters become the current frame.
type Headless struct {
	client   *http.Client
	interval time.Duration
	logger   *zap.SugaredLogger

	mu sync.Mutex

	// epoch increments on every source change; goroutines started for an
	// older source drop their results.
	epoch  uint64
	cancel context.CancelFunc

	source  string
	stream  ports.MediaStream
	readers map[string]*trackReader
	poster  image.Image
	frame   image.Image
	width   int
	height  int

	loaded      bool
	paused      bool
	muted       bool
	volume      float64
	autoplay    bool
	loop        bool
	buffered    []ports.TimeRange
	currentTime float64
	duration    float64
	lost        int
	stopTick    chan struct{}

	nextSub int
	subs    map[int]func(ports.SinkEvent)
}

var errEmptySource = errors.New("source returned no data")

type trackReader struct {
	video   bool
	started bool
	firstTS uint32
	lastSeq uint16
}

func NewHeadless(client *http.Client, interval time.Duration, logger *zap.SugaredLogger) *Headless {
	if client == nil {
		client = http.DefaultClient
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Headless{
		client:   client,
		interval: interval,
		logger:   logger,
		readers:  make(map[string]*trackReader),
		paused:   true,
		volume:   1,
		duration: math.NaN(),
		subs:     make(map[int]func(ports.SinkEvent)),
	}
}

// CanPlayType reports no native HLS support so HLS always goes through the
// adaptive engine and its segment appender.
func (s *Headless) CanPlayType(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.Contains(mimeType, "mpegurl"):
		return ""
	case strings.HasPrefix(mimeType, "video/mp4"), strings.HasPrefix(mimeType, "video/webm"), strings.HasPrefix(mimeType, "image/jpeg"):
		return "maybe"
	default:
		return ""
	}
}

func (s *Headless) SetSource(url string) {
	s.mu.Lock()
	ctx, epoch := s.resetLocked()
	s.source = url
	s.mu.Unlock()

	if url != "" {
		go s.probe(ctx, epoch, url)
	}
}

// SetMediaStream starts reading every track of stream. Calling it again with
// the same stream picks up tracks added since.
func (s *Headless) SetMediaStream(stream ports.MediaStream) {
	s.mu.Lock()
	if stream == nil || s.stream == nil || s.stream.ID() != stream.ID() {
		s.resetLocked()
		s.stream = stream
	}
	if stream == nil {
		s.mu.Unlock()
		return
	}

	epoch := s.epoch
	var started []ports.RemoteTrack
	for _, track := range stream.Tracks() {
		if _, ok := s.readers[track.ID()]; ok {
			continue
		}
		s.readers[track.ID()] = &trackReader{video: track.Kind() == "video"}
		started = append(started, track)
	}
	s.mu.Unlock()

	for _, track := range started {
		go s.readTrack(epoch, track)
	}
}

func (s *Headless) SetPoster(img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poster = img
	s.frame = img
	if img == nil {
		s.width, s.height = 0, 0
		return
	}
	b := img.Bounds()
	s.width, s.height = b.Dx(), b.Dy()
}

// Load aborts in-flight work and resets playback state. The source and the
// poster survive, as on a media element.
func (s *Headless) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// resetLocked bumps the epoch and clears playback state. It returns the
// context and epoch for work started for the next source.
func (s *Headless) resetLocked() (context.Context, uint64) {
	if s.cancel != nil {
		s.cancel()
	}
	s.stopTickerLocked()

	s.epoch++
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.stream = nil
	s.readers = make(map[string]*trackReader)
	s.loaded = false
	s.paused = true
	s.buffered = nil
	s.currentTime = 0
	s.duration = math.NaN()
	s.lost = 0
	if s.poster == nil {
		s.frame = nil
		s.width, s.height = 0, 0
	}
	return ctx, s.epoch
}

func (s *Headless) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	wasPaused := s.paused
	s.paused = false
	if s.stopTick == nil {
		s.stopTick = make(chan struct{})
		go s.tick(s.stopTick)
	}
	s.mu.Unlock()

	if wasPaused {
		s.emit(ports.SinkEvent{Type: ports.SinkPlaying})
	}
	return nil
}

func (s *Headless) Pause() {
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = true
	s.stopTickerLocked()
	s.mu.Unlock()

	if !wasPaused {
		s.emit(ports.SinkEvent{Type: ports.SinkPause})
	}
}

func (s *Headless) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Headless) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Headless) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

func (s *Headless) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *Headless) SetVolume(volume float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = volume
}

func (s *Headless) SetAutoplay(autoplay bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoplay = autoplay
}

func (s *Headless) SetLoop(loop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop = loop
}

func (s *Headless) VideoSize() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

func (s *Headless) CurrentFrame() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

func (s *Headless) Buffered() []ports.TimeRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.TimeRange(nil), s.buffered...)
}

func (s *Headless) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTime
}

func (s *Headless) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// DroppedFrames reports RTP packets lost on video tracks, measured from
// sequence number gaps.
func (s *Headless) DroppedFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

func (s *Headless) RequestFullscreen() error {
	return domain.ErrFullscreenUnsupported
}

func (s *Headless) Subscribe(fn func(ports.SinkEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// AppendSegment extends the buffered range by the segment's presentation
// span. Transport stream segments are measured from their PES timestamps;
// anything else falls back to the playlist duration.
func (s *Headless) AppendSegment(seg ports.MediaSegment) error {
	span, err := tsSpan(seg.Data)
	if err != nil {
		s.logger.Debugw("segment span from playlist duration",
			"sequence", seg.Sequence,
			"error", err,
		)
		span = seg.Duration.Seconds()
	}
	if span <= 0 {
		span = seg.Duration.Seconds()
	}

	s.mu.Lock()
	if n := len(s.buffered); n > 0 {
		s.buffered[n-1].End += span
	} else {
		s.buffered = []ports.TimeRange{{Start: s.currentTime, End: s.currentTime + span}}
	}
	first := !s.loaded
	s.loaded = true
	s.mu.Unlock()

	if first {
		s.emit(ports.SinkEvent{Type: ports.SinkLoadedData})
	}
	return nil
}

// EndOfStream fixes the duration at the end of the buffered media.
func (s *Headless) EndOfStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.buffered); n > 0 {
		s.duration = s.buffered[n-1].End
	} else {
		s.duration = s.currentTime
	}
}

func (s *Headless) emit(ev ports.SinkEvent) {
	s.mu.Lock()
	subs := make([]func(ports.SinkEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// emitFor delivers ev only while epoch is still current.
func (s *Headless) emitFor(epoch uint64, ev ports.SinkEvent) {
	s.mu.Lock()
	current := s.epoch == epoch
	s.mu.Unlock()
	if current {
		s.emit(ev)
	}
}

// probe checks that a native source answers with media before reporting
// loadeddata.
func (s *Headless) probe(ctx context.Context, epoch uint64, url string) {
	err := s.probeSource(ctx, url)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.logger.Warnw("native source probe failed", "error", err)
		s.emitFor(epoch, ports.SinkEvent{Type: ports.SinkError, Err: err})
		return
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.loaded = true
	s.mu.Unlock()
	s.emit(ports.SinkEvent{Type: ports.SinkLoadedData})
}

func (s *Headless) probeSource(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", probeBytes-1))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("source returned %d", resp.StatusCode)
	}
	head, err := io.ReadAll(io.LimitReader(resp.Body, probeBytes))
	if err != nil {
		return err
	}
	if len(head) == 0 {
		return errEmptySource
	}
	return nil
}

func (s *Headless) readTrack(epoch uint64, track ports.RemoteTrack) {
	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			s.mu.Lock()
			current := s.epoch == epoch
			s.mu.Unlock()
			if current && !errors.Is(err, io.EOF) {
				s.logger.Debugw("track read stopped", "track", track.ID(), "error", err)
			}
			return
		}

		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		r := s.readers[track.ID()]
		if r == nil {
			s.mu.Unlock()
			return
		}
		if r.video {
			if r.started {
				gap := pkt.SequenceNumber - r.lastSeq - 1
				if gap > 0 && gap < maxSequenceGap {
					s.lost += int(gap)
				}
				span := float64(pkt.Timestamp-r.firstTS) / rtpVideoClockRate
				if len(s.buffered) == 0 {
					s.buffered = []ports.TimeRange{{Start: 0, End: span}}
				} else if span > s.buffered[0].End {
					s.buffered[0].End = span
				}
			} else {
				r.started = true
				r.firstTS = pkt.Timestamp
			}
			r.lastSeq = pkt.SequenceNumber
		}
		first := !s.loaded
		s.loaded = true
		s.mu.Unlock()

		if first {
			s.emit(ports.SinkEvent{Type: ports.SinkLoadedData})
		}
	}
}

func (s *Headless) stopTickerLocked() {
	if s.stopTick != nil {
		close(s.stopTick)
		s.stopTick = nil
	}
}

func (s *Headless) tick(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last).Seconds()
			last = now

			ended, ok := s.advance(stop, elapsed)
			if !ok {
				return
			}
			s.emit(ports.SinkEvent{Type: ports.SinkTimeUpdate})
			if ended {
				s.emit(ports.SinkEvent{Type: ports.SinkEnded})
				return
			}
		}
	}
}

// advance moves the playhead by elapsed seconds, stalling at the end of the
// buffered media. It reports false when the ticker was stopped meanwhile.
func (s *Headless) advance(stop <-chan struct{}, elapsed float64) (ended, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopTick == nil || s.stopTick != stop {
		return false, false
	}
	if !s.loaded {
		return false, true
	}

	limit := math.Inf(1)
	if n := len(s.buffered); n > 0 {
		limit = s.buffered[n-1].End
	}
	s.currentTime = math.Min(s.currentTime+elapsed, limit)

	if !math.IsNaN(s.duration) && !math.IsInf(s.duration, 0) && s.currentTime >= s.duration {
		if s.loop {
			s.currentTime = 0
			if len(s.buffered) > 0 {
				s.buffered[0].Start = 0
			}
			return false, true
		}
		s.currentTime = s.duration
		s.paused = true
		s.stopTick = nil
		return true, true
	}
	return false, true
}
