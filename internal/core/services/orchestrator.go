package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"
	"camwatch/pkg/tracing"
	"camwatch/pkg/utils"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errNotLive = errors.New("session no longer holds resources")

type OrchestratorConfig struct {
	RTSPProxyBase string
	// DedupeByCamera stops earlier sessions of a camera before starting a new one.
	DedupeByCamera bool
}

// sessionRuntime is the orchestrator-owned state of one live session that
// does not belong in the registry record.
type sessionRuntime struct {
	generation  uint64
	protocol    domain.Protocol
	startedAt   time.Time
	cancel      context.CancelFunc
	unsubscribe func()
	timer       *time.Timer
	playing     bool
}

type orchestrator struct {
	registry ports.SessionRegistry
	drivers  map[domain.Protocol]ports.Driver
	snapshot *SnapshotCapturer
	metrics  *MetricsService
	cfg      OrchestratorConfig
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	runtimes map[domain.SessionID]*sessionRuntime

	now func() time.Time
}

func NewOrchestrator(
	registry ports.SessionRegistry,
	drivers []ports.Driver,
	snapshot *SnapshotCapturer,
	metrics *MetricsService,
	cfg OrchestratorConfig,
	logger *zap.SugaredLogger,
) ports.Orchestrator {
	if cfg.RTSPProxyBase == "" {
		cfg.RTSPProxyBase = DefaultRTSPProxyBase
	}
	if snapshot == nil {
		snapshot = NewSnapshotCapturer(DefaultJPEGQuality)
	}
	if metrics == nil {
		metrics = NewMetricsService(nil)
	}

	byProtocol := make(map[domain.Protocol]ports.Driver, len(drivers))
	for _, d := range drivers {
		byProtocol[d.Protocol()] = d
	}

	return &orchestrator{
		registry: registry,
		drivers:  byProtocol,
		snapshot: snapshot,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		runtimes: make(map[domain.SessionID]*sessionRuntime),
		now:      time.Now,
	}
}

func (o *orchestrator) StartStream(ctx context.Context, cameraID domain.CameraID, rawURL string, sink ports.Sink, opts domain.StreamOptions) (*domain.SessionInfo, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: stream url is required", domain.ErrInvalidConfiguration)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: sink is required", domain.ErrInvalidConfiguration)
	}

	protocol := DetectProtocol(rawURL)

	ctx, span := tracing.TraceStreamStart(ctx, string(cameraID), string(protocol))
	defer span.End()

	resolved, rtsp, err := o.resolveURL(rawURL, protocol)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	driver, ok := o.drivers[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoDriver, protocol)
	}

	if o.cfg.DedupeByCamera {
		if err := o.StopCameraStreams(ctx, cameraID); err != nil {
			o.logger.Warnw("failed to stop previous camera sessions",
				"camera_id", cameraID,
				"error", err,
			)
		}
	}

	sink.SetAutoplay(opts.Autoplay)
	sink.SetMuted(opts.Muted)
	sink.SetLoop(opts.Loop)

	now := o.now()
	session := domain.StreamSession{
		ID:          domain.SessionID(uuid.NewString()),
		CameraID:    cameraID,
		Protocol:    protocol,
		State:       domain.StateLoading,
		SourceURL:   rawURL,
		ResolvedURL: resolved,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	generation, err := o.registry.Add(ctx, &ports.ManagedSession{Session: session, Sink: sink})
	if err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}
	session.Generation = generation
	o.metrics.SessionStarted(protocol)
	tracing.AddSpanAttributes(ctx, tracing.SessionIDKey.String(string(session.ID)))

	// The session outlives the request; only the span is carried over.
	sessionCtx, cancel := context.WithCancel(trace.ContextWithSpan(context.Background(), span))
	rt := &sessionRuntime{
		generation: generation,
		protocol:   protocol,
		startedAt:  now,
		cancel:     cancel,
	}
	o.mu.Lock()
	o.runtimes[session.ID] = rt
	o.mu.Unlock()

	rt.unsubscribe = sink.Subscribe(o.sinkListener(session.ID, generation, sink))
	if opts.StartupTimeout > 0 {
		id := session.ID
		rt.timer = time.AfterFunc(opts.StartupTimeout, func() { o.startupExpired(id, generation) })
	}

	o.logger.Infow("starting stream",
		"session_id", session.ID,
		"camera_id", cameraID,
		"protocol", protocol,
		"url", utils.RedactURL(resolved),
	)

	callbacks := &sessionCallbacks{o: o, id: session.ID, generation: generation, protocol: protocol}
	handle, err := driver.Start(sessionCtx, ports.DriverRequest{
		SessionID: session.ID,
		URL:       resolved,
		Sink:      sink,
		Options:   opts,
		Callbacks: callbacks,
	})
	if err != nil {
		o.logger.Warnw("stream negotiation failed",
			"session_id", session.ID,
			"camera_id", cameraID,
			"protocol", protocol,
			"error", err,
		)
		tracing.RecordError(ctx, err)
		o.metrics.SessionFailed(protocol, "negotiation")
		o.discard(ctx, session.ID)
		return nil, err
	}

	if err := o.attachHandle(ctx, session.ID, generation, handle); err != nil {
		// Stopped or failed while the driver was starting.
		handle.Teardown()
		o.logger.Debugw("handle released after early session end",
			"session_id", session.ID,
			"error", err,
		)
	}

	current, err := o.registry.Get(ctx, session.ID)
	if err != nil {
		current = &session
	}
	return &domain.SessionInfo{Session: *current, Options: opts, RTSPHint: rtsp}, nil
}

func (o *orchestrator) resolveURL(rawURL string, protocol domain.Protocol) (string, bool, error) {
	switch {
	case IsRTSPURL(rawURL):
		resolved, err := ResolveRTSPURL(rawURL, o.cfg.RTSPProxyBase)
		if err != nil {
			return "", false, err
		}
		return resolved, true, nil
	case protocol == domain.ProtocolWebRTC:
		return NormalizeWebRTCURL(rawURL), false, nil
	default:
		return rawURL, false, nil
	}
}

func (o *orchestrator) attachHandle(ctx context.Context, id domain.SessionID, generation uint64, handle ports.ProtocolHandle) error {
	return o.registry.Update(ctx, id, generation, func(entry *ports.ManagedSession) error {
		if !entry.Session.State.HoldsResources() {
			return errNotLive
		}
		entry.Handle = handle
		return nil
	})
}

// discard undoes a start that never produced a handle.
func (o *orchestrator) discard(ctx context.Context, id domain.SessionID) {
	o.releaseRuntime(id, true)
	if entry, err := o.registry.Remove(ctx, id); err == nil {
		resetSink(entry)
	}
}

func (o *orchestrator) StopStream(ctx context.Context, id domain.SessionID) error {
	entry, err := o.registry.Remove(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}

	o.releaseRuntime(id, true)
	if entry.Handle != nil {
		entry.Handle.Teardown()
	}
	resetSink(entry)
	o.metrics.SessionStopped(entry.Session.Protocol)

	o.logger.Infow("stream stopped",
		"session_id", id,
		"camera_id", entry.Session.CameraID,
		"final_state", entry.Session.State,
	)
	return nil
}

func resetSink(entry *ports.ManagedSession) {
	if entry.Sink == nil {
		return
	}
	entry.Sink.SetSource("")
	entry.Sink.SetMediaStream(nil)
	if entry.Session.Protocol == domain.ProtocolMJPEG {
		entry.Sink.SetPoster(nil)
	}
	entry.Sink.Load()
}

func (o *orchestrator) StopCameraStreams(ctx context.Context, cameraID domain.CameraID) error {
	sessions, err := o.registry.FindByCamera(ctx, cameraID)
	if err != nil {
		return err
	}
	return o.stopAll(ctx, sessions)
}

func (o *orchestrator) StopAllStreams(ctx context.Context) error {
	sessions, err := o.registry.List(ctx)
	if err != nil {
		return err
	}
	return o.stopAll(ctx, sessions)
}

func (o *orchestrator) stopAll(ctx context.Context, sessions []*domain.StreamSession) error {
	var errs []error
	for _, s := range sessions {
		if err := o.StopStream(ctx, s.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *orchestrator) TogglePlayPause(ctx context.Context, id domain.SessionID) (domain.State, error) {
	entry, err := o.registry.Entry(ctx, id)
	if err != nil {
		return "", err
	}
	state := entry.Session.State
	if state.IsTerminal() {
		return state, fmt.Errorf("%w: session is %s", domain.ErrInvalidTransition, state)
	}

	next := domain.StatePaused
	if entry.Sink.Paused() {
		if err := entry.Sink.Play(ctx); err != nil {
			return state, fmt.Errorf("play rejected: %w", err)
		}
		next = domain.StatePlaying
	} else {
		entry.Sink.Pause()
	}

	if state == next {
		return state, nil
	}
	if err := o.transition(ctx, id, entry.Session.Generation, next); err != nil {
		return state, err
	}
	return next, nil
}

func (o *orchestrator) ToggleMute(ctx context.Context, id domain.SessionID) (bool, error) {
	entry, err := o.registry.Entry(ctx, id)
	if err != nil {
		return false, err
	}
	muted := !entry.Sink.Muted()
	entry.Sink.SetMuted(muted)
	return muted, nil
}

func (o *orchestrator) SetVolume(ctx context.Context, id domain.SessionID, volume float64) (float64, error) {
	if math.IsNaN(volume) {
		return 0, fmt.Errorf("%w: volume is not a number", domain.ErrInvalidConfiguration)
	}
	entry, err := o.registry.Entry(ctx, id)
	if err != nil {
		return 0, err
	}

	volume = utils.Clamp(volume, 0, 1)
	entry.Sink.SetVolume(volume)
	if volume > 0 && entry.Sink.Muted() {
		entry.Sink.SetMuted(false)
	}
	return volume, nil
}

func (o *orchestrator) TakeSnapshot(ctx context.Context, id domain.SessionID) ([]byte, error) {
	entry, err := o.registry.Entry(ctx, id)
	if err != nil {
		return nil, err
	}
	started := o.now()
	data, err := o.snapshot.Capture(entry.Sink)
	if data != nil {
		o.metrics.SnapshotTaken(o.now().Sub(started))
	}
	return data, err
}

func (o *orchestrator) EnterFullscreen(ctx context.Context, id domain.SessionID) error {
	entry, err := o.registry.Entry(ctx, id)
	if err != nil {
		return err
	}
	if err := entry.Sink.RequestFullscreen(); err != nil {
		if errors.Is(err, domain.ErrFullscreenUnsupported) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrFullscreenUnsupported, err)
	}
	return nil
}

func (o *orchestrator) GetStream(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	return o.registry.Get(ctx, id)
}

// GetStreamByCameraID returns the most recently started session of the camera.
func (o *orchestrator) GetStreamByCameraID(ctx context.Context, cameraID domain.CameraID) (*domain.StreamSession, error) {
	sessions, err := o.registry.FindByCamera(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	return sessions[len(sessions)-1], nil
}

func (o *orchestrator) ListStreams(ctx context.Context) ([]*domain.StreamSession, error) {
	return o.registry.List(ctx)
}

func (o *orchestrator) Subscribe(buffer int) (<-chan domain.SessionEvent, func()) {
	return o.registry.Subscribe(buffer)
}

// transition moves the session to state. Entering a terminal state releases
// the protocol handle.
func (o *orchestrator) transition(ctx context.Context, id domain.SessionID, generation uint64, state domain.State) error {
	var released ports.ProtocolHandle
	err := o.registry.Update(ctx, id, generation, func(entry *ports.ManagedSession) error {
		from := entry.Session.State
		if !from.CanTransitionTo(state) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, state)
		}
		entry.Session.State = state
		if state.IsTerminal() {
			released = entry.Handle
			entry.Handle = nil
		}
		return nil
	})
	if err != nil {
		o.logger.Debugw("session transition rejected",
			"session_id", id,
			"state", state,
			"error", err,
		)
		return err
	}

	if state == domain.StatePlaying {
		o.markPlaying(id, generation)
	}
	if state.IsTerminal() {
		o.releaseRuntime(id, false)
		if released != nil {
			released.Teardown()
		}
	}
	return nil
}

// fail records a fatal error. With onlyLoading set the session must still be
// loading, which is how the startup deadline avoids racing a late success.
func (o *orchestrator) fail(id domain.SessionID, generation uint64, cause error, reason string, onlyLoading bool) bool {
	var (
		released ports.ProtocolHandle
		protocol domain.Protocol
	)
	err := o.registry.Update(context.Background(), id, generation, func(entry *ports.ManagedSession) error {
		from := entry.Session.State
		if onlyLoading && from != domain.StateLoading {
			return errNotLive
		}
		if !from.CanTransitionTo(domain.StateError) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, domain.StateError)
		}
		entry.Session.State = domain.StateError
		entry.Session.Error = cause.Error()
		protocol = entry.Session.Protocol
		released = entry.Handle
		entry.Handle = nil
		return nil
	})
	if err != nil {
		o.logger.Debugw("session failure ignored",
			"session_id", id,
			"cause", cause,
			"error", err,
		)
		return false
	}

	o.logger.Warnw("stream failed",
		"session_id", id,
		"reason", reason,
		"error", cause,
	)
	o.releaseRuntime(id, false)
	if released != nil {
		released.Teardown()
	}
	o.metrics.SessionFailed(protocol, reason)
	return true
}

func (o *orchestrator) startupExpired(id domain.SessionID, generation uint64) {
	o.fail(id, generation, domain.ErrStartupTimeout, "startup_timeout", true)
}

func (o *orchestrator) markPlaying(id domain.SessionID, generation uint64) {
	o.mu.Lock()
	rt, ok := o.runtimes[id]
	if !ok || rt.generation != generation || rt.playing {
		o.mu.Unlock()
		return
	}
	rt.playing = true
	if rt.timer != nil {
		rt.timer.Stop()
	}
	startup := o.now().Sub(rt.startedAt)
	protocol := rt.protocol
	o.mu.Unlock()

	o.metrics.SessionPlaying(protocol, startup)
}

// releaseRuntime stops the session's timer and context. The sink
// subscription is kept until the session is removed so a failed session still
// answers to stop.
func (o *orchestrator) releaseRuntime(id domain.SessionID, removed bool) {
	o.mu.Lock()
	rt, ok := o.runtimes[id]
	if ok && removed {
		delete(o.runtimes, id)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	if rt.timer != nil {
		rt.timer.Stop()
	}
	rt.cancel()
	if removed && rt.unsubscribe != nil {
		rt.unsubscribe()
	}
}

func (o *orchestrator) sinkListener(id domain.SessionID, generation uint64, sink ports.Sink) func(ports.SinkEvent) {
	return func(ev ports.SinkEvent) {
		switch ev.Type {
		case ports.SinkTimeUpdate:
			stats := SampleStats(sink)
			err := o.registry.Update(context.Background(), id, generation, func(entry *ports.ManagedSession) error {
				if !entry.Session.State.HoldsResources() {
					return errNotLive
				}
				entry.Session.Stats = &stats
				return nil
			})
			if err != nil && !errors.Is(err, errNotLive) {
				o.logger.Debugw("stats sample dropped", "session_id", id, "error", err)
			}
		case ports.SinkEnded:
			o.transition(context.Background(), id, generation, domain.StateEnded)
		}
	}
}

// sessionCallbacks binds driver callbacks to one session generation so late
// callbacks from a stopped or replaced session are no-ops.
type sessionCallbacks struct {
	o          *orchestrator
	id         domain.SessionID
	generation uint64
	protocol   domain.Protocol
}

func (c *sessionCallbacks) Transition(state domain.State) bool {
	return c.o.transition(context.Background(), c.id, c.generation, state) == nil
}

func (c *sessionCallbacks) SetQuality(q domain.Quality) bool {
	err := c.o.registry.Update(context.Background(), c.id, c.generation, func(entry *ports.ManagedSession) error {
		if !entry.Session.State.HoldsResources() {
			return errNotLive
		}
		entry.Session.Quality = &q
		return nil
	})
	return err == nil
}

func (c *sessionCallbacks) Fail(err error) bool {
	return c.o.fail(c.id, c.generation, err, "runtime", false)
}

func (c *sessionCallbacks) Active() bool {
	s, err := c.o.registry.Get(context.Background(), c.id)
	return err == nil && s.Generation == c.generation && s.State.HoldsResources()
}
