package hls

import (
	"context"
	"sync"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"
	"camwatch/internal/infrastructure/drivers"
	"camwatch/internal/infrastructure/drivers/native"

	"go.uber.org/zap"
)

const mpegURLMime = "application/vnd.apple.mpegurl"

// Driver plays HLS natively when the sink can, otherwise through an adaptive
// Engine built by the factory.
type Driver struct {
	factory EngineFactory
	logger  *zap.SugaredLogger
}

func NewDriver(factory EngineFactory, logger *zap.SugaredLogger) *Driver {
	return &Driver{factory: factory, logger: logger}
}

func (d *Driver) Protocol() domain.Protocol {
	return domain.ProtocolHLS
}

func (d *Driver) Start(ctx context.Context, req ports.DriverRequest) (ports.ProtocolHandle, error) {
	if req.Sink.CanPlayType(mpegURLMime) != "" {
		d.logger.Debugw("sink plays hls natively", "session_id", req.SessionID)
		return native.Attach(ctx, req, d.logger), nil
	}

	s := &session{
		ctx:    ctx,
		req:    req,
		logger: d.logger.With("session_id", req.SessionID),
	}

	cfg := Config{
		LowLatency:      req.Options.LowLatency,
		MaxBufferLength: req.Options.MaxBufferLength,
		StartLevel:      req.Options.StartLevel,
	}
	s.engine = d.factory(ctx, cfg, s.onEvent)

	handle := drivers.NewHandle(ports.HandleHLSEngine, s.engine.Destroy)

	s.engine.LoadSource(req.URL)
	s.engine.AttachMedia(req.Sink)
	s.engine.StartLoad()

	return handle, nil
}

type session struct {
	ctx    context.Context
	req    ports.DriverRequest
	engine Engine
	logger *zap.SugaredLogger

	mu     sync.Mutex
	levels []Level
	// parsed is set by the first manifest parse. Later parses come from
	// reloads and only refresh quality.
	parsed bool
}

func (s *session) onEvent(ev Event) {
	cb := s.req.Callbacks
	if !cb.Active() {
		return
	}

	switch ev.Type {
	case EventManifestParsed:
		s.mu.Lock()
		s.levels = ev.Levels
		first := !s.parsed
		s.parsed = true
		s.mu.Unlock()

		if level, ok := s.level(ev.SelectedLevel); ok {
			cb.SetQuality(level.Quality())
		}
		s.logger.Infow("hls manifest parsed",
			"levels", len(ev.Levels),
			"selected_level", ev.SelectedLevel,
			"reload", !first,
		)
		if !first {
			return
		}

		if s.req.Options.Autoplay {
			if err := s.req.Sink.Play(s.ctx); err != nil {
				s.logger.Warnw("autoplay rejected", "error", err)
			}
		}
		cb.Transition(domain.StatePlaying)

	case EventLevelSwitched:
		if level, ok := s.level(ev.Level); ok {
			cb.SetQuality(level.Quality())
		}

	case EventError:
		s.onError(ev.Err)
	}
}

func (s *session) onError(err *EngineError) {
	if err == nil {
		return
	}
	if !err.Fatal {
		s.logger.Debugw("hls recoverable error",
			"kind", err.Kind,
			"detail", err.Detail,
			"error", err.Err,
		)
		return
	}

	switch err.Kind {
	case ErrorNetwork:
		s.logger.Warnw("hls fatal network error, reloading", "detail", err.Detail, "error", err.Err)
		s.engine.StartLoad()
	case ErrorMedia:
		s.logger.Warnw("hls fatal media error, recovering", "detail", err.Detail, "error", err.Err)
		s.engine.RecoverMediaError()
	default:
		s.logger.Errorw("hls fatal error", "detail", err.Detail, "error", err.Err)
		s.req.Callbacks.Fail(err)
	}
}

func (s *session) level(i int) (Level, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.levels) {
		return Level{}, false
	}
	return s.levels[i], true
}
