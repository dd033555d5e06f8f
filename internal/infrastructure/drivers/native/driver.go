package native

import (
	"context"
	"errors"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"
	"camwatch/internal/infrastructure/drivers"

	"go.uber.org/zap"
)

var errMediaElement = errors.New("media element error")

// Driver hands the URL to the sink's own decoder.
type Driver struct {
	logger *zap.SugaredLogger
}

func NewDriver(logger *zap.SugaredLogger) *Driver {
	return &Driver{logger: logger}
}

func (d *Driver) Protocol() domain.Protocol {
	return domain.ProtocolNative
}

func (d *Driver) Start(ctx context.Context, req ports.DriverRequest) (ports.ProtocolHandle, error) {
	return Attach(ctx, req, d.logger), nil
}

// Attach assigns req.URL to the sink and follows its events: loadeddata
// moves the session to playing, a sink error fails it. The returned handle
// only drops the event subscription; clearing the source is left to the
// caller's stop path.
func Attach(ctx context.Context, req ports.DriverRequest, logger *zap.SugaredLogger) ports.ProtocolHandle {
	cb := req.Callbacks
	sink := req.Sink

	unsubscribe := sink.Subscribe(func(ev ports.SinkEvent) {
		if !cb.Active() {
			return
		}
		switch ev.Type {
		case ports.SinkLoadedData:
			if req.Options.Autoplay && sink.Paused() {
				if err := sink.Play(ctx); err != nil {
					logger.Warnw("autoplay rejected",
						"session_id", req.SessionID,
						"error", err,
					)
				}
			}
			cb.Transition(domain.StatePlaying)
		case ports.SinkError:
			err := ev.Err
			if err == nil {
				err = errMediaElement
			}
			logger.Warnw("sink reported error",
				"session_id", req.SessionID,
				"error", err,
			)
			cb.Fail(err)
		}
	})

	sink.SetSource(req.URL)
	return drivers.NewHandle(ports.HandleNone, unsubscribe)
}
