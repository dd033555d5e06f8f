package sink

import (
	"net/http"
	"time"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"

	"go.uber.org/zap"
)

// Factory hands out one headless sink per stream request.
type Factory struct {
	client   *http.Client
	interval time.Duration
	logger   *zap.SugaredLogger
}

func NewFactory(client *http.Client, interval time.Duration, logger *zap.SugaredLogger) *Factory {
	return &Factory{client: client, interval: interval, logger: logger}
}

func (f *Factory) NewSink(cameraID domain.CameraID) ports.Sink {
	logger := f.logger
	if logger != nil {
		logger = logger.With("camera_id", cameraID)
	}
	return NewHeadless(f.client, f.interval, logger)
}
