package ports

import (
	"context"
	"time"

	"camwatch/internal/core/domain"
)

// Orchestrator is the public stream control surface.
type Orchestrator interface {
	StartStream(ctx context.Context, cameraID domain.CameraID, url string, sink Sink, opts domain.StreamOptions) (*domain.SessionInfo, error)
	StopStream(ctx context.Context, id domain.SessionID) error
	StopCameraStreams(ctx context.Context, cameraID domain.CameraID) error
	StopAllStreams(ctx context.Context) error

	TogglePlayPause(ctx context.Context, id domain.SessionID) (domain.State, error)
	ToggleMute(ctx context.Context, id domain.SessionID) (bool, error)
	SetVolume(ctx context.Context, id domain.SessionID, volume float64) (float64, error)
	TakeSnapshot(ctx context.Context, id domain.SessionID) ([]byte, error)
	EnterFullscreen(ctx context.Context, id domain.SessionID) error

	GetStream(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error)
	GetStreamByCameraID(ctx context.Context, cameraID domain.CameraID) (*domain.StreamSession, error)
	ListStreams(ctx context.Context) ([]*domain.StreamSession, error)
	Subscribe(buffer int) (<-chan domain.SessionEvent, func())
}

// SinkFactory builds sinks for callers that do not bring their own, such as
// the HTTP control API.
type SinkFactory interface {
	NewSink(cameraID domain.CameraID) Sink
}

// MetricsRecorder receives session lifecycle measurements.
type MetricsRecorder interface {
	SessionStarted(protocol domain.Protocol)
	SessionPlaying(protocol domain.Protocol, startup time.Duration)
	SessionFailed(protocol domain.Protocol, reason string)
	SessionStopped(protocol domain.Protocol)
	SnapshotTaken(duration time.Duration)
}
