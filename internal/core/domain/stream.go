package domain

import (
	"time"
)

type SessionID string
type CameraID string

// Protocol is the wire protocol family a stream URL resolves to.
type Protocol string

const (
	ProtocolHLS    Protocol = "hls"
	ProtocolWebRTC Protocol = "webrtc"
	ProtocolMJPEG  Protocol = "mjpeg"
	ProtocolNative Protocol = "native"
)

// StreamSession is one managed live stream bound to one sink. Values handed
// out by the registry are copies; mutate through the registry only.
type StreamSession struct {
	ID          SessionID `json:"id"`
	CameraID    CameraID  `json:"camera_id"`
	Protocol    Protocol  `json:"protocol"`
	State       State     `json:"state"`
	SourceURL   string    `json:"source_url"`
	ResolvedURL string    `json:"resolved_url"`
	Error       string    `json:"error,omitempty"`
	Quality     *Quality  `json:"quality,omitempty"`
	Stats       *Stats    `json:"stats,omitempty"`
	Generation  uint64    `json:"generation"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *StreamSession) Clone() *StreamSession {
	c := *s
	if s.Quality != nil {
		q := *s.Quality
		c.Quality = &q
	}
	if s.Stats != nil {
		st := *s.Stats
		if s.Stats.DroppedFrames != nil {
			d := *s.Stats.DroppedFrames
			st.DroppedFrames = &d
		}
		c.Stats = &st
	}
	return &c
}

// Quality is the negotiated rendition. Bitrate is in bits per second.
type Quality struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Bitrate int    `json:"bitrate,omitempty"`
	Codec   string `json:"codec,omitempty"`
}

// Stats is the latest playback telemetry sample, in seconds.
type Stats struct {
	BufferedAhead float64 `json:"buffered_ahead"`
	CurrentTime   float64 `json:"current_time"`
	Duration      float64 `json:"duration"`
	DroppedFrames *int    `json:"dropped_frames,omitempty"`
}

type StreamOptions struct {
	Autoplay        bool          `json:"autoplay"`
	Muted           bool          `json:"muted"`
	Loop            bool          `json:"loop"`
	LowLatency      bool          `json:"low_latency"`
	MaxBufferLength time.Duration `json:"max_buffer_length"`
	StartLevel      int           `json:"start_level"` // -1 = auto
	StartupTimeout  time.Duration `json:"startup_timeout"`
}

// DefaultStreamOptions mirrors the defaults used when a caller omits options.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		Autoplay:        true,
		Muted:           true,
		LowLatency:      true,
		MaxBufferLength: 30 * time.Second,
		StartLevel:      -1,
		StartupTimeout:  30 * time.Second,
	}
}

// SessionInfo is returned from StartStream once the session record exists.
type SessionInfo struct {
	Session  StreamSession `json:"session"`
	Options  StreamOptions `json:"options"`
	RTSPHint bool          `json:"rtsp_rewritten"`
}

// MirroredSession is a session as published to the shared store by the
// instance that owns it.
type MirroredSession struct {
	InstanceID string        `json:"instance_id"`
	Session    StreamSession `json:"session"`
	MirroredAt time.Time     `json:"mirrored_at"`
}
