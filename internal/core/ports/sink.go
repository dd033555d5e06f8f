package ports

import (
	"context"
	"image"
	"time"

	"github.com/pion/rtp"
)

// SinkEventType mirrors the media element events the drivers react to.
type SinkEventType string

const (
	SinkLoadedData SinkEventType = "loadeddata"
	SinkTimeUpdate SinkEventType = "timeupdate"
	SinkPlaying    SinkEventType = "playing"
	SinkPause      SinkEventType = "pause"
	SinkEnded      SinkEventType = "ended"
	SinkError      SinkEventType = "error"
)

type SinkEvent struct {
	Type SinkEventType
	Err  error
}

// TimeRange is a buffered media range in seconds.
type TimeRange struct {
	Start float64
	End   float64
}

// Sink is the caller-owned video rendering surface. The orchestrator holds a
// non-owning reference; the caller controls its lifetime.
type Sink interface {
	// CanPlayType returns "", "maybe" or "probably".
	CanPlayType(mimeType string) string

	// SetSource assigns a URL as the media source; "" clears it.
	SetSource(url string)
	// SetMediaStream attaches a live media stream; nil detaches it.
	SetMediaStream(stream MediaStream)
	// SetPoster shows a still image in place of video.
	SetPoster(img image.Image)
	// Load aborts any in-flight fetch and resets the element.
	Load()

	Play(ctx context.Context) error
	Pause()
	Paused() bool

	Muted() bool
	SetMuted(muted bool)
	Volume() float64
	SetVolume(volume float64)
	SetAutoplay(autoplay bool)
	SetLoop(loop bool)

	// VideoSize reports the decoded frame dimensions, 0x0 before the first frame.
	VideoSize() (width, height int)
	// CurrentFrame returns the visible frame, nil when nothing was decoded.
	CurrentFrame() image.Image

	Buffered() []TimeRange
	CurrentTime() float64
	Duration() float64

	RequestFullscreen() error

	// Subscribe registers fn for sink events and returns its unsubscribe func.
	Subscribe(fn func(SinkEvent)) (unsubscribe func())
}

// DroppedFrameCounter is implemented by sinks that expose a dropped frame counter.
type DroppedFrameCounter interface {
	DroppedFrames() int
}

// MediaSegment is one fetched HLS media segment.
type MediaSegment struct {
	Sequence uint64
	URI      string
	Duration time.Duration
	Level    int
	Data     []byte
}

// SegmentAppender is implemented by sinks that accept HLS segments from the
// adaptive engine, like a media source buffer.
type SegmentAppender interface {
	AppendSegment(seg MediaSegment) error
}

// StreamEnder is implemented by segment sinks that need to know when a
// finite playlist has been fully appended.
type StreamEnder interface {
	EndOfStream()
}

// RemoteTrack is one inbound WebRTC track.
type RemoteTrack interface {
	ID() string
	Kind() string
	Codec() string
	ReadRTP() (*rtp.Packet, error)
}

// MediaStream groups the inbound tracks of one peer connection.
type MediaStream interface {
	ID() string
	Tracks() []RemoteTrack
}
