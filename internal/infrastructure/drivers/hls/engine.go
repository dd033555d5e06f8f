package hls

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"
)

// Level is one rendition of the bitrate ladder.
type Level struct {
	Index     int
	Bandwidth int // bits per second, 0 when the playlist does not say
	Width     int
	Height    int
	Codecs    []string
	URI       string
}

// Quality converts the level to the session quality record.
func (l Level) Quality() domain.Quality {
	return domain.Quality{
		Width:   l.Width,
		Height:  l.Height,
		Bitrate: l.Bandwidth,
		Codec:   strings.Join(l.Codecs, ","),
	}
}

// parseResolution parses "1280x720".
func parseResolution(s string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return width, height
}

type EventType int

const (
	EventManifestParsed EventType = iota
	EventLevelSwitched
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventManifestParsed:
		return "manifest_parsed"
	case EventLevelSwitched:
		return "level_switched"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted by an Engine on its own goroutine.
type Event struct {
	Type EventType

	// ManifestParsed
	Levels        []Level
	SelectedLevel int

	// LevelSwitched
	Level int

	// Error
	Err *EngineError
}

// EngineError is a classified engine failure. Fatal errors stop loading until
// the driver reacts with StartLoad, RecoverMediaError or Destroy.
type EngineError struct {
	Kind   ErrorKind
	Fatal  bool
	Detail string
	Err    error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hls %s error: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("hls %s error: %s", e.Kind, e.Detail)
}

func (e *EngineError) Unwrap() error { return e.Err }

type Config struct {
	LowLatency      bool
	MaxBufferLength time.Duration
	StartLevel      int // -1 = auto
}

// Engine is an adaptive bitrate HLS loader bound to one sink.
type Engine interface {
	LoadSource(url string)
	AttachMedia(sink ports.Sink)
	// StartLoad starts, or restarts from the manifest, the loading loop.
	StartLoad()
	// RecoverMediaError resets the media pipeline and resumes at the live edge.
	RecoverMediaError()
	// Destroy stops loading and releases the engine. It does not wait for the
	// loading goroutine and may be called from an event handler.
	Destroy()
}

// EngineFactory builds an engine whose lifetime is bounded by ctx.
type EngineFactory func(ctx context.Context, cfg Config, onEvent func(Event)) Engine
