package testutils

import (
	"context"
	"image"
	"sync"

	"camwatch/internal/core/ports"
)

// FakeSink is an in-memory ports.Sink for tests. It starts paused, unmuted,
// at volume 1 and with no playable types.
type FakeSink struct {
	mu sync.Mutex

	PlayableTypes map[string]string
	PlayErr       error
	FullscreenErr error
	AppendErr     error

	source      string
	stream      ports.MediaStream
	poster      image.Image
	loadCalls   int
	playCalls   int
	paused      bool
	muted       bool
	volume      float64
	autoplay    bool
	loop        bool
	width       int
	height      int
	frame       image.Image
	buffered    []ports.TimeRange
	currentTime float64
	duration    float64
	dropped     *int
	segments    []ports.MediaSegment
	endOfStream int
	fullscreen  int

	nextSub int
	subs    map[int]func(ports.SinkEvent)
}

func NewFakeSink() *FakeSink {
	return &FakeSink{
		PlayableTypes: map[string]string{},
		paused:        true,
		volume:        1,
		subs:          make(map[int]func(ports.SinkEvent)),
	}
}

func (s *FakeSink) CanPlayType(mimeType string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PlayableTypes[mimeType]
}

func (s *FakeSink) SetSource(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = url
}

func (s *FakeSink) SetMediaStream(stream ports.MediaStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = stream
}

func (s *FakeSink) SetPoster(img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poster = img
	if img != nil {
		s.frame = img
		b := img.Bounds()
		s.width, s.height = b.Dx(), b.Dy()
	}
}

func (s *FakeSink) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadCalls++
	s.buffered = nil
	s.currentTime = 0
}

func (s *FakeSink) Play(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playCalls++
	if s.PlayErr != nil {
		return s.PlayErr
	}
	s.paused = false
	return nil
}

func (s *FakeSink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

func (s *FakeSink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *FakeSink) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *FakeSink) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

func (s *FakeSink) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *FakeSink) SetVolume(volume float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = volume
}

func (s *FakeSink) SetAutoplay(autoplay bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoplay = autoplay
}

func (s *FakeSink) SetLoop(loop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop = loop
}

func (s *FakeSink) VideoSize() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

func (s *FakeSink) CurrentFrame() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

func (s *FakeSink) Buffered() []ports.TimeRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.TimeRange(nil), s.buffered...)
}

func (s *FakeSink) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTime
}

func (s *FakeSink) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *FakeSink) RequestFullscreen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FullscreenErr != nil {
		return s.FullscreenErr
	}
	s.fullscreen++
	return nil
}

func (s *FakeSink) Subscribe(fn func(ports.SinkEvent)) func() {
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

// AppendSegment implements ports.SegmentAppender; each segment extends the
// buffered range by its duration.
func (s *FakeSink) AppendSegment(seg ports.MediaSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.segments = append(s.segments, seg)
	end := seg.Duration.Seconds()
	if n := len(s.buffered); n > 0 {
		end += s.buffered[n-1].End
		s.buffered[n-1].End = end
	} else {
		s.buffered = []ports.TimeRange{{Start: 0, End: end}}
	}
	return nil
}

// EndOfStream implements ports.StreamEnder.
func (s *FakeSink) EndOfStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endOfStream++
}

// Emit delivers ev to every subscriber on the calling goroutine.
func (s *FakeSink) Emit(ev ports.SinkEvent) {
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

func (s *FakeSink) SetFrame(img image.Image, width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = img
	s.width, s.height = width, height
}

func (s *FakeSink) SetTimeline(buffered []ports.TimeRange, currentTime, duration float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffered = buffered
	s.currentTime = currentTime
	s.duration = duration
}

func (s *FakeSink) SetDroppedFrames(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = &n
}

func (s *FakeSink) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

func (s *FakeSink) MediaStream() ports.MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *FakeSink) Poster() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poster
}

func (s *FakeSink) LoadCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCalls
}

func (s *FakeSink) PlayCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playCalls
}

func (s *FakeSink) Autoplay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoplay
}

func (s *FakeSink) Loop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop
}

func (s *FakeSink) Segments() []ports.MediaSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.MediaSegment(nil), s.segments...)
}

func (s *FakeSink) EndOfStreamCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endOfStream
}

func (s *FakeSink) FullscreenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullscreen
}

func (s *FakeSink) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// CountingSink adds a dropped frame counter to FakeSink.
type CountingSink struct {
	*FakeSink
}

func (s CountingSink) DroppedFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped == nil {
		return 0
	}
	return *s.dropped
}
