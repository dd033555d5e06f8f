package testutils

import (
	"io"
	"sync"

	"camwatch/internal/core/ports"

	"github.com/pion/rtp"
)

// FakeTrack is an inbound track that replays queued RTP packets and then
// returns io.EOF.
type FakeTrack struct {
	TrackID   string
	TrackKind string
	MimeType  string
	SSRCValue uint32

	mu      sync.Mutex
	packets []*rtp.Packet
}

func NewFakeTrack(id, kind, mimeType string, ssrc uint32, packets ...*rtp.Packet) *FakeTrack {
	return &FakeTrack{TrackID: id, TrackKind: kind, MimeType: mimeType, SSRCValue: ssrc, packets: packets}
}

func (t *FakeTrack) ID() string    { return t.TrackID }
func (t *FakeTrack) Kind() string  { return t.TrackKind }
func (t *FakeTrack) Codec() string { return t.MimeType }
func (t *FakeTrack) SSRC() uint32  { return t.SSRCValue }

func (t *FakeTrack) ReadRTP() (*rtp.Packet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.packets) == 0 {
		return nil, io.EOF
	}
	pkt := t.packets[0]
	t.packets = t.packets[1:]
	return pkt, nil
}

// FakeMediaStream is a fixed set of tracks.
type FakeMediaStream struct {
	StreamID string
	Remote   []ports.RemoteTrack
}

func (s *FakeMediaStream) ID() string                  { return s.StreamID }
func (s *FakeMediaStream) Tracks() []ports.RemoteTrack { return s.Remote }
