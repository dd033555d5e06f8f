package whep

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"
	"camwatch/pkg/circuitbreaker"
	"camwatch/tests/testutils"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testOffer = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

const testAnswer = "v=0\r\n" +
	"o=- 4242 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 102 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:102 H264/90000\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

type fakePeer struct {
	mu           sync.Mutex
	transceivers []webrtc.RTPCodecType
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	onTrack      func(Track)
	onICE        func(webrtc.ICEConnectionState)
	rtcp         []rtcp.Packet
	closed       int
	gathered     chan struct{}
}

func newFakePeer() *fakePeer {
	ch := make(chan struct{})
	close(ch)
	return &fakePeer{gathered: ch}
}

func (p *fakePeer) AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transceivers = append(p.transceivers, kind)
	return nil, nil
}

func (p *fakePeer) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testOffer}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	return nil
}

func (p *fakePeer) GatheringComplete() <-chan struct{} {
	return p.gathered
}

func (p *fakePeer) OnTrack(fn func(Track)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *fakePeer) WriteRTCP(pkts []rtcp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtcp = append(p.rtcp, pkts...)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func newTestDriver(peer *fakePeer, breaker circuitbreaker.Config) *Driver {
	factory := func(cfg webrtc.Configuration) (PeerConnection, error) {
		return peer, nil
	}
	return NewDriver(Config{
		ICEServers:       []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		SignalingTimeout: 2 * time.Second,
		Breaker:          breaker,
	}, factory, nil, zap.NewNop().Sugar())
}

func newRequest(url string, sink ports.Sink, cb ports.SessionCallbacks) ports.DriverRequest {
	return ports.DriverRequest{
		SessionID: "s1",
		URL:       url,
		Sink:      sink,
		Options:   domain.DefaultStreamOptions(),
		Callbacks: cb,
	}
}

func whepServer(t *testing.T, status int, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/sdp", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, testOffer, string(body))

		if status != http.StatusCreated {
			http.Error(w, "upstream unavailable", status)
			return
		}
		w.Header().Set("Content-Type", "application/sdp")
		w.Header().Set("Location", "/whep/session/1")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, testAnswer)
	}))
}

func TestDriver_Negotiates(t *testing.T) {
	var hits int32
	srv := whepServer(t, http.StatusCreated, &hits)
	defer srv.Close()

	peer := newFakePeer()
	sink := testutils.NewFakeSink()
	cb := testutils.NewFakeCallbacks()

	h, err := newTestDriver(peer, circuitbreaker.DefaultConfig()).Start(context.Background(), newRequest(srv.URL+"/front/whep", sink, cb))
	require.NoError(t, err)

	assert.Equal(t, ports.HandlePeerConnection, h.Kind())
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio}, peer.transceivers)
	require.NotNil(t, peer.remote)
	assert.Equal(t, webrtc.SDPTypeAnswer, peer.remote.Type)
	assert.Equal(t, testAnswer, peer.remote.SDP)

	// Quality comes from the answer; state waits for a track.
	require.Len(t, cb.Qualities(), 1)
	assert.Equal(t, "H264", cb.Qualities()[0].Codec)
	assert.Equal(t, domain.StateLoading, cb.State())

	h.Teardown()
	h.Teardown()
	assert.Equal(t, 1, peer.closeCount())
}

func TestDriver_TracksAttachAndPlay(t *testing.T) {
	var hits int32
	srv := whepServer(t, http.StatusCreated, &hits)
	defer srv.Close()

	peer := newFakePeer()
	sink := testutils.NewFakeSink()
	cb := testutils.NewFakeCallbacks()

	_, err := newTestDriver(peer, circuitbreaker.DefaultConfig()).Start(context.Background(), newRequest(srv.URL+"/whep", sink, cb))
	require.NoError(t, err)

	peer.onTrack(testutils.NewFakeTrack("v0", "video", webrtc.MimeTypeH264, 1234))

	assert.Equal(t, domain.StatePlaying, cb.State())
	assert.Equal(t, 1, sink.PlayCalls())
	require.NotNil(t, sink.MediaStream())
	assert.Equal(t, "s1", sink.MediaStream().ID())
	assert.Len(t, sink.MediaStream().Tracks(), 1)

	require.Len(t, peer.rtcp, 1)
	pli, ok := peer.rtcp[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.Equal(t, uint32(1234), pli.MediaSSRC)

	peer.onTrack(testutils.NewFakeTrack("a0", "audio", webrtc.MimeTypeOpus, 99))
	assert.Len(t, sink.MediaStream().Tracks(), 2)
	assert.Len(t, peer.rtcp, 1, "no keyframe request for audio")
	assert.Equal(t, []domain.State{domain.StatePlaying}, cb.States())
}

func TestDriver_EndpointRejects(t *testing.T) {
	var hits int32
	srv := whepServer(t, http.StatusInternalServerError, &hits)
	defer srv.Close()

	peer := newFakePeer()
	cb := testutils.NewFakeCallbacks()

	h, err := newTestDriver(peer, circuitbreaker.DefaultConfig()).Start(context.Background(), newRequest(srv.URL+"/whep", testutils.NewFakeSink(), cb))
	require.Error(t, err)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, domain.ErrSignalingFailed)
	assert.Contains(t, err.Error(), "500")
	assert.Equal(t, 1, peer.closeCount())
	assert.Empty(t, cb.Qualities())
}

func TestDriver_BreakerOpensPerEndpoint(t *testing.T) {
	var hits int32
	srv := whepServer(t, http.StatusBadGateway, &hits)
	defer srv.Close()

	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = 2
	driver := newTestDriver(newFakePeer(), breaker)

	for i := 0; i < 2; i++ {
		_, err := driver.Start(context.Background(), newRequest(srv.URL+"/a/whep", testutils.NewFakeSink(), testutils.NewFakeCallbacks()))
		require.Error(t, err)
	}

	_, err := driver.Start(context.Background(), newRequest(srv.URL+"/a/whep", testutils.NewFakeSink(), testutils.NewFakeCallbacks()))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, err, domain.ErrSignalingFailed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	// Another endpoint has its own breaker.
	_, err = driver.Start(context.Background(), newRequest(srv.URL+"/b/whep", testutils.NewFakeSink(), testutils.NewFakeCallbacks()))
	assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestDriver_ICEFailureFails(t *testing.T) {
	tests := []struct {
		name  string
		state webrtc.ICEConnectionState
	}{
		{"failed", webrtc.ICEConnectionStateFailed},
		{"disconnected", webrtc.ICEConnectionStateDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			srv := whepServer(t, http.StatusCreated, &hits)
			defer srv.Close()

			peer := newFakePeer()
			cb := testutils.NewFakeCallbacks()

			h, err := newTestDriver(peer, circuitbreaker.DefaultConfig()).Start(context.Background(), newRequest(srv.URL+"/whep", testutils.NewFakeSink(), cb))
			require.NoError(t, err)
			cb.OnFail = func(error) { h.Teardown() }

			peer.onICE(webrtc.ICEConnectionStateConnected)
			assert.Equal(t, domain.StateLoading, cb.State())

			peer.onICE(tt.state)
			require.Eventually(t, func() bool { return cb.State() == domain.StateError }, 2*time.Second, 10*time.Millisecond)
			require.Eventually(t, func() bool { return peer.closeCount() == 1 }, 2*time.Second, 10*time.Millisecond)
			require.Len(t, cb.Failures(), 1)
			assert.Contains(t, cb.Failures()[0].Error(), tt.name)
		})
	}
}

func TestDriver_QualityFromVideoSize(t *testing.T) {
	var hits int32
	srv := whepServer(t, http.StatusCreated, &hits)
	defer srv.Close()

	peer := newFakePeer()
	sink := testutils.NewFakeSink()
	cb := testutils.NewFakeCallbacks()

	h, err := newTestDriver(peer, circuitbreaker.DefaultConfig()).Start(context.Background(), newRequest(srv.URL+"/whep", sink, cb))
	require.NoError(t, err)
	require.Len(t, cb.Qualities(), 1)
	assert.Zero(t, cb.Qualities()[0].Width)

	// No size before the first frame decodes.
	peer.onTrack(testutils.NewFakeTrack("v0", "video", webrtc.MimeTypeH264, 1234))
	assert.Len(t, cb.Qualities(), 1)

	sink.SetFrame(nil, 1920, 1080)
	sink.Emit(ports.SinkEvent{Type: ports.SinkTimeUpdate})
	require.Len(t, cb.Qualities(), 2)
	got := cb.Qualities()[1]
	assert.Equal(t, 1920, got.Width)
	assert.Equal(t, 1080, got.Height)
	assert.Equal(t, cb.Qualities()[0].Codec, got.Codec)

	// Reported once.
	sink.Emit(ports.SinkEvent{Type: ports.SinkTimeUpdate})
	assert.Len(t, cb.Qualities(), 2)

	h.Teardown()
	sink.SetFrame(nil, 640, 480)
	sink.Emit(ports.SinkEvent{Type: ports.SinkLoadedData})
	assert.Len(t, cb.Qualities(), 2)
}

func TestDriver_GatheringTimeout(t *testing.T) {
	peer := newFakePeer()
	peer.gathered = make(chan struct{})

	driver := newTestDriver(peer, circuitbreaker.DefaultConfig())
	driver.cfg.SignalingTimeout = 50 * time.Millisecond

	_, err := driver.Start(context.Background(), newRequest("http://127.0.0.1:1/whep", testutils.NewFakeSink(), testutils.NewFakeCallbacks()))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSignalingFailed)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, peer.closeCount())
}

func TestVideoCodec(t *testing.T) {
	assert.Equal(t, "H264", videoCodec(testAnswer))
	assert.Equal(t, "", videoCodec("garbage"))
	assert.Equal(t, "", videoCodec(testOffer))
}
