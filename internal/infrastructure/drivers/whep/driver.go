package whep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"
	"camwatch/internal/infrastructure/drivers"
	"camwatch/pkg/circuitbreaker"
	"camwatch/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	sdpMime        = "application/sdp"
	maxAnswerBytes = 64 << 10
)

var errNoLocalDescription = errors.New("no local description after gathering")

type Config struct {
	ICEServers       []webrtc.ICEServer
	SignalingTimeout time.Duration
	Breaker          circuitbreaker.Config
}

// Driver runs receive-only WHEP sessions: one offer POSTed to the endpoint
// after ICE gathering completes, no trickle and no ICE restart.
type Driver struct {
	cfg      Config
	newPeer  PeerConnectionFactory
	client   *http.Client
	breakers *circuitbreaker.Group
	logger   *zap.SugaredLogger
}

func NewDriver(cfg Config, newPeer PeerConnectionFactory, client *http.Client, logger *zap.SugaredLogger) *Driver {
	if cfg.SignalingTimeout <= 0 {
		cfg.SignalingTimeout = 10 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}

	breakers := circuitbreaker.NewGroup(cfg.Breaker)
	breakers.OnStateChange(func(endpoint string, from, to circuitbreaker.State) {
		logger.Warnw("whep endpoint breaker state changed",
			"endpoint", endpoint,
			"from", from.String(),
			"to", to.String(),
		)
	})

	return &Driver{
		cfg:      cfg,
		newPeer:  newPeer,
		client:   client,
		breakers: breakers,
		logger:   logger,
	}
}

func (d *Driver) Protocol() domain.Protocol {
	return domain.ProtocolWebRTC
}

// Start negotiates the session before returning. Any failure closes the peer
// connection and is returned wrapped in domain.ErrSignalingFailed.
func (d *Driver) Start(ctx context.Context, req ports.DriverRequest) (ports.ProtocolHandle, error) {
	pc, err := d.newPeer(webrtc.Configuration{ICEServers: d.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("%w: creating peer connection: %w", domain.ErrSignalingFailed, err)
	}

	s := &session{
		ctx:    ctx,
		req:    req,
		pc:     pc,
		stream: &mediaStream{id: string(req.SessionID)},
		logger: d.logger.With("session_id", req.SessionID),
	}
	handle := drivers.NewHandle(ports.HandlePeerConnection, s.close)

	pc.OnTrack(s.onTrack)
	pc.OnICEConnectionStateChange(s.onICEState)

	sigCtx, cancel := context.WithTimeout(ctx, d.cfg.SignalingTimeout)
	defer cancel()
	sigCtx, span := tracing.TraceSignaling(sigCtx, string(req.SessionID), req.URL)
	defer span.End()

	answer, err := d.negotiate(sigCtx, pc, req.URL)
	if err != nil {
		handle.Teardown()
		tracing.RecordError(sigCtx, err)
		return nil, fmt.Errorf("%w: %w", domain.ErrSignalingFailed, err)
	}

	s.negotiated(videoCodec(answer))
	s.logger.Infow("whep session negotiated", "endpoint", req.URL)

	return handle, nil
}

func (d *Driver) negotiate(ctx context.Context, pc PeerConnection, endpoint string) (string, error) {
	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, recvonly); err != nil {
			return "", fmt.Errorf("adding %s transceiver: %w", kind, err)
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}

	gathered := pc.GatheringComplete()
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	local := pc.LocalDescription()
	if local == nil {
		return "", errNoLocalDescription
	}

	var answer string
	err = d.breakers.Execute(ctx, endpoint, func() error {
		var err error
		answer, err = d.postOffer(ctx, endpoint, local.SDP)
		return err
	})
	if err != nil {
		return "", err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return "", fmt.Errorf("setting remote description: %w", err)
	}
	return answer, nil
}

func (d *Driver) postOffer(ctx context.Context, endpoint, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(offer))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", sdpMime)
	req.Header.Set("Accept", sdpMime)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", fmt.Errorf("reading answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return string(body), nil
}

type session struct {
	ctx    context.Context
	req    ports.DriverRequest
	pc     PeerConnection
	stream *mediaStream
	logger *zap.SugaredLogger

	mu          sync.Mutex
	ready       bool
	codec       string
	sized       bool
	unsubscribe func()
}

func (s *session) close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	if err := s.pc.Close(); err != nil {
		s.logger.Debugw("closing peer connection", "error", err)
	}
}

// negotiated publishes the answer's codec and starts watching the sink for
// the decoded video size.
func (s *session) negotiated(codec string) {
	s.mu.Lock()
	s.ready = true
	s.codec = codec
	s.mu.Unlock()

	if codec != "" {
		s.req.Callbacks.SetQuality(domain.Quality{Codec: codec})
	}

	unsubscribe := s.req.Sink.Subscribe(func(ev ports.SinkEvent) {
		switch ev.Type {
		case ports.SinkLoadedData, ports.SinkPlaying, ports.SinkTimeUpdate:
			s.reportSize()
		}
	})
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.reportSize()
}

// reportSize sets width and height once the sink knows them.
func (s *session) reportSize() {
	width, height := s.req.Sink.VideoSize()
	if width <= 0 || height <= 0 {
		return
	}

	s.mu.Lock()
	if !s.ready || s.sized {
		s.mu.Unlock()
		return
	}
	s.sized = true
	codec := s.codec
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.req.Callbacks.SetQuality(domain.Quality{Width: width, Height: height, Codec: codec})
	s.logger.Debugw("whep video size known", "width", width, "height", height)
}

func (s *session) onTrack(track Track) {
	cb := s.req.Callbacks
	if !cb.Active() {
		return
	}

	s.logger.Infow("whep track received",
		"track_id", track.ID(),
		"kind", track.Kind(),
		"codec", track.Codec(),
	)

	s.stream.add(track)
	s.req.Sink.SetMediaStream(s.stream)
	cb.Transition(domain.StatePlaying)

	if s.req.Options.Autoplay && s.req.Sink.Paused() {
		if err := s.req.Sink.Play(s.ctx); err != nil {
			s.logger.Warnw("autoplay rejected", "error", err)
		}
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo.String() {
		s.reportSize()
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: track.SSRC()}}
		if err := s.pc.WriteRTCP(pli); err != nil {
			s.logger.Debugw("keyframe request failed", "error", err)
		}
	}
}

func (s *session) onICEState(state webrtc.ICEConnectionState) {
	s.logger.Infow("whep ice state changed", "ice_state", state.String())

	if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateDisconnected {
		// Fail closes the peer connection, which must not happen on pion's
		// callback goroutine.
		go s.req.Callbacks.Fail(fmt.Errorf("ice connection %s", state))
	}
}

// mediaStream collects the inbound tracks of one session.
type mediaStream struct {
	id string

	mu     sync.Mutex
	tracks []ports.RemoteTrack
}

func (m *mediaStream) ID() string {
	return m.id
}

func (m *mediaStream) Tracks() []ports.RemoteTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ports.RemoteTrack(nil), m.tracks...)
}

func (m *mediaStream) add(t ports.RemoteTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = append(m.tracks, t)
}
