package whep

import (
	"camwatch/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Track is an inbound track plus the SSRC needed for keyframe requests.
type Track interface {
	ports.RemoteTrack
	SSRC() uint32
}

// PeerConnection is the part of a pion peer connection the driver uses.
type PeerConnection interface {
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// GatheringComplete must be called before SetLocalDescription.
	GatheringComplete() <-chan struct{}
	OnTrack(fn func(Track))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

type PeerConnectionFactory func(cfg webrtc.Configuration) (PeerConnection, error)

// NewPionFactory builds real peer connections. A zero port range leaves UDP
// port selection to the OS.
func NewPionFactory(portMin, portMax uint16) PeerConnectionFactory {
	return func(cfg webrtc.Configuration) (PeerConnection, error) {
		settingEngine := webrtc.SettingEngine{}
		if portMin > 0 && portMax > 0 {
			if err := settingEngine.SetEphemeralUDPPortRange(portMin, portMax); err != nil {
				return nil, err
			}
		}

		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}

		api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine), webrtc.WithMediaEngine(mediaEngine))
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionPeer{PeerConnection: pc}, nil
	}
}

type pionPeer struct {
	*webrtc.PeerConnection
}

func (p *pionPeer) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(p.PeerConnection)
}

func (p *pionPeer) OnTrack(fn func(Track)) {
	p.PeerConnection.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		// RTCP has to be read for interceptors to run.
		go func() {
			for {
				if _, _, err := receiver.ReadRTCP(); err != nil {
					return
				}
			}
		}()
		fn(&pionTrack{track: track})
	})
}

type pionTrack struct {
	track *webrtc.TrackRemote
}

func (t *pionTrack) ID() string    { return t.track.ID() }
func (t *pionTrack) Kind() string  { return t.track.Kind().String() }
func (t *pionTrack) Codec() string { return t.track.Codec().MimeType }
func (t *pionTrack) SSRC() uint32  { return uint32(t.track.SSRC()) }

func (t *pionTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}
