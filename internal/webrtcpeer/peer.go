package webrtcpeer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/xogh7882/webRTC-Demo/internal/capture"
	"github.com/xogh7882/webRTC-Demo/internal/config"
)

// Handlers receive engine callbacks. They run on pion goroutines and must not
// block.
type Handlers struct {
	// OnLocalCandidate is called for each gathered candidate. End-of-gathering
	// is not reported.
	OnLocalCandidate  func(webrtc.ICECandidateInit)
	OnConnectionState func(webrtc.PeerConnectionState)
	OnTrack           func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Peer owns one PeerConnection.
type Peer struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu      sync.Mutex
	senders []*webrtc.RTPSender
	close   sync.Once
}

// NewPeer creates a PeerConnection from api, or from a default API when api is
// nil.
func NewPeer(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger, h Handlers) (*Peer, error) {
	if api == nil {
		var err error
		if api, err = NewAPI(config.Config{}); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	p := &Peer{pc: pc, log: logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.OnLocalCandidate == nil {
			return
		}
		h.OnLocalCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if h.OnConnectionState != nil {
			h.OnConnectionState(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if h.OnTrack != nil {
			h.OnTrack(track, receiver)
		}
	})
	return p, nil
}

func (p *Peer) PeerConnection() *webrtc.PeerConnection {
	return p.pc
}

// AttachTracks adds each local track. When recvOnlyForMissing is set, a
// receive-only transceiver is added for each kind without a local track so the
// offer still carries audio and video sections.
func (p *Peer) AttachTracks(tracks []*capture.Track, recvOnlyForMissing bool) error {
	have := map[webrtc.RTPCodecType]bool{}
	for _, t := range tracks {
		sender, err := p.pc.AddTrack(t.Local())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		have[t.Kind()] = true

		p.mu.Lock()
		p.senders = append(p.senders, sender)
		p.mu.Unlock()
		go p.readRTCP(sender, t.Kind())
	}
	if !recvOnlyForMissing {
		return nil
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add recvonly %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// readRTCP drains sender reports so interceptors keep running. Keyframe
// requests from the remote are only logged: the encoders pace their own
// keyframes.
func (p *Peer) readRTCP(sender *webrtc.RTPSender, kind webrtc.RTPCodecType) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				p.log.Debug("rtcp read stopped", "kind", kind, "err", err)
			}
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.log.Debug("remote requested keyframe", "kind", kind)
			}
		}
	}
}

// RequestKeyframe asks the remote sender of track for a fresh keyframe.
func (p *Peer) RequestKeyframe(track *webrtc.TrackRemote) error {
	return p.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
}

// Close closes the PeerConnection once.
func (p *Peer) Close() error {
	var err error
	p.close.Do(func() {
		err = p.pc.Close()
	})
	return err
}
