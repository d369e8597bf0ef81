package webrtcpeer_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/xogh7882/webRTC-Demo/internal/capture"
	"github.com/xogh7882/webRTC-Demo/internal/config"
	"github.com/xogh7882/webRTC-Demo/internal/webrtcpeer"
	"github.com/xogh7882/webRTC-Demo/internal/webrtcpeer/webrtcpeertest"
)

func TestNewAPI_RejectsUnknownNAT1To1CandidateType(t *testing.T) {
	_, err := webrtcpeer.NewAPI(config.Config{
		WebRTCNAT1To1IPs:             []string{"203.0.113.10"},
		WebRTCNAT1To1IPCandidateType: "relay",
	})
	if err == nil {
		t.Fatalf("expected error for unknown candidate type")
	}
}

func TestPeer_RecvOnlyOfferCarriesBothKinds(t *testing.T) {
	p, err := webrtcpeer.NewPeer(nil, nil, nil, webrtcpeer.Handlers{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer p.Close()

	if err := p.AttachTracks(nil, true); err != nil {
		t.Fatalf("AttachTracks: %v", err)
	}
	offer, err := p.PeerConnection().CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	for _, want := range []string{"m=audio", "m=video", "a=recvonly"} {
		if !strings.Contains(offer.SDP, want) {
			t.Fatalf("offer missing %q:\n%s", want, offer.SDP)
		}
	}
	if strings.Contains(offer.SDP, "a=sendrecv") {
		t.Fatalf("receive-only offer must not send")
	}
}

func TestPeer_CloseIsIdempotent(t *testing.T) {
	p, err := webrtcpeer.NewPeer(nil, nil, nil, webrtcpeer.Handlers{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := p.PeerConnection().ConnectionState(); got != webrtc.PeerConnectionStateClosed {
		t.Fatalf("state=%s, want closed", got)
	}
}

func TestPeer_MediaFlowsOverVNet(t *testing.T) {
	apis := webrtcpeertest.NewAPIs(t, 2)

	src := capture.NewSource(&capture.Synthetic{}, nil, nil)
	h, err := src.Acquire(context.Background(), capture.Constraints{Audio: true, Video: true})
	if err != nil || h == nil {
		t.Fatalf("Acquire: h=%v err=%v", h, err)
	}
	t.Cleanup(src.Release)

	var a, b *webrtcpeer.Peer
	candA := make(chan webrtc.ICECandidateInit, 64)
	candB := make(chan webrtc.ICECandidateInit, 64)
	tracks := make(chan *webrtc.TrackRemote, 4)
	connected := make(chan struct{}, 1)

	a, err = webrtcpeer.NewPeer(apis[0], nil, nil, webrtcpeer.Handlers{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) { candA <- c },
		OnConnectionState: func(s webrtc.PeerConnectionState) {
			if s == webrtc.PeerConnectionStateConnected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
	})
	if err != nil {
		t.Fatalf("NewPeer A: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	b, err = webrtcpeer.NewPeer(apis[1], nil, nil, webrtcpeer.Handlers{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) { candB <- c },
		OnTrack: func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			tracks <- tr
		},
	})
	if err != nil {
		t.Fatalf("NewPeer B: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if err := a.AttachTracks(h.Tracks(), true); err != nil {
		t.Fatalf("AttachTracks A: %v", err)
	}
	if err := b.AttachTracks(nil, false); err != nil {
		t.Fatalf("AttachTracks B: %v", err)
	}

	offer, err := a.PeerConnection().CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := a.PeerConnection().SetLocalDescription(offer); err != nil {
		t.Fatalf("set local offer: %v", err)
	}
	if err := b.PeerConnection().SetRemoteDescription(offer); err != nil {
		t.Fatalf("set remote offer: %v", err)
	}
	answer, err := b.PeerConnection().CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := b.PeerConnection().SetLocalDescription(answer); err != nil {
		t.Fatalf("set local answer: %v", err)
	}
	if err := a.PeerConnection().SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote answer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-candA:
				_ = b.PeerConnection().AddICECandidate(c)
			case c := <-candB:
				_ = a.PeerConnection().AddICECandidate(c)
			}
		}
	}()

	select {
	case <-connected:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for connection")
	}

	seen := map[webrtc.RTPCodecType]bool{}
	for len(seen) < 2 {
		select {
		case tr := <-tracks:
			seen[tr.Kind()] = true
			if tr.Kind() == webrtc.RTPCodecTypeVideo {
				if err := b.RequestKeyframe(tr); err != nil {
					t.Fatalf("RequestKeyframe: %v", err)
				}
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for remote tracks, saw %v", seen)
		}
	}
}

func TestLoggerFactory_MapsPionLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := webrtcpeer.NewLoggerFactory(logger).NewLogger("ice")
	l.Trace("trace-line")
	l.Debugf("debug-%d", 1)
	l.Infof("info-%s", "line")
	l.Warn("warn-line")
	l.Errorf("error-%s", "line")

	out := buf.String()
	for _, hidden := range []string{"trace-line", "debug-1"} {
		if strings.Contains(out, hidden) {
			t.Fatalf("output unexpectedly contains %q:\n%s", hidden, out)
		}
	}
	for _, want := range []string{
		"level=DEBUG msg=info-line",
		"level=WARN msg=warn-line",
		"level=ERROR msg=error-line",
		"scope=ice",
		"component=pion",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
