package capture

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/xogh7882/webRTC-Demo/internal/metrics"
)

type scriptedDevice struct {
	mu       sync.Mutex
	attempts []Constraints
	fail     func(Constraints) error
	inner    Synthetic
	before   func()
}

func (d *scriptedDevice) GetUserMedia(ctx context.Context, streamID string, c Constraints) ([]*Track, error) {
	d.mu.Lock()
	d.attempts = append(d.attempts, c)
	d.mu.Unlock()
	if d.before != nil {
		d.before()
	}
	if d.fail != nil {
		if err := d.fail(c); err != nil {
			return nil, err
		}
	}
	return d.inner.GetUserMedia(context.Background(), streamID, c)
}

func full() Constraints { return Constraints{Audio: true, Video: true} }

func TestAcquireFullMedia(t *testing.T) {
	m := metrics.New()
	src := NewSource(&scriptedDevice{}, nil, m)

	h, err := src.Acquire(context.Background(), full())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer src.Release()

	if h == nil || len(h.Tracks()) != 2 {
		t.Fatalf("tracks=%d, want 2", len(h.Tracks()))
	}
	if h.Track(webrtc.RTPCodecTypeAudio) == nil || h.Track(webrtc.RTPCodecTypeVideo) == nil {
		t.Fatalf("expected one audio and one video track")
	}
	if h.StreamID() == "" {
		t.Fatalf("expected stream id")
	}
	if src.Current() != h {
		t.Fatalf("Current did not return acquired handle")
	}
	if got := m.Get(metrics.CaptureFullMedia); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.CaptureFullMedia, got)
	}
}

func TestAcquireFallsBackToAudioOnly(t *testing.T) {
	dev := &scriptedDevice{fail: func(c Constraints) error {
		if c.Video {
			return ErrPermissionDenied
		}
		return nil
	}}
	src := NewSource(dev, nil, metrics.New())

	h, err := src.Acquire(context.Background(), full())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer src.Release()

	if len(h.Tracks()) != 1 || h.Tracks()[0].Kind() != webrtc.RTPCodecTypeAudio {
		t.Fatalf("tracks=%v, want audio only", h.Tracks())
	}
	if len(dev.attempts) != 2 || !dev.attempts[0].Video || dev.attempts[1].Video {
		t.Fatalf("attempts=%+v, want audio+video then audio-only", dev.attempts)
	}
}

func TestAcquireFallsBackToReceiveOnly(t *testing.T) {
	m := metrics.New()
	dev := &scriptedDevice{fail: func(Constraints) error { return ErrNoDevices }}
	src := NewSource(dev, nil, m)

	h, err := src.Acquire(context.Background(), full())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h != nil {
		t.Fatalf("handle=%v, want nil", h)
	}
	if len(h.Tracks()) != 0 {
		t.Fatalf("nil handle has tracks")
	}
	if got := m.Get(metrics.CaptureReceiveOnly); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.CaptureReceiveOnly, got)
	}
	if got := m.Get(metrics.CaptureLadderErrors); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.CaptureLadderErrors, got)
	}
	// Releasing with nothing acquired is fine.
	src.Release()
}

func TestAcquireWithoutDeviceIsReceiveOnly(t *testing.T) {
	src := NewSource(nil, nil, nil)
	h, err := src.Acquire(context.Background(), full())
	if err != nil || h != nil {
		t.Fatalf("Acquire=(%v, %v), want (nil, nil)", h, err)
	}
}

func TestAcquireDiscardsResultAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dev := &scriptedDevice{before: cancel}
	src := NewSource(dev, nil, nil)

	h, err := src.Acquire(ctx, full())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if h != nil {
		t.Fatalf("handle=%v, want nil", h)
	}
	if src.Current() != nil {
		t.Fatalf("source kept a handle after cancellation")
	}
}

func TestToggleTwiceRestoresEnablement(t *testing.T) {
	src := NewSource(&scriptedDevice{}, nil, nil)
	if _, err := src.Acquire(context.Background(), full()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer src.Release()

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if !src.Enabled(kind) {
			t.Fatalf("%s initially disabled", kind)
		}
		if got := src.Toggle(kind); got {
			t.Fatalf("first toggle of %s=%v, want false", kind, got)
		}
		if src.Enabled(kind) {
			t.Fatalf("%s still enabled after toggle", kind)
		}
		if got := src.Toggle(kind); !got {
			t.Fatalf("second toggle of %s=%v, want true", kind, got)
		}
		if !src.Enabled(kind) {
			t.Fatalf("%s not restored after two toggles", kind)
		}
	}
}

func TestToggleWithoutTrackIsNoop(t *testing.T) {
	src := NewSource(nil, nil, nil)
	if src.Toggle(webrtc.RTPCodecTypeAudio) {
		t.Fatalf("toggle without track reported enabled")
	}
	if src.SetEnabled(webrtc.RTPCodecTypeVideo, true) {
		t.Fatalf("SetEnabled without track reported a change")
	}
}

func TestReleaseStopsTracksAndIsIdempotent(t *testing.T) {
	src := NewSource(&scriptedDevice{}, nil, nil)
	h, err := src.Acquire(context.Background(), full())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	src.Release()
	src.Release()

	for _, tr := range h.Tracks() {
		if !tr.Stopped() {
			t.Fatalf("%s track not stopped", tr.Kind())
		}
	}
	if src.Current() != nil {
		t.Fatalf("handle retained after release")
	}

	// A fresh acquisition after release yields new tracks.
	h2, err := src.Acquire(context.Background(), full())
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	defer src.Release()
	if h2 == h || h2.StreamID() == h.StreamID() {
		t.Fatalf("expected a new handle after release")
	}
}

func TestSyntheticDeniesRequestedKinds(t *testing.T) {
	d := &Synthetic{DenyVideo: true}
	if _, err := d.GetUserMedia(context.Background(), "s", full()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err=%v, want ErrPermissionDenied", err)
	}
	tracks, err := d.GetUserMedia(context.Background(), "s", Constraints{Audio: true})
	if err != nil {
		t.Fatalf("audio-only: %v", err)
	}
	for _, tr := range tracks {
		tr.Stop()
	}
}
