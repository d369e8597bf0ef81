// Package capture acquires local audio/video tracks with a fallback ladder
// and manages their local enablement.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/xogh7882/webRTC-Demo/internal/metrics"
)

var (
	ErrNoDevices        = errors.New("no capture devices available")
	ErrPermissionDenied = errors.New("capture permission denied")
)

type Constraints struct {
	Audio bool
	Video bool

	Width     int
	Height    int
	FrameRate float64
}

func (c Constraints) label() string {
	switch {
	case c.Audio && c.Video:
		return "audio+video"
	case c.Audio:
		return "audio-only"
	case c.Video:
		return "video-only"
	default:
		return "none"
	}
}

// Device opens capture hardware. Like getUserMedia it fails as a unit: either
// every requested kind is returned or an error is.
type Device interface {
	GetUserMedia(ctx context.Context, streamID string, c Constraints) ([]*Track, error)
}

// Source owns at most one Handle at a time.
type Source struct {
	device  Device
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	handle *Handle
}

func NewSource(device Device, logger *slog.Logger, m *metrics.Metrics) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		device:  device,
		log:     logger.With("component", "capture"),
		metrics: m,
	}
}

// Acquire walks the ladder audio+video, audio-only, none. Device failures are
// logged and never returned; a nil Handle with a nil error means the call
// proceeds receive-only. Only ctx cancellation is reported as an error, and a
// result that lands after cancellation is stopped rather than kept.
func (s *Source) Acquire(ctx context.Context, want Constraints) (*Handle, error) {
	s.mu.Lock()
	if s.handle != nil {
		h := s.handle
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	for _, attempt := range ladder(want) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.device == nil {
			break
		}

		streamID := uuid.NewString()
		tracks, err := s.device.GetUserMedia(ctx, streamID, attempt)
		if err != nil {
			s.log.Warn("capture attempt failed", "attempt", attempt.label(), "err", err)
			s.metrics.Inc(metrics.CaptureLadderErrors)
			continue
		}
		h := &Handle{streamID: streamID, tracks: tracks}

		s.mu.Lock()
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			h.stop()
			return nil, err
		}
		s.handle = h
		s.mu.Unlock()

		if attempt.Video {
			s.metrics.Inc(metrics.CaptureFullMedia)
		} else {
			s.metrics.Inc(metrics.CaptureAudioOnly)
		}
		s.log.Info("local media captured", "attempt", attempt.label(), "tracks", len(tracks), "stream_id", streamID)
		return h, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.metrics.Inc(metrics.CaptureReceiveOnly)
	s.log.Warn("no local media available, proceeding receive-only")
	return nil, nil
}

func ladder(want Constraints) []Constraints {
	var out []Constraints
	if want.Audio && want.Video {
		out = append(out, want)
	}
	if want.Audio {
		audio := want
		audio.Video = false
		out = append(out, audio)
	} else if want.Video {
		out = append(out, want)
	}
	return out
}

// Current returns the acquired handle, or nil in receive-only mode.
func (s *Source) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// SetEnabled flips every track of kind. It reports whether such a track
// exists.
func (s *Source) SetEnabled(kind webrtc.RTPCodecType, enabled bool) bool {
	h := s.Current()
	found := false
	for _, t := range h.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
			found = true
		}
	}
	return found
}

// Enabled reports the enablement of the first track of kind. It is false
// when no such track exists.
func (s *Source) Enabled(kind webrtc.RTPCodecType) bool {
	t := s.Current().Track(kind)
	return t != nil && t.Enabled()
}

// Toggle inverts the enablement of kind and returns the new value. With no
// track of that kind it is a no-op returning false.
func (s *Source) Toggle(kind webrtc.RTPCodecType) bool {
	t := s.Current().Track(kind)
	if t == nil {
		return false
	}
	next := !t.Enabled()
	s.SetEnabled(kind, next)
	return next
}

// Release stops every track. It is idempotent.
func (s *Source) Release() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h == nil {
		return
	}
	h.stop()
	s.log.Debug("local media released", "stream_id", h.streamID)
}
