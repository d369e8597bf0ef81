package capture

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Track is one local media track. Enablement is local-only: a disabled track
// keeps its transceiver but stops feeding media into it.
type Track struct {
	kind  webrtc.RTPCodecType
	local webrtc.TrackLocal

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stop     func()
}

// NewTrack wraps local. stop, if non-nil, runs once when the track is stopped
// and must release the underlying device.
func NewTrack(kind webrtc.RTPCodecType, local webrtc.TrackLocal, stop func()) *Track {
	t := &Track{kind: kind, local: local, stop: stop}
	t.enabled.Store(true)
	return t
}

func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

// Local is the track handed to PeerConnection.AddTrack.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *Track) Stopped() bool { return t.stopped.Load() }

func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.stop != nil {
			t.stop()
		}
	})
}

// Handle is the result of a successful acquisition: one local stream made of
// up to one audio and one video track.
type Handle struct {
	streamID string
	tracks   []*Track
}

func (h *Handle) StreamID() string {
	if h == nil {
		return ""
	}
	return h.streamID
}

// Tracks returns the handle's tracks. A nil handle means receive-only and has
// no tracks.
func (h *Handle) Tracks() []*Track {
	if h == nil {
		return nil
	}
	return h.tracks
}

// Track returns the first track of kind, or nil.
func (h *Handle) Track(kind webrtc.RTPCodecType) *Track {
	for _, t := range h.Tracks() {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

func (h *Handle) stop() {
	for _, t := range h.Tracks() {
		t.Stop()
	}
}
