package capture

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const defaultSyntheticInterval = 20 * time.Millisecond

// opusSilence is a single Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// blankVP8 is an opaque placeholder payload; receivers only need packets to
// flow for the remote track to surface.
var blankVP8 = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}

// Synthetic is a Device that needs no hardware. It emits silence and
// placeholder video frames while a track is enabled. DenyAudio and DenyVideo
// simulate a refused permission prompt for that kind.
type Synthetic struct {
	DenyAudio bool
	DenyVideo bool

	// Interval between samples; zero means 20ms.
	Interval time.Duration
}

func (d *Synthetic) GetUserMedia(ctx context.Context, streamID string, c Constraints) ([]*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if (c.Audio && d.DenyAudio) || (c.Video && d.DenyVideo) {
		return nil, ErrPermissionDenied
	}
	if !c.Audio && !c.Video {
		return nil, ErrNoDevices
	}

	interval := d.Interval
	if interval <= 0 {
		interval = defaultSyntheticInterval
	}

	var tracks []*Track
	if c.Audio {
		local, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID,
		)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, startSampleTrack(webrtc.RTPCodecTypeAudio, local, opusSilence, interval))
	}
	if c.Video {
		local, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, startSampleTrack(webrtc.RTPCodecTypeVideo, local, blankVP8, interval))
	}
	return tracks, nil
}

func startSampleTrack(kind webrtc.RTPCodecType, local *webrtc.TrackLocalStaticSample, payload []byte, interval time.Duration) *Track {
	done := make(chan struct{})
	t := NewTrack(kind, local, func() { close(done) })
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !t.Enabled() {
					continue
				}
				// Unbound tracks drop samples silently.
				_ = local.WriteSample(media.Sample{Data: payload, Duration: interval})
			}
		}
	}()
	return t
}
