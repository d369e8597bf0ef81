//go:build linux

// Package mediadev captures camera and microphone through pion/mediadevices
// and feeds the encoded RTP into tracks a PeerConnection can send.
package mediadev

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/xogh7882/webRTC-Demo/internal/capture"
)

const (
	rtpMTU              = 1200
	defaultVideoBitRate = 1_500_000
)

type Device struct {
	log          *slog.Logger
	VideoBitRate int
}

func New(logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{
		log:          logger.With("component", "mediadev"),
		VideoBitRate: defaultVideoBitRate,
	}
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		d.log.Warn("no media devices found")
	}
	for _, info := range devices {
		d.log.Debug("media device", "kind", info.Kind, "label", info.Label)
	}
	return d
}

func (d *Device) GetUserMedia(ctx context.Context, streamID string, c capture.Constraints) ([]*capture.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = d.VideoBitRate
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	constraints := mediadevices.MediaStreamConstraints{Codec: selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras produce frames the
			// VP8 encoder cannot consume.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if c.Width > 0 {
				mc.Width = prop.IntRanged{Max: c.Width}
			}
			if c.Height > 0 {
				mc.Height = prop.IntRanged{Max: c.Height}
			}
			if c.FrameRate > 0 {
				mc.FrameRate = prop.Float(c.FrameRate)
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	var out []*capture.Track
	for _, src := range stream.GetTracks() {
		t, err := d.bridge(streamID, src)
		if err != nil {
			for _, done := range out {
				done.Stop()
			}
			for _, s := range stream.GetTracks() {
				_ = s.Close()
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// bridge pumps RTP from a mediadevices track into a TrackLocalStaticRTP,
// dropping packets while the capture track is disabled.
func (d *Device) bridge(streamID string, src mediadevices.Track) (*capture.Track, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if src.Kind() == webrtc.RTPCodecTypeVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticRTP(capability, src.Kind().String(), streamID)
	if err != nil {
		return nil, err
	}

	codecName := capability.MimeType[strings.IndexByte(capability.MimeType, '/')+1:]
	reader, err := src.NewRTPReader(codecName, rand.Uint32(), rtpMTU)
	if err != nil {
		return nil, fmt.Errorf("%s rtp reader: %w", src.Kind(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := capture.NewTrack(src.Kind(), local, func() {
		cancel()
		_ = reader.Close()
		_ = src.Close()
	})
	src.OnEnded(func(err error) {
		if err != nil && ctx.Err() == nil {
			d.log.Warn("local track ended", "kind", src.Kind(), "err", err)
		}
	})

	go d.pump(ctx, reader, local, t)
	return t, nil
}

func (d *Device) pump(ctx context.Context, reader mediadevices.RTPReadCloser, dst *webrtc.TrackLocalStaticRTP, t *capture.Track) {
	for {
		pkts, release, err := reader.Read()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				d.log.Warn("rtp read failed", "kind", t.Kind(), "err", err)
			}
			return
		}
		if t.Enabled() {
			if err := writePackets(dst, pkts); err != nil {
				d.log.Debug("rtp write failed", "kind", t.Kind(), "err", err)
			}
		}
		if release != nil {
			release()
		}
	}
}

// writePackets forwards pkts in order. A closed pipe means no PeerConnection
// is bound to the track yet and is not an error.
func writePackets(dst *webrtc.TrackLocalStaticRTP, pkts []*rtp.Packet) error {
	for _, pkt := range pkts {
		if pkt == nil {
			continue
		}
		if err := dst.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}
	}
	return nil
}
