//go:build !linux

// Package mediadev captures camera and microphone through pion/mediadevices.
// Hardware capture is only wired on Linux; elsewhere the device reports no
// devices and calls proceed receive-only.
package mediadev

import (
	"context"
	"log/slog"

	"github.com/xogh7882/webRTC-Demo/internal/capture"
)

type Device struct {
	log          *slog.Logger
	VideoBitRate int
}

func New(logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{log: logger.With("component", "mediadev")}
}

func (d *Device) GetUserMedia(ctx context.Context, _ string, _ capture.Constraints) ([]*capture.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, capture.ErrNoDevices
}
