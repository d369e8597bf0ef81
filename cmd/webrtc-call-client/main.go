package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xogh7882/webRTC-Demo/internal/call"
	"github.com/xogh7882/webRTC-Demo/internal/capture"
	"github.com/xogh7882/webRTC-Demo/internal/capture/mediadev"
	"github.com/xogh7882/webRTC-Demo/internal/config"
	"github.com/xogh7882/webRTC-Demo/internal/httpserver"
	"github.com/xogh7882/webRTC-Demo/internal/metrics"
	"github.com/xogh7882/webRTC-Demo/internal/transport"
	"github.com/xogh7882/webRTC-Demo/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	api, err := webrtcpeer.NewAPI(cfg, webrtcpeer.WithLogger(logger))
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting webrtc-call-client",
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"listen_addr", cfg.ListenAddr,
		"signaling_host", safeURLHost(cfg.SignalingURL),
		"room_id", cfg.RoomID,
		"auto_connect", cfg.AutoConnect,
		"capture_device", cfg.CaptureDevice,
		"ice_servers", len(cfg.ICEServers),
		"max_negotiation_retries", cfg.MaxNegotiationRetries,
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration; only host candidates will be gathered", "err", err)
	}
	logStartupWarnings(logger, cfg)

	m := metrics.New()
	mgr := call.NewManager(call.Config{
		SignalingURL: cfg.SignalingURL,
		Transport: transport.Options{
			OpenTimeout:     cfg.SignalingOpenTimeout,
			WriteTimeout:    cfg.SignalingWriteTimeout,
			PingInterval:    cfg.SignalingWSPingInterval,
			IdleTimeout:     cfg.SignalingWSIdleTimeout,
			MaxMessageBytes: cfg.MaxSignalingMessageBytes,
			Origin:          cfg.SignalingOrigin,
			Metrics:         m,
		},
		Capture:               capture.NewSource(captureDevice(cfg, logger), logger, m),
		Constraints:           captureConstraints(cfg),
		API:                   api,
		ICEServers:            cfg.ICEServers,
		MaxNegotiationRetries: cfg.MaxNegotiationRetries,
		DefaultRoomID:         cfg.RoomID,
		Logger:                logger,
		Metrics:               m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go logStatusChanges(ctx, logger, mgr)

	var srv *httpserver.Server
	errCh := make(chan error, 1)
	if cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			mgr.Close()
			os.Exit(1)
		}
		commit, built := resolveBuildInfo(buildCommit, buildTime)
		srv = httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, m)
		srv.RegisterCallRoutes(mgr)
		go func() {
			errCh <- srv.Serve(ln)
		}()
	}

	if cfg.AutoConnect {
		if err := mgr.Connect(cfg.RoomID); err != nil {
			logger.Error("auto-connect failed", "room_id", cfg.RoomID, "err", err)
		}
	}

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control api exited", "err", err)
			exitCode = 1
		}
		srv = nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Leave the room and release media before the control API goes away.
	closed := make(chan struct{})
	go func() {
		mgr.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-shutdownCtx.Done():
		logger.Error("call teardown did not finish before the shutdown timeout")
		exitCode = 1
	}

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("control api shutdown failed", "err", err)
			_ = srv.Close()
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control api exited after shutdown", "err", err)
			exitCode = 1
		}
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func captureDevice(cfg config.Config, logger *slog.Logger) capture.Device {
	switch cfg.CaptureDevice {
	case config.CaptureDeviceSynthetic:
		return &capture.Synthetic{}
	case config.CaptureDeviceNone:
		return nil
	default:
		return mediadev.New(logger)
	}
}

func captureConstraints(cfg config.Config) capture.Constraints {
	return capture.Constraints{
		Audio:     cfg.CaptureAudio,
		Video:     cfg.CaptureVideo,
		Width:     cfg.CaptureWidth,
		Height:    cfg.CaptureHeight,
		FrameRate: cfg.CaptureFrameRate,
	}
}

func logStatusChanges(ctx context.Context, logger *slog.Logger, mgr *call.Manager) {
	updates, cancel := mgr.Subscribe()
	defer cancel()

	last := call.StateDisconnected
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-updates:
			if st.State == last {
				continue
			}
			last = st.State
			attrs := []any{"state", st.State, "room_id", st.RoomID, "negotiation", st.Negotiation}
			if st.Error != "" {
				logger.Warn("call state changed", append(attrs, "error", st.Error)...)
				continue
			}
			logger.Info("call state changed", attrs...)
		}
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
