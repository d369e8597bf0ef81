package main

import (
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/xogh7882/webRTC-Demo/internal/config"
)

// logStartupWarnings flags configurations that work but are probably not
// what an operator wants outside local development.
func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		return
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: control api accepts any browser origin",
			"warning_code", "allowed_origins_wildcard",
			"mode", cfg.Mode,
		)
	}

	if cfg.ListenAddr != "" && !isLoopbackListenAddr(cfg.ListenAddr) {
		logger.Warn("startup security warning: control api is reachable from other hosts and has no authentication",
			"warning_code", "control_api_non_loopback",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && strings.HasPrefix(cfg.SignalingURL, "ws://") {
		logger.Warn("startup security warning: signaling channel is not encrypted",
			"warning_code", "signaling_plaintext",
			"signaling_host", safeURLHost(cfg.SignalingURL),
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !hasTURNServer(cfg) {
		logger.Warn("startup warning: no TURN server configured; calls across symmetric NATs will fail",
			"warning_code", "no_turn_server",
			"mode", cfg.Mode,
		)
	}

	if cfg.CaptureDevice == config.CaptureDeviceNone {
		logger.Warn("startup warning: capture disabled; calls will be receive-only",
			"warning_code", "capture_disabled",
			"mode", cfg.Mode,
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	for _, s := range cfg.ICEServers {
		for _, u := range s.URLs {
			lower := strings.ToLower(u)
			if strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:") {
				return true
			}
		}
	}
	return false
}

func isLoopbackListenAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func safeURLHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u == nil {
		return ""
	}
	return u.Host
}
