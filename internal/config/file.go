package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML layout accepted by --config. Every field maps onto
// one environment variable so the file sits beneath env in precedence.
type fileConfig struct {
	Mode string `yaml:"mode"`

	Log struct {
		Format string `yaml:"format"`
		Level  string `yaml:"level"`
	} `yaml:"log"`

	Control struct {
		ListenAddr      string   `yaml:"listen_addr"`
		ShutdownTimeout string   `yaml:"shutdown_timeout"`
		AllowedOrigins  []string `yaml:"allowed_origins"`
	} `yaml:"control"`

	Signaling struct {
		URL             string `yaml:"url"`
		RoomID          string `yaml:"room_id"`
		AutoConnect     *bool  `yaml:"auto_connect"`
		Origin          string `yaml:"origin"`
		OpenTimeout     string `yaml:"open_timeout"`
		WriteTimeout    string `yaml:"write_timeout"`
		PingInterval    string `yaml:"ping_interval"`
		IdleTimeout     string `yaml:"idle_timeout"`
		MaxMessageBytes *int64 `yaml:"max_message_bytes"`
	} `yaml:"signaling"`

	ICE struct {
		Servers             []iceServerSpec `yaml:"servers"`
		STUNURLs            []string        `yaml:"stun_urls"`
		TURNURLs            []string        `yaml:"turn_urls"`
		TURNUsername        string          `yaml:"turn_username"`
		TURNCredential      string          `yaml:"turn_credential"`
		DisconnectedTimeout string          `yaml:"disconnected_timeout"`
		FailedTimeout       string          `yaml:"failed_timeout"`
		KeepaliveInterval   string          `yaml:"keepalive_interval"`
	} `yaml:"ice"`

	WebRTC struct {
		UDPPortMin           *uint    `yaml:"udp_port_min"`
		UDPPortMax           *uint    `yaml:"udp_port_max"`
		UDPListenIP          string   `yaml:"udp_listen_ip"`
		NAT1To1IPs           []string `yaml:"nat_1to1_ips"`
		NAT1To1CandidateType string   `yaml:"nat_1to1_candidate_type"`
	} `yaml:"webrtc"`

	Capture struct {
		Device    string   `yaml:"device"`
		Audio     *bool    `yaml:"audio"`
		Video     *bool    `yaml:"video"`
		Width     *int     `yaml:"width"`
		Height    *int     `yaml:"height"`
		FrameRate *float64 `yaml:"frame_rate"`
	} `yaml:"capture"`

	Negotiation struct {
		MaxRetries *int `yaml:"max_retries"`
	} `yaml:"negotiation"`
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	values, err := parseFile(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return values, nil
}

func parseFile(data []byte) (map[string]string, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return fc.values()
}

// values flattens the file into env-var keyed strings. Unset fields are
// omitted so lower layers still apply.
func (fc fileConfig) values() (map[string]string, error) {
	out := map[string]string{}
	put := func(key, v string) {
		if strings.TrimSpace(v) != "" {
			out[key] = v
		}
	}

	put(envVarMode, fc.Mode)
	put(envVarLogFormat, fc.Log.Format)
	put(envVarLogLevel, fc.Log.Level)
	put(envVarListenAddr, fc.Control.ListenAddr)
	put(envVarShutdownTimeout, fc.Control.ShutdownTimeout)
	put(envVarAllowedOrigins, strings.Join(fc.Control.AllowedOrigins, ","))

	put(envVarSignalingURL, fc.Signaling.URL)
	put(envVarRoomID, fc.Signaling.RoomID)
	if fc.Signaling.AutoConnect != nil {
		out[envVarAutoConnect] = strconv.FormatBool(*fc.Signaling.AutoConnect)
	}
	put(envVarSignalingOrigin, fc.Signaling.Origin)
	put(envVarSignalingOpenTimeout, fc.Signaling.OpenTimeout)
	put(envVarSignalingWriteTimeout, fc.Signaling.WriteTimeout)
	put(envVarSignalingWSPingInterval, fc.Signaling.PingInterval)
	put(envVarSignalingWSIdleTimeout, fc.Signaling.IdleTimeout)
	if fc.Signaling.MaxMessageBytes != nil {
		out[envVarMaxSignalingMessageBytes] = strconv.FormatInt(*fc.Signaling.MaxMessageBytes, 10)
	}

	if len(fc.ICE.Servers) > 0 {
		raw, err := json.Marshal(fc.ICE.Servers)
		if err != nil {
			return nil, fmt.Errorf("ice.servers: %w", err)
		}
		out[envICEServersJSON] = string(raw)
	}
	put(envStunURLs, strings.Join(fc.ICE.STUNURLs, ","))
	put(envTurnURLs, strings.Join(fc.ICE.TURNURLs, ","))
	put(envTurnUsername, fc.ICE.TURNUsername)
	put(envTurnCredential, fc.ICE.TURNCredential)
	put(envVarICEDisconnectedTimeout, fc.ICE.DisconnectedTimeout)
	put(envVarICEFailedTimeout, fc.ICE.FailedTimeout)
	put(envVarICEKeepaliveInterval, fc.ICE.KeepaliveInterval)

	if fc.WebRTC.UDPPortMin != nil {
		out[envVarWebRTCUDPPortMin] = strconv.FormatUint(uint64(*fc.WebRTC.UDPPortMin), 10)
	}
	if fc.WebRTC.UDPPortMax != nil {
		out[envVarWebRTCUDPPortMax] = strconv.FormatUint(uint64(*fc.WebRTC.UDPPortMax), 10)
	}
	put(envVarWebRTCUDPListenIP, fc.WebRTC.UDPListenIP)
	put(envVarWebRTCNAT1To1IPs, strings.Join(fc.WebRTC.NAT1To1IPs, ","))
	put(envVarWebRTCNAT1To1IPCandidateType, fc.WebRTC.NAT1To1CandidateType)

	put(envVarCaptureDevice, fc.Capture.Device)
	if fc.Capture.Audio != nil {
		out[envVarCaptureAudio] = strconv.FormatBool(*fc.Capture.Audio)
	}
	if fc.Capture.Video != nil {
		out[envVarCaptureVideo] = strconv.FormatBool(*fc.Capture.Video)
	}
	if fc.Capture.Width != nil {
		out[envVarCaptureWidth] = strconv.Itoa(*fc.Capture.Width)
	}
	if fc.Capture.Height != nil {
		out[envVarCaptureHeight] = strconv.Itoa(*fc.Capture.Height)
	}
	if fc.Capture.FrameRate != nil {
		out[envVarCaptureFrameRate] = strconv.FormatFloat(*fc.Capture.FrameRate, 'f', -1, 64)
	}
	if fc.Negotiation.MaxRetries != nil {
		out[envVarMaxNegotiationRetries] = strconv.Itoa(*fc.Negotiation.MaxRetries)
	}
	return out, nil
}

func lookupFromMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// layered consults primary first and falls back when the key is unset or
// empty there.
func layered(primary, fallback func(string) (string, bool)) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok && v != "" {
			return v, true
		}
		return fallback(key)
	}
}
