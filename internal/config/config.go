package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/xogh7882/webRTC-Demo/internal/origin"
)

const (
	envVarConfigFile      = "CALL_CLIENT_CONFIG"
	envVarMode            = "CALL_CLIENT_MODE"
	envVarLogFormat       = "CALL_CLIENT_LOG_FORMAT"
	envVarLogLevel        = "CALL_CLIENT_LOG_LEVEL"
	envVarListenAddr      = "CALL_CLIENT_LISTEN_ADDR"
	envVarShutdownTimeout = "CALL_CLIENT_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "CALL_CLIENT_CONTROL_ALLOWED_ORIGINS"

	// Rendezvous service.
	envVarSignalingURL             = "CALL_CLIENT_SIGNALING_URL"
	envVarRoomID                   = "CALL_CLIENT_ROOM_ID"
	envVarAutoConnect              = "CALL_CLIENT_AUTO_CONNECT"
	envVarSignalingOrigin          = "CALL_CLIENT_SIGNALING_ORIGIN"
	envVarSignalingOpenTimeout     = "SIGNALING_OPEN_TIMEOUT"
	envVarSignalingWriteTimeout    = "SIGNALING_WRITE_TIMEOUT"
	envVarSignalingWSPingInterval  = "SIGNALING_WS_PING_INTERVAL"
	envVarSignalingWSIdleTimeout   = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarMaxSignalingMessageBytes = "MAX_SIGNALING_MESSAGE_BYTES"

	// ICE agent timers. Either all three are set or none.
	envVarICEDisconnectedTimeout = "ICE_DISCONNECTED_TIMEOUT"
	envVarICEFailedTimeout       = "ICE_FAILED_TIMEOUT"
	envVarICEKeepaliveInterval   = "ICE_KEEPALIVE_INTERVAL"

	// Local media.
	envVarCaptureDevice    = "CALL_CLIENT_CAPTURE_DEVICE"
	envVarCaptureAudio     = "CALL_CLIENT_CAPTURE_AUDIO"
	envVarCaptureVideo     = "CALL_CLIENT_CAPTURE_VIDEO"
	envVarCaptureWidth     = "CALL_CLIENT_CAPTURE_WIDTH"
	envVarCaptureHeight    = "CALL_CLIENT_CAPTURE_HEIGHT"
	envVarCaptureFrameRate = "CALL_CLIENT_CAPTURE_FRAME_RATE"

	envVarMaxNegotiationRetries = "CALL_CLIENT_MAX_NEGOTIATION_RETRIES"

	DefaultListenAddr                    = "127.0.0.1:8090"
	DefaultShutdown                      = 15 * time.Second
	DefaultMode                     Mode = ModeDev
	DefaultSignalingURL                  = "ws://127.0.0.1:8080/signaling"
	DefaultRoomID                        = "room123"
	DefaultSignalingOpenTimeout          = 10 * time.Second
	DefaultSignalingWriteTimeout         = 5 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)

	DefaultCaptureDevice    = CaptureDeviceSystem
	DefaultCaptureWidth     = 640
	DefaultCaptureHeight    = 480
	DefaultCaptureFrameRate = 30.0

	DefaultMaxNegotiationRetries = 1
)

// DefaultSTUNURLs are used when no ICE server is configured.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const (
	envVarWebRTCUDPPortMin = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "WEBRTC_UDP_PORT_MAX"

	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"

	envVarWebRTCUDPListenIP  = "WEBRTC_UDP_LISTEN_IP"
	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

const (
	flagConfig = "config"

	flagWebRTCUDPPortMin = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax = "webrtc-udp-port-max"

	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"

	flagWebRTCUDPListenIP = "webrtc-udp-listen-ip"
)

// recommendedWebRTCUDPPortRangeSize keeps a restricted range from starving the
// ICE agent of host candidates.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// CaptureDevice selects where local tracks come from.
type CaptureDevice string

const (
	// CaptureDeviceSystem opens the camera and microphone.
	CaptureDeviceSystem CaptureDevice = "system"
	// CaptureDeviceSynthetic generates silent audio and blank video.
	CaptureDeviceSynthetic CaptureDevice = "synthetic"
	// CaptureDeviceNone never captures; every call is receive-only.
	CaptureDeviceNone CaptureDevice = "none"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	// ConfigFile is the YAML file the settings were layered on, if any.
	ConfigFile string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ListenAddr      string
	ShutdownTimeout time.Duration
	// AllowedOrigins lists browser origins that may call the control API.
	// Empty means same host only.
	AllowedOrigins []string

	SignalingURL    string
	RoomID          string
	AutoConnect     bool
	SignalingOrigin string

	SignalingOpenTimeout     time.Duration
	SignalingWriteTimeout    time.Duration
	SignalingWSPingInterval  time.Duration
	SignalingWSIdleTimeout   time.Duration
	MaxSignalingMessageBytes int64

	ICEServers []webrtc.ICEServer

	// ICE agent timers. Zero leaves pion's defaults in place.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs are advertised instead of local addresses. Values must be
	// literal IPs.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface ICE binds to.
	// 0.0.0.0 means all interfaces.
	WebRTCUDPListenIP net.IP

	CaptureDevice    CaptureDevice
	CaptureAudio     bool
	CaptureVideo     bool
	CaptureWidth     int
	CaptureHeight    int
	CaptureFrameRate float64

	MaxNegotiationRetries int

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. The rest of the
// config is still usable; calls fall back to host candidates only.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	configFile := envOrDefault(envLookup, envVarConfigFile, "")
	if v, ok := configFlagValue(args); ok {
		configFile = v
	}

	// Env wins over the file; flags are applied on top of both below.
	lookup := envLookup
	if strings.TrimSpace(configFile) != "" {
		values, err := readFile(configFile)
		if err != nil {
			return Config{}, err
		}
		lookup = layered(envLookup, lookupFromMap(values))
	}

	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	signalingURL := envOrDefault(lookup, envVarSignalingURL, DefaultSignalingURL)
	roomID := envOrDefault(lookup, envVarRoomID, DefaultRoomID)
	signalingOrigin := envOrDefault(lookup, envVarSignalingOrigin, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	captureDeviceStr := envOrDefault(lookup, envVarCaptureDevice, string(DefaultCaptureDevice))

	autoConnect, err := envBoolOrDefault(lookup, envVarAutoConnect, false)
	if err != nil {
		return Config{}, err
	}
	captureAudio, err := envBoolOrDefault(lookup, envVarCaptureAudio, true)
	if err != nil {
		return Config{}, err
	}
	captureVideo, err := envBoolOrDefault(lookup, envVarCaptureVideo, true)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	openTimeout, err := envDurationOrDefault(lookup, envVarSignalingOpenTimeout, DefaultSignalingOpenTimeout)
	if err != nil {
		return Config{}, err
	}
	writeTimeout, err := envDurationOrDefault(lookup, envVarSignalingWriteTimeout, DefaultSignalingWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	iceDisconnectedTimeout, err := envDurationOrDefault(lookup, envVarICEDisconnectedTimeout, 0)
	if err != nil {
		return Config{}, err
	}
	iceFailedTimeout, err := envDurationOrDefault(lookup, envVarICEFailedTimeout, 0)
	if err != nil {
		return Config{}, err
	}
	iceKeepaliveInterval, err := envDurationOrDefault(lookup, envVarICEKeepaliveInterval, 0)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	captureWidth, err := envIntOrDefault(lookup, envVarCaptureWidth, DefaultCaptureWidth)
	if err != nil {
		return Config{}, err
	}
	captureHeight, err := envIntOrDefault(lookup, envVarCaptureHeight, DefaultCaptureHeight)
	if err != nil {
		return Config{}, err
	}
	captureFrameRate := DefaultCaptureFrameRate
	if raw, ok := lookup(envVarCaptureFrameRate); ok && strings.TrimSpace(raw) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarCaptureFrameRate, raw, err)
		}
		captureFrameRate = f
	}
	maxNegotiationRetries, err := envIntOrDefault(lookup, envVarMaxNegotiationRetries, DefaultMaxNegotiationRetries)
	if err != nil {
		return Config{}, err
	}

	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs := flag.NewFlagSet("webrtc-call-client", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	// Parsed ahead of the flag set; registered so it is accepted and listed.
	fs.StringVar(&configFile, flagConfig, configFile, "YAML config file layered under env and flags (env "+envVarConfigFile+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Control API listen address (host:port; empty disables; env "+envVarListenAddr+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated browser origins allowed to use the control API (env "+envVarAllowedOrigins+")")

	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Rendezvous WebSocket URL (env "+envVarSignalingURL+")")
	fs.StringVar(&roomID, "room", roomID, "Default room id (env "+envVarRoomID+")")
	fs.BoolVar(&autoConnect, "auto-connect", autoConnect, "Join the default room on startup (env "+envVarAutoConnect+")")
	fs.StringVar(&signalingOrigin, "signaling-origin", signalingOrigin, "Origin header to send when dialing the rendezvous service (env "+envVarSignalingOrigin+")")
	fs.DurationVar(&openTimeout, "signaling-open-timeout", openTimeout, "Max time to wait for the rendezvous WebSocket to open (env "+envVarSignalingOpenTimeout+")")
	fs.DurationVar(&writeTimeout, "signaling-write-timeout", writeTimeout, "Write deadline for signaling frames (env "+envVarSignalingWriteTimeout+")")
	fs.DurationVar(&pingInterval, "signaling-ws-ping-interval", pingInterval, "Send ping frames at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.DurationVar(&idleTimeout, "signaling-ws-idle-timeout", idleTimeout, "Treat the signaling WebSocket as dead after this much silence (env "+envVarSignalingWSIdleTimeout+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE servers as a JSON array of {urls, username, credential} (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.DurationVar(&iceDisconnectedTimeout, "ice-disconnected-timeout", iceDisconnectedTimeout, "ICE disconnected timeout (0 = library default; env "+envVarICEDisconnectedTimeout+")")
	fs.DurationVar(&iceFailedTimeout, "ice-failed-timeout", iceFailedTimeout, "ICE failed timeout (0 = library default; env "+envVarICEFailedTimeout+")")
	fs.DurationVar(&iceKeepaliveInterval, "ice-keepalive-interval", iceKeepaliveInterval, "ICE keepalive interval (0 = library default; env "+envVarICEKeepaliveInterval+")")

	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	fs.StringVar(&captureDeviceStr, "capture-device", captureDeviceStr, "Capture source: system, synthetic, or none (env "+envVarCaptureDevice+")")
	fs.BoolVar(&captureAudio, "capture-audio", captureAudio, "Request a microphone track (env "+envVarCaptureAudio+")")
	fs.BoolVar(&captureVideo, "capture-video", captureVideo, "Request a camera track (env "+envVarCaptureVideo+")")
	fs.IntVar(&captureWidth, "capture-width", captureWidth, "Preferred video width (env "+envVarCaptureWidth+")")
	fs.IntVar(&captureHeight, "capture-height", captureHeight, "Preferred video height (env "+envVarCaptureHeight+")")
	fs.Float64Var(&captureFrameRate, "capture-frame-rate", captureFrameRate, "Preferred video frame rate (env "+envVarCaptureFrameRate+")")
	fs.IntVar(&maxNegotiationRetries, "max-negotiation-retries", maxNegotiationRetries, "Fresh negotiation attempts after a peer session fails (env "+envVarMaxNegotiationRetries+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	// If the caller set mode but didn't explicitly set log format/level, apply
	// mode-dependent defaults.
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(modeStr)
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(modeStr)
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	listenAddr = strings.TrimSpace(listenAddr)
	if listenAddr != "" {
		if _, _, err := net.SplitHostPort(listenAddr); err != nil {
			return Config{}, fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
		}
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, err
	}

	signalingURL, err = normalizeSignalingURL(signalingURL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid signaling url: %w", err)
	}
	roomID = strings.TrimSpace(roomID)
	if autoConnect && roomID == "" {
		return Config{}, fmt.Errorf("--auto-connect requires a room id")
	}
	signalingOrigin, err = normalizeOriginValue(signalingOrigin)
	if err != nil {
		return Config{}, fmt.Errorf("invalid signaling origin: %w", err)
	}

	if openTimeout <= 0 {
		return Config{}, fmt.Errorf("signaling open timeout must be > 0")
	}
	if writeTimeout <= 0 {
		return Config{}, fmt.Errorf("signaling write timeout must be > 0")
	}
	if idleTimeout <= 0 {
		return Config{}, fmt.Errorf("signaling idle timeout must be > 0")
	}
	if pingInterval <= 0 {
		return Config{}, fmt.Errorf("signaling ping interval must be > 0")
	}
	if pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("signaling ping interval (%s) must be < idle timeout (%s)", pingInterval, idleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max signaling message bytes must be > 0")
	}

	iceTimersSet := 0
	for _, d := range []time.Duration{iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval} {
		if d < 0 {
			return Config{}, fmt.Errorf("ICE timeouts must be >= 0")
		}
		if d > 0 {
			iceTimersSet++
		}
	}
	if iceTimersSet != 0 && iceTimersSet != 3 {
		return Config{}, fmt.Errorf("ICE disconnected/failed timeouts and keepalive interval must be set together")
	}
	if iceTimersSet == 3 && iceDisconnectedTimeout > iceFailedTimeout {
		return Config{}, fmt.Errorf("ICE disconnected timeout (%s) must be <= failed timeout (%s)", iceDisconnectedTimeout, iceFailedTimeout)
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("WebRTC UDP port range must set both min and max (got min=%d max=%d)", webrtcUDPPortMin, webrtcUDPPortMax)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("invalid --%s: %w", flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("invalid --%s: %w", flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid --%s %q", flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		webrtcNAT1To1IPs, err = parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid --%s: %w", flagWebRTCNAT1To1IPs, err)
		}
	}
	webrtcNAT1To1IPCandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid --%s: %w", flagWebRTCNAT1To1IPCandidateType, err)
	}

	captureDevice, err := parseCaptureDevice(captureDeviceStr)
	if err != nil {
		return Config{}, err
	}
	if captureWidth < 0 || captureHeight < 0 || captureFrameRate < 0 {
		return Config{}, fmt.Errorf("capture width, height and frame rate must be >= 0")
	}
	if maxNegotiationRetries < 0 {
		return Config{}, fmt.Errorf("max negotiation retries must be >= 0")
	}

	cfg := Config{
		ConfigFile:                   strings.TrimSpace(configFile),
		Mode:                         mode,
		LogFormat:                    logFormat,
		LogLevel:                     logLevel,
		ListenAddr:                   listenAddr,
		ShutdownTimeout:              shutdownTimeout,
		AllowedOrigins:               allowedOrigins,
		SignalingURL:                 signalingURL,
		RoomID:                       roomID,
		AutoConnect:                  autoConnect,
		SignalingOrigin:              signalingOrigin,
		SignalingOpenTimeout:         openTimeout,
		SignalingWriteTimeout:        writeTimeout,
		SignalingWSPingInterval:      pingInterval,
		SignalingWSIdleTimeout:       idleTimeout,
		MaxSignalingMessageBytes:     maxSignalingMessageBytes,
		ICEDisconnectedTimeout:       iceDisconnectedTimeout,
		ICEFailedTimeout:             iceFailedTimeout,
		ICEKeepaliveInterval:         iceKeepaliveInterval,
		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1IPCandidateType,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
		CaptureDevice:                captureDevice,
		CaptureAudio:                 captureAudio,
		CaptureVideo:                 captureVideo,
		CaptureWidth:                 captureWidth,
		CaptureHeight:                captureHeight,
		CaptureFrameRate:             captureFrameRate,
		MaxNegotiationRetries:        maxNegotiationRetries,
	}

	iceServers, err := iceSources{
		serversJSON:    iceServersJSON,
		stunURLs:       stunURLs,
		turnURLs:       turnURLs,
		turnUsername:   turnUsername,
		turnCredential: turnCredential,
	}.resolve()
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// configFlagValue finds --config in args before the flag set exists, since
// the file supplies defaults for every other flag.
func configFlagValue(args []string) (string, bool) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return "", false
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, flagConfig+"="); ok {
			return v, true
		}
		if name == flagConfig && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseCaptureDevice(raw string) (CaptureDevice, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(CaptureDeviceSystem), "":
		return CaptureDeviceSystem, nil
	case string(CaptureDeviceSynthetic):
		return CaptureDeviceSynthetic, nil
	case string(CaptureDeviceNone):
		return CaptureDeviceNone, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarCaptureDevice, raw,
			CaptureDeviceSystem,
			CaptureDeviceSynthetic,
			CaptureDeviceNone,
		)
	}
}

func normalizeSignalingURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q: missing host", raw)
	}
	if u.Fragment != "" {
		return "", fmt.Errorf("%q: fragments are not allowed", raw)
	}
	return u.String(), nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func normalizeOriginValue(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	normalized, _, ok := origin.NormalizeHeader(raw)
	if !ok {
		return "", fmt.Errorf("expected full origin like https://example.com")
	}
	return normalized, nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}
	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
