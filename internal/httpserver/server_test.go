package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xogh7882/webRTC-Demo/internal/call"
	"github.com/xogh7882/webRTC-Demo/internal/config"
	"github.com/xogh7882/webRTC-Demo/internal/metrics"
)

type fakeCall struct {
	mu         sync.Mutex
	connects   []string
	connectErr error
	muted      bool
	status     call.Status
	updates    chan call.Status
}

func newFakeCall() *fakeCall {
	return &fakeCall{
		status:  call.Status{State: call.StateDisconnected, Negotiation: "idle"},
		updates: make(chan call.Status, 4),
	}
}

func (f *fakeCall) Connect(roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, roomID)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.status.State = call.StateConnecting
	f.status.RoomID = roomID
	return nil
}

func (f *fakeCall) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = call.Status{State: call.StateDisconnected, Negotiation: "idle"}
	return nil
}

func (f *fakeCall) ToggleMute() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	return !f.muted, nil
}

func (f *fakeCall) ToggleVideo() (bool, error) {
	return false, call.ErrClosed
}

func (f *fakeCall) Status() call.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeCall) Subscribe() (<-chan call.Status, func()) {
	return f.updates, func() {}
}

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, m *metrics.Metrics, c CallController) (baseURL string, srv *Server) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv = New(cfg, log, build, m)
	if c != nil {
		srv.RegisterCallRoutes(c)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String(), srv
}

func post(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig(), nil, nil)

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body := decode(t, resp); body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID")
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("metrics not mounted without registry", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/metrics")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusNotFound)
		}
	})
}

func TestReadyzReportsICEConfigError(t *testing.T) {
	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0", "--turn-urls", "turn:turn.example.com:3478"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error")
	}
	baseURL, _ := startTestServer(t, cfg, nil, nil)

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	if body := decode(t, resp); body["error"] == nil {
		t.Fatalf("body=%v, want error", body)
	}
}

func TestCallRoutes(t *testing.T) {
	m := metrics.New()
	fc := newFakeCall()
	baseURL, _ := startTestServer(t, testConfig(), m, fc)

	resp := post(t, baseURL+"/call/connect", `{"roomId":"r1"}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect status=%d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if body := decode(t, resp); body["state"] != "connecting" || body["roomId"] != "r1" {
		t.Fatalf("connect body=%v", body)
	}

	// An empty body selects the default room.
	resp = post(t, baseURL+"/call/connect", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect (empty body) status=%d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	fc.mu.Lock()
	connects := append([]string(nil), fc.connects...)
	fc.mu.Unlock()
	if len(connects) != 2 || connects[1] != "" {
		t.Fatalf("connects=%q, want [r1 \"\"]", connects)
	}

	resp = post(t, baseURL+"/call/connect", `{"room":"r1"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	fc.mu.Lock()
	fc.connectErr = call.ErrSessionActive
	fc.mu.Unlock()
	resp = post(t, baseURL+"/call/connect", `{"roomId":"r2"}`, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy connect status=%d, want %d", resp.StatusCode, http.StatusConflict)
	}
	if got := m.Get(metrics.ControlConnectsRejected); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.ControlConnectsRejected, got)
	}

	resp = post(t, baseURL+"/call/mute", "", nil)
	if body := decode(t, resp); body["audioEnabled"] != false {
		t.Fatalf("mute body=%v, want audioEnabled=false", body)
	}
	resp = post(t, baseURL+"/call/mute", "", nil)
	if body := decode(t, resp); body["audioEnabled"] != true {
		t.Fatalf("second mute body=%v, want audioEnabled=true", body)
	}

	resp = post(t, baseURL+"/call/video", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("video status=%d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}

	resp = post(t, baseURL+"/call/disconnect", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status=%d, want %d", resp.StatusCode, http.StatusOK)
	}

	getResp, err := http.Get(baseURL + "/call/state")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	defer getResp.Body.Close()
	if body := decode(t, getResp); body["state"] != "disconnected" {
		t.Fatalf("state body=%v, want disconnected", body)
	}

	metricsResp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	raw, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(raw), metrics.ControlConnectsRejected) {
		t.Fatalf("metrics output missing %s:\n%s", metrics.ControlConnectsRejected, raw)
	}
}

func TestCallRoutesOriginPolicy(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig(), nil, newFakeCall())

	resp := post(t, baseURL+"/call/connect", `{"roomId":"r1"}`, http.Header{"Origin": {"https://evil.example.com"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin status=%d, want %d", resp.StatusCode, http.StatusForbidden)
	}

	resp = post(t, baseURL+"/call/mute", "", http.Header{"Origin": {baseURL}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("same-origin status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != baseURL {
		t.Fatalf("Access-Control-Allow-Origin=%q, want %q", got, baseURL)
	}
}

func TestCallEventsStream(t *testing.T) {
	fc := newFakeCall()
	baseURL, _ := startTestServer(t, testConfig(), nil, fc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/call/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type=%q, want text/event-stream", ct)
	}

	fc.updates <- call.Status{State: call.StateInCall, RoomID: "r1", Negotiation: "stable"}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var body map[string]any
		if err := json.Unmarshal([]byte(data), &body); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		if body["state"] != "in-call" || body["negotiation"] != "stable" {
			t.Fatalf("event=%v, want in-call/stable", body)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}

func TestRecoverMiddlewareCountsPanics(t *testing.T) {
	m := metrics.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
		recoverMiddleware(log, m),
		requestIDMiddleware(),
	)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if got := m.Get(metrics.ControlRequestsRecovered); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.ControlRequestsRecovered, got)
	}
}
