package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xogh7882/webRTC-Demo/internal/metrics"
	"github.com/xogh7882/webRTC-Demo/internal/signaling"
)

// wsServer runs handle for each accepted WebSocket connection.
func wsServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type recorder struct {
	mu     sync.Mutex
	msgs   []signaling.Message
	closes []CloseEvent
	closed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan struct{})}
}

func (r *recorder) events() Events {
	return Events{
		OnMessage: func(msg signaling.Message) {
			r.mu.Lock()
			r.msgs = append(r.msgs, msg)
			r.mu.Unlock()
		},
		OnClose: func(ev CloseEvent) {
			r.mu.Lock()
			r.closes = append(r.closes, ev)
			r.mu.Unlock()
			close(r.closed)
		},
	}
}

func (r *recorder) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for OnClose")
	}
}

func TestChannelDeliversFramesInOrderAndSkipsBadOnes(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn, _ *http.Request) {
		frames := []string{
			`{"type":"joined","roomId":"room123"}`,
			`{"type":"mystery","x":1}`,
			`not json`,
			`{"type":"user-joined","sessionId":"peer-1"}`,
			`{"type":"ice-candidate","data":"garbage"}`,
			`{"type":"user-left","sessionId":"peer-1"}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
		_, _, _ = conn.ReadMessage()
	})

	m := metrics.New()
	rec := newRecorder()
	ch, err := Open(context.Background(), url, Options{Metrics: m}, rec.events())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()
	rec.waitClosed(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var kinds []signaling.Kind
	for _, msg := range rec.msgs {
		kinds = append(kinds, msg.Kind)
	}
	want := []signaling.Kind{signaling.KindJoined, signaling.KindUserJoined, signaling.KindUserLeft}
	if len(kinds) != len(want) {
		t.Fatalf("kinds=%v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds=%v, want %v", kinds, want)
		}
	}
	if len(rec.closes) != 1 {
		t.Fatalf("OnClose calls=%d, want 1", len(rec.closes))
	}
	if rec.closes[0].Code != websocket.CloseGoingAway || rec.closes[0].Reason != "bye" || rec.closes[0].Local {
		t.Fatalf("close event=%+v, want remote going-away", rec.closes[0])
	}
	if got := m.Get(metrics.SignalingUnknownKind); got != 1 {
		t.Fatalf("unknown kind count=%d, want 1", got)
	}
	if got := m.Get(metrics.SignalingDecodeErrors); got != 2 {
		t.Fatalf("decode error count=%d, want 2", got)
	}
	if ch.IsOpen() {
		t.Fatalf("channel still open after remote close")
	}
}

func TestChannelSendWritesJSONFrame(t *testing.T) {
	got := make(chan string, 1)
	url := wsServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		got <- string(data)
		_, _, _ = conn.ReadMessage()
	})

	ch, err := Open(context.Background(), url, Options{}, Events{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	if err := ch.Send(signaling.Join("room123")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case frame := <-got:
		if frame != `{"type":"join","roomId":"room123"}` {
			t.Fatalf("frame=%s", frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
}

func TestChannelCloseIsIdempotentAndNotifiesOnce(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := metrics.New()
	var closes atomic.Int32
	done := make(chan CloseEvent, 2)
	ch, err := Open(context.Background(), url, Options{Metrics: m}, Events{
		OnClose: func(ev CloseEvent) {
			closes.Add(1)
			done <- ev
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ch.Close()
	ch.Close()

	select {
	case ev := <-done:
		if !ev.Local || ev.Code != websocket.CloseNormalClosure {
			t.Fatalf("close event=%+v, want local normal closure", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for OnClose")
	}
	<-ch.Done()
	ch.Close()

	if got := closes.Load(); got != 1 {
		t.Fatalf("OnClose calls=%d, want 1", got)
	}
	if err := ch.Send(signaling.Leave()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close err=%v, want ErrClosed", err)
	}
	if got := m.Get(metrics.SignalingSendDropped); got != 1 {
		t.Fatalf("dropped sends=%d, want 1", got)
	}
}

func TestChannelForwardsOrigin(t *testing.T) {
	origins := make(chan string, 1)
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		origins <- r.Header.Get("Origin")
	})

	ch, err := Open(context.Background(), url, Options{Origin: "https://call.example"}, Events{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	if got := <-origins; got != "https://call.example" {
		t.Fatalf("origin=%q, want %q", got, "https://call.example")
	}
}

func TestOpenTimesOutWhenHandshakeStalls(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Never answer the handshake.
			defer conn.Close()
		}
	}()

	start := time.Now()
	_, err = Open(context.Background(), "ws://"+ln.Addr().String()+"/signaling", Options{OpenTimeout: 200 * time.Millisecond}, Events{})
	if !IsTimeout(err) {
		t.Fatalf("err=%v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Open took %v, want about 200ms", elapsed)
	}
}

func TestOpenRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = Open(context.Background(), "ws://"+addr+"/signaling", Options{OpenTimeout: 2 * time.Second}, Events{})
	var te *Error
	if !errors.As(err, &te) || te.Kind != ErrorKindRefused {
		t.Fatalf("err=%v, want refused", err)
	}
}

func TestOpenRejectsNonWebSocketScheme(t *testing.T) {
	_, err := Open(context.Background(), "http://127.0.0.1:1/signaling", Options{}, Events{})
	var te *Error
	if !errors.As(err, &te) || te.Kind != ErrorKindRefused {
		t.Fatalf("err=%v, want refused", err)
	}
}

func TestOpenReturnsContextErrorWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Open(ctx, "ws://127.0.0.1:1/signaling", Options{}, Events{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestIdleTimeoutClosesSilentChannel(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Swallow pings so no pong is ever sent.
		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	ch, err := Open(context.Background(), url, Options{
		PingInterval: 50 * time.Millisecond,
		IdleTimeout:  200 * time.Millisecond,
	}, rec.events())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	rec.waitClosed(t)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closes[0].Local || rec.closes[0].Code != websocket.CloseAbnormalClosure {
		t.Fatalf("close event=%+v, want abnormal closure", rec.closes[0])
	}
}
