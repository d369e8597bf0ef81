// Package transport implements the persistent message channel to the
// rendezvous service over a WebSocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xogh7882/webRTC-Demo/internal/metrics"
	"github.com/xogh7882/webRTC-Demo/internal/signaling"
)

const (
	DefaultOpenTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultMaxMessageBytes = int64(64 * 1024)
)

type Options struct {
	// OpenTimeout bounds the dial and handshake. Zero means DefaultOpenTimeout.
	OpenTimeout  time.Duration
	WriteTimeout time.Duration

	// PingInterval enables keepalive pings. IdleTimeout closes the channel when
	// nothing (including pongs) has been read for that long. Zero disables
	// either.
	PingInterval time.Duration
	IdleTimeout  time.Duration

	MaxMessageBytes int64

	// Origin, when set, is sent as the handshake Origin header.
	Origin string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// CloseEvent describes why a channel ended.
type CloseEvent struct {
	Code   int
	Reason string
	// Local is true when the channel was closed by Close.
	Local bool
}

// Events are invoked from the channel's read goroutine. OnMessage is called
// once per decoded frame in arrival order; OnClose exactly once.
type Events struct {
	OnMessage func(signaling.Message)
	OnClose   func(CloseEvent)
}

type Channel struct {
	conn   *websocket.Conn
	opts   Options
	events Events
	log    *slog.Logger

	writeMu sync.Mutex

	closed     atomic.Bool
	closeOnce  sync.Once
	notifyOnce sync.Once
	done       chan struct{}
}

// Open dials rawURL and starts the read loop. It fails with *Error when the
// channel is not open within Options.OpenTimeout. If ctx is cancelled first,
// ctx's error is returned instead.
func Open(ctx context.Context, rawURL string, opts Options, events Events) (*Channel, error) {
	opts = opts.withDefaults()

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, &Error{Kind: ErrorKindRefused, Err: err}
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return nil, &Error{Kind: ErrorKindRefused, Err: fmt.Errorf("unsupported scheme %q (expected ws or wss)", u.Scheme)}
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.OpenTimeout,
	}
	header := http.Header{}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}

	conn, resp, err := dialer.DialContext(dialCtx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if dialCtx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: ErrorKindTimeout, Err: err}
		}
		return nil, classifyDialError(err)
	}
	conn.SetReadLimit(opts.MaxMessageBytes)

	c := &Channel{
		conn:   conn,
		opts:   opts,
		events: events,
		log:    opts.Logger.With("subsystem", "transport", "url", u.Redacted()),
		done:   make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
		})
	}

	go c.readLoop()
	if opts.PingInterval > 0 {
		go c.pingLoop()
	}
	return c, nil
}

// IsOpen reports whether Send may still write frames.
func (c *Channel) IsOpen() bool {
	return !c.closed.Load()
}

// Done is closed once the read loop has exited and OnClose has run.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Send writes msg as a single text frame. On a closed channel it logs a
// warning and returns ErrClosed without writing.
func (c *Channel) Send(msg signaling.Message) error {
	if c.closed.Load() {
		c.log.Warn("dropping signaling message on closed channel", "kind", msg.Kind)
		c.opts.Metrics.Inc(metrics.SignalingSendDropped)
		return ErrClosed
	}
	data, err := signaling.Encode(msg)
	if err != nil {
		c.log.Error("refusing to send invalid signaling message", "kind", msg.Kind, "err", err)
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Warn("signaling write failed", "kind", msg.Kind, "err", err)
		return fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	c.opts.Metrics.MessageSent(string(msg.Kind))
	return nil
}

// Close closes the channel with a normal closure. It is idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
			time.Now().Add(c.opts.WriteTimeout),
		)
		c.writeMu.Unlock()

		_ = c.conn.Close()
	})
}

func (c *Channel) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if c.opts.IdleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		}
		if msgType != websocket.TextMessage {
			c.log.Warn("dropping non-text signaling frame", "type", msgType)
			continue
		}

		msg, err := signaling.Decode(data)
		if err != nil {
			if errors.Is(err, signaling.ErrUnknownKind) {
				c.log.Debug("ignoring signaling message of unknown kind", "kind", msg.Kind)
				c.opts.Metrics.Inc(metrics.SignalingUnknownKind)
				continue
			}
			c.log.Error("dropping malformed signaling frame", "err", err, "bytes", len(data))
			c.opts.Metrics.Inc(metrics.SignalingDecodeErrors)
			continue
		}
		c.opts.Metrics.MessageReceived(string(msg.Kind))

		if c.events.OnMessage != nil {
			c.events.OnMessage(msg)
		}
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Channel) finish(err error) {
	local := c.closed.Swap(true)
	_ = c.conn.Close()

	ev := CloseEvent{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
	var ce *websocket.CloseError
	switch {
	case local:
		ev = CloseEvent{Code: websocket.CloseNormalClosure, Reason: "client closed", Local: true}
	case errors.As(err, &ce):
		ev = CloseEvent{Code: ce.Code, Reason: ce.Text}
	}
	c.log.Debug("signaling channel closed", "code", ev.Code, "reason", ev.Reason, "local", ev.Local)

	c.notifyOnce.Do(func() {
		if c.events.OnClose != nil {
			c.events.OnClose(ev)
		}
	})
	close(c.done)
}
