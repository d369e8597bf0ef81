// Package call drives one call session through its connection lifecycle:
// signaling channel, room membership, local media and the PeerSession.
//
// All state lives on a single event-loop goroutine. Public methods, the
// signaling read loop, background setup and pion callbacks only enqueue
// events; the loop applies them one at a time in arrival order.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/xogh7882/webRTC-Demo/internal/capture"
	"github.com/xogh7882/webRTC-Demo/internal/metrics"
	"github.com/xogh7882/webRTC-Demo/internal/negotiator"
	"github.com/xogh7882/webRTC-Demo/internal/room"
	"github.com/xogh7882/webRTC-Demo/internal/signaling"
	"github.com/xogh7882/webRTC-Demo/internal/transport"
)

var (
	ErrSessionActive = errors.New("a call session is already active")
	ErrClosed        = errors.New("call manager closed")
	ErrNoRoom        = errors.New("room id required")
	ErrChannelClosed = errors.New("signaling channel closed unexpectedly")
)

type Config struct {
	SignalingURL string
	Transport    transport.Options

	// Capture supplies local media. Nil means every call is receive-only.
	Capture     *capture.Source
	Constraints capture.Constraints

	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	// MaxNegotiationRetries is how many fresh PeerSessions are attempted after
	// connectivity failures before the call enters Error.
	MaxNegotiationRetries int

	// DefaultRoomID is used by Connect when called with an empty room id.
	DefaultRoomID string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Manager struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	capture *capture.Source

	queue     *eventQueue
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the event loop.
	state      State
	errText    string
	gen        uint64
	cancel     context.CancelFunc
	room       *room.Room
	channel    *transport.Channel
	neg        *negotiator.Negotiator
	media      *capture.Handle
	mediaReady bool
	retries    int
	stopping   bool

	statusMu sync.Mutex
	status   Status
	subs     map[int]chan Status
	nextSub  int
}

func NewManager(cfg Config) *Manager {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With("component", "call")
	if cfg.MaxNegotiationRetries < 0 {
		cfg.MaxNegotiationRetries = 0
	}
	src := cfg.Capture
	if src == nil {
		src = capture.NewSource(nil, base, cfg.Metrics)
	}
	if cfg.Transport.Logger == nil {
		cfg.Transport.Logger = logger
	}
	if cfg.Transport.Metrics == nil {
		cfg.Transport.Metrics = cfg.Metrics
	}

	m := &Manager{
		cfg:     cfg,
		log:     logger,
		metrics: cfg.Metrics,
		capture: src,
		queue:   newEventQueue(),
		done:    make(chan struct{}),
		subs:    make(map[int]chan Status),
	}
	m.status = m.snapshot()
	m.metrics.SetConnectionState(m.state.String())
	go m.run()
	return m
}

// Connect starts a session in roomID. It returns once the request is
// accepted; progress is reported through Status. It fails with
// ErrSessionActive unless the manager is Disconnected.
func (m *Manager) Connect(roomID string) error {
	r, err := m.request(event{kind: evConnect, roomID: roomID})
	if err != nil {
		return err
	}
	return r.err
}

// Disconnect tears down the session from any state and returns to
// Disconnected. It is idempotent.
func (m *Manager) Disconnect() error {
	r, err := m.request(event{kind: evDisconnect})
	if err != nil {
		return err
	}
	return r.err
}

// ToggleMute flips the local audio track and returns its new enablement.
// Nothing is signaled to the remote side.
func (m *Manager) ToggleMute() (bool, error) {
	r, err := m.request(event{kind: evToggle, toggle: webrtc.RTPCodecTypeAudio})
	return r.enabled, err
}

// ToggleVideo flips the local video track and returns its new enablement.
func (m *Manager) ToggleVideo() (bool, error) {
	r, err := m.request(event{kind: evToggle, toggle: webrtc.RTPCodecTypeVideo})
	return r.enabled, err
}

// Status returns the latest snapshot.
func (m *Manager) Status() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status.clone()
}

// Subscribe returns a channel that always holds the most recent snapshot
// not yet received. Intermediate snapshots may be skipped.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	m.statusMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.status.clone()
	m.statusMu.Unlock()

	return ch, func() {
		m.statusMu.Lock()
		delete(m.subs, id)
		m.statusMu.Unlock()
	}
}

// Close tears down any session and stops the event loop.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		ev := event{kind: evShutdown, reply: make(chan result, 1)}
		if m.queue.Push(ev) {
			<-ev.reply
		}
	})
	<-m.done
}

func (m *Manager) request(ev event) (result, error) {
	ev.reply = make(chan result, 1)
	if !m.queue.Push(ev) {
		return result{}, ErrClosed
	}
	select {
	case r := <-ev.reply:
		return r, nil
	case <-m.done:
		return result{}, ErrClosed
	}
}

func (m *Manager) post(ev event) bool {
	return m.queue.Push(ev)
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		ev, ok := m.queue.Pop()
		if !ok {
			return
		}
		m.handle(ev)
		m.publish()
	}
}

// handle is the manager's only transition function.
func (m *Manager) handle(ev event) {
	switch ev.kind {
	case evConnect:
		m.onConnect(ev)
	case evDisconnect:
		if m.stopping {
			ev.reply <- result{err: ErrClosed}
			return
		}
		m.teardown()
		m.errText = ""
		m.setState(StateDisconnected)
		ev.reply <- result{}
	case evToggle:
		if m.stopping {
			ev.reply <- result{err: ErrClosed}
			return
		}
		enabled := m.capture.Toggle(ev.toggle)
		m.log.Info("local track toggled", "kind", ev.toggle, "enabled", enabled)
		ev.reply <- result{enabled: enabled}
	case evShutdown:
		m.stopping = true
		m.teardown()
		m.errText = ""
		m.setState(StateDisconnected)
		m.queue.Close()
		ev.reply <- result{}

	case evMediaAcquired:
		if m.isStale(ev) {
			return
		}
		m.media = ev.media
		m.mediaReady = true
		if ev.media == nil {
			m.log.Warn("joining receive-only")
		}
	case evChannelOpened:
		if m.isStale(ev) {
			ev.channel.Close()
			return
		}
		m.onChannelOpened(ev)
	case evChannelOpenFailed:
		if m.isStale(ev) {
			return
		}
		if transport.IsTimeout(ev.err) {
			m.metrics.Inc(metrics.SignalingOpenTimeouts)
		} else {
			m.metrics.Inc(metrics.SignalingOpenRefused)
		}
		m.fail(ev.err)
	case evChannelMessage:
		if m.isStale(ev) {
			return
		}
		m.onMessage(ev.msg)
	case evChannelClosed:
		if m.isStale(ev) || ev.closed.Local {
			return
		}
		m.metrics.Inc(metrics.SignalingUnexpectedCloses)
		m.fail(fmt.Errorf("%w (code %d)", ErrChannelClosed, ev.closed.Code))
	case evPeer:
		if m.isStale(ev) || m.neg == nil {
			return
		}
		stale, err := m.neg.HandleEvent(ev.peer)
		if stale {
			m.metrics.Inc(metrics.StaleEventsDiscarded)
			return
		}
		if err != nil {
			m.onPeerFailure(err)
			return
		}
		m.checkInCall()
	}
}

func (m *Manager) isStale(ev event) bool {
	if ev.gen == m.gen && !m.stopping {
		return false
	}
	m.metrics.Inc(metrics.StaleEventsDiscarded)
	m.log.Debug("discarding stale event", "event", ev.kind, "event_gen", ev.gen, "gen", m.gen)
	return true
}

func (m *Manager) onConnect(ev event) {
	if m.stopping {
		ev.reply <- result{err: ErrClosed}
		return
	}
	if m.state != StateDisconnected {
		m.metrics.Inc(metrics.ConnectsRejected)
		ev.reply <- result{err: ErrSessionActive}
		return
	}
	roomID := ev.roomID
	if roomID == "" {
		roomID = m.cfg.DefaultRoomID
	}
	if roomID == "" {
		ev.reply <- result{err: ErrNoRoom}
		return
	}

	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.room = room.New(roomID, m.log)
	m.errText = ""
	m.setState(StateConnecting)
	go m.establish(ctx, m.gen)
	ev.reply <- result{}
}

// establish acquires local media and opens the signaling channel off the
// event loop. Every result is tagged with gen.
func (m *Manager) establish(ctx context.Context, gen uint64) {
	media, err := m.capture.Acquire(ctx, m.cfg.Constraints)
	if err != nil {
		return
	}
	m.post(event{kind: evMediaAcquired, gen: gen, media: media})

	ch, err := transport.Open(ctx, m.cfg.SignalingURL, m.cfg.Transport, transport.Events{
		OnMessage: func(msg signaling.Message) {
			m.post(event{kind: evChannelMessage, gen: gen, msg: msg})
		},
		OnClose: func(ce transport.CloseEvent) {
			m.post(event{kind: evChannelClosed, gen: gen, closed: ce})
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.post(event{kind: evChannelOpenFailed, gen: gen, err: err})
		return
	}
	if !m.post(event{kind: evChannelOpened, gen: gen, channel: ch}) {
		ch.Close()
	}
}

func (m *Manager) onChannelOpened(ev event) {
	gen := ev.gen
	m.channel = ev.channel
	m.neg = negotiator.New(negotiator.Config{
		API:        m.cfg.API,
		ICEServers: m.cfg.ICEServers,
		Sender:     ev.channel,
		Sink: func(pe negotiator.Event) {
			m.post(event{kind: evPeer, gen: gen, peer: pe})
		},
		Logger:  m.log.With("room_id", m.room.ID()),
		Metrics: m.metrics,
	})
	m.setState(StateConnected)
	if err := m.channel.Send(m.room.JoinMessage()); err != nil {
		m.log.Warn("join send failed", "err", err)
	}
}

func (m *Manager) onMessage(msg signaling.Message) {
	switch msg.Kind {
	case signaling.KindJoined, signaling.KindUserJoined, signaling.KindUserLeft, signaling.KindLeft:
		m.onMembership(msg)

	case signaling.KindOffer:
		if !m.state.active() || m.neg == nil {
			m.log.Warn("ignoring offer outside a joined room", "state", m.state)
			return
		}
		if err := m.neg.HandleOffer(msg, m.media); err != nil {
			m.fail(err)
			return
		}
		m.setState(StateNegotiating)
		m.checkInCall()

	case signaling.KindAnswer:
		if m.neg == nil {
			m.metrics.Inc(metrics.UnexpectedAnswers)
			return
		}
		if err := m.neg.HandleAnswer(msg); err != nil {
			m.fail(err)
			return
		}
		m.checkInCall()

	case signaling.KindICECandidate:
		if m.neg == nil {
			m.log.Warn("discarding remote candidate before the channel opened")
			m.metrics.Inc(metrics.CandidatesDiscardedEarly)
			return
		}
		m.neg.HandleRemoteCandidate(*msg.Candidate)

	case signaling.KindError:
		m.metrics.Inc(metrics.ServerErrors)
		m.fail(&signaling.ProtocolError{Message: msg.Text})

	default:
		m.log.Debug("ignoring client-bound kind from server", "kind", msg.Kind)
	}
}

func (m *Manager) onMembership(msg signaling.Message) {
	switch m.room.Apply(msg) {
	case room.ActionJoined:
		if m.state == StateConnected {
			m.setState(StateJoined)
		}
	case room.ActionStartOffer:
		if !m.state.active() {
			return
		}
		m.retries = 0
		m.startOffer()
	case room.ActionPeerLeft:
		if !m.state.active() {
			return
		}
		m.retries = 0
		m.neg.Close()
		m.setState(StateJoined)
	}
}

func (m *Manager) startOffer() {
	if err := m.neg.StartOffer(m.media); err != nil {
		m.fail(err)
		return
	}
	m.setState(StateNegotiating)
}

// onPeerFailure retries connectivity failures while the budget lasts. The
// offerer builds a fresh PeerSession and re-offers; the answerer waits in
// Joined for the next offer.
func (m *Manager) onPeerFailure(err error) {
	if !errors.Is(err, negotiator.ErrConnectivityFailed) || m.retries >= m.cfg.MaxNegotiationRetries {
		m.fail(err)
		return
	}
	m.retries++
	m.metrics.Inc(metrics.NegotiationRetries)

	role := m.neg.Current().Role()
	m.log.Warn("connectivity failed, retrying", "attempt", m.retries, "role", role.String())
	if role == negotiator.RoleOfferer {
		m.startOffer()
		return
	}
	m.neg.Close()
	m.setState(StateJoined)
}

func (m *Manager) checkInCall() {
	if m.state != StateNegotiating || m.neg == nil {
		return
	}
	s := m.neg.Current()
	if s == nil || s.State() != negotiator.StateStable {
		return
	}
	if s.Connected() || s.RemoteMedia() {
		m.setState(StateInCall)
		m.metrics.Inc(metrics.CallsEstablished)
	}
}

// fail tears the session down and holds Error until Disconnect.
func (m *Manager) fail(err error) {
	m.log.Error("call failed", "state", m.state, "err", err)
	m.teardown()
	m.errText = errorText(err)
	m.setState(StateError)
}

func errorText(err error) string {
	if errors.Is(err, negotiator.ErrDescriptionRejected) {
		return negotiator.ErrDescriptionRejected.Error()
	}
	return err.Error()
}

// teardown releases session resources in a fixed order: leave, PeerSession,
// local media, channel. It is idempotent and invalidates every in-flight
// background result.
func (m *Manager) teardown() {
	live := m.cancel != nil || m.channel != nil || m.neg != nil || m.room != nil

	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.channel != nil && m.channel.IsOpen() {
		if err := m.channel.Send(signaling.Leave()); err != nil {
			m.log.Debug("leave send failed", "err", err)
		}
	}
	if m.neg != nil {
		m.neg.Close()
		m.neg = nil
	}
	m.capture.Release()
	if m.channel != nil {
		m.channel.Close()
		m.channel = nil
	}
	m.room = nil
	m.media = nil
	m.mediaReady = false
	m.retries = 0

	if live {
		m.metrics.Inc(metrics.Teardowns)
		m.log.Info("session torn down")
	}
}

func (m *Manager) setState(s State) {
	if s == m.state {
		return
	}
	m.log.Info("call state changed", "from", m.state.String(), "to", s.String())
	m.state = s
	m.metrics.SetConnectionState(s.String())
}

func (m *Manager) snapshot() Status {
	st := Status{
		State:        m.state,
		Error:        m.errText,
		Members:      []string{},
		Negotiation:  negotiator.StateIdle.String(),
		AudioEnabled: m.capture.Enabled(webrtc.RTPCodecTypeAudio),
		VideoEnabled: m.capture.Enabled(webrtc.RTPCodecTypeVideo),
		ReceiveOnly:  m.mediaReady && m.media == nil,
	}
	if m.room != nil {
		st.RoomID = m.room.ID()
		st.SelfID = m.room.SelfID()
		st.Members = m.room.Members()
	}
	if m.neg != nil {
		st.Negotiation = m.neg.State().String()
		if s := m.neg.Current(); s != nil {
			st.PeerSessionID = s.ID()
			st.Role = s.Role().String()
		}
	}
	return st
}

func (m *Manager) publish() {
	st := m.snapshot()

	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	if st.equal(m.status) {
		return
	}
	m.status = st
	for _, ch := range m.subs {
		select {
		case ch <- st.clone():
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st.clone():
		default:
		}
	}
}
