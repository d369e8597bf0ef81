package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Event counter names.
const (
	SignalingDecodeErrors     = "signaling_decode_errors"
	SignalingUnknownKind      = "signaling_unknown_kind"
	SignalingSendDropped      = "signaling_send_dropped"
	SignalingOpenTimeouts     = "signaling_open_timeouts"
	SignalingOpenRefused      = "signaling_open_refused"
	SignalingUnexpectedCloses = "signaling_unexpected_closes"

	CaptureFullMedia    = "capture_audio_video"
	CaptureAudioOnly    = "capture_audio_only"
	CaptureReceiveOnly  = "capture_receive_only"
	CaptureLadderErrors = "capture_ladder_errors"

	PeerSessionsCreated       = "peer_sessions_created"
	PeerSessionsFailed        = "peer_sessions_failed"
	PeerSessionsSuperseded    = "peer_sessions_superseded"
	DescriptionsRejected      = "descriptions_rejected"
	UnexpectedAnswers         = "unexpected_answers"
	CandidatesDiscardedEarly  = "candidates_discarded_no_session"
	CandidatesBuffered        = "candidates_buffered"
	CandidatesApplyFailed     = "candidates_apply_failed"
	LocalCandidatesSent       = "local_candidates_sent"
	NegotiationRetries        = "negotiation_retries"
	StaleEventsDiscarded      = "stale_events_discarded"
	KeyframeRequestsSent      = "keyframe_requests_sent"
	ServerErrors              = "server_errors"
	CallsEstablished          = "calls_established"
	Teardowns                 = "teardowns"
	ControlRequestsRecovered  = "control_panics_recovered"
	ConnectsRejected          = "connects_rejected"
	ControlConnectsRejected   = "control_connects_rejected"
	SignalingMessagesSent     = "signaling_messages_sent"
	SignalingMessagesReceived = "signaling_messages_received"
)

// Metrics is a concurrency-safe counter registry mirrored into a private
// Prometheus registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64

	registry *prometheus.Registry
	events   *prometheus.CounterVec
	messages *prometheus.CounterVec
	state    *prometheus.GaugeVec
	current  string
}

func New() *Metrics {
	m := &Metrics{
		m:        make(map[string]uint64),
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webrtc_call_client_events_total",
			Help: "Internal event counters.",
		}, []string{"event"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webrtc_call_client_signaling_messages_total",
			Help: "Signaling frames by direction and kind.",
		}, []string{"direction", "kind"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "webrtc_call_client_connection_state",
			Help: "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(m.events, m.messages, m.state)
	return m
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
	m.events.WithLabelValues(name).Add(float64(n))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// MessageSent counts an outbound signaling frame of the given kind.
func (m *Metrics) MessageSent(kind string) {
	if m == nil {
		return
	}
	m.Inc(SignalingMessagesSent)
	m.messages.WithLabelValues("out", kind).Inc()
}

// MessageReceived counts an inbound signaling frame of the given kind.
func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.Inc(SignalingMessagesReceived)
	m.messages.WithLabelValues("in", kind).Inc()
}

// SetConnectionState flips the state gauge to the given state.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	prev := m.current
	m.current = state
	m.mu.Unlock()
	if prev != "" && prev != state {
		m.state.WithLabelValues(prev).Set(0)
	}
	m.state.WithLabelValues(state).Set(1)
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
