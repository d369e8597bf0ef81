// Package negotiator runs the offer/answer exchange for a single PeerSession
// at a time.
//
// A Negotiator is not safe for concurrent use. It is driven from one
// goroutine (the call manager's event loop); engine callbacks arrive on pion
// goroutines and are handed to the configured sink as Events, which the owner
// feeds back through the Handle* methods.
package negotiator

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/xogh7882/webRTC-Demo/internal/capture"
	"github.com/xogh7882/webRTC-Demo/internal/metrics"
	"github.com/xogh7882/webRTC-Demo/internal/signaling"
	"github.com/xogh7882/webRTC-Demo/internal/webrtcpeer"
)

var (
	ErrDescriptionRejected = errors.New("description rejected")
	ErrConnectivityFailed  = errors.New("connectivity failed")
)

type State int

const (
	StateIdle State = iota
	StateOfferPending
	StateAnswerPending
	StateStable
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferPending:
		return "offer-pending"
	case StateAnswerPending:
		return "answer-pending"
	case StateStable:
		return "stable"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// Sender delivers outbound signaling messages. Delivery is best-effort.
type Sender interface {
	Send(signaling.Message) error
}

type Config struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	Sender Sender
	// Sink receives engine callbacks. It is called from pion goroutines and
	// must not block.
	Sink func(Event)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Negotiator struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	cur *PeerSession
}

func New(cfg Config) *Negotiator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = func(Event) {}
	}
	return &Negotiator{
		cfg:     cfg,
		log:     logger.With("subsystem", "negotiator"),
		metrics: cfg.Metrics,
	}
}

// Current returns the live PeerSession, or nil. A failed session stays
// current, closed, until it is superseded or the negotiator is closed.
func (n *Negotiator) Current() *PeerSession {
	return n.cur
}

// State is the current PeerSession's state, or Idle when there is none.
func (n *Negotiator) State() State {
	if n.cur == nil {
		return StateIdle
	}
	return n.cur.state
}

// StartOffer creates a new PeerSession as the offerer and sends its offer.
// Kinds without a local track get receive-only transceivers.
func (n *Negotiator) StartOffer(media *capture.Handle) error {
	s, err := n.newSession(RoleOfferer, media, true)
	if err != nil {
		return err
	}
	pc := s.peer.PeerConnection()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return n.fail(s, fmt.Errorf("create offer: %w", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return n.fail(s, fmt.Errorf("set local offer: %w", err))
	}
	s.state = StateOfferPending
	n.send(signaling.Offer(offer))
	s.log.Info("offer sent")
	return nil
}

// HandleOffer creates a new PeerSession as the answerer, applies the offer's
// description and sends the answer.
func (n *Negotiator) HandleOffer(offer signaling.Message, media *capture.Handle) error {
	s, err := n.newSession(RoleAnswerer, media, false)
	if err != nil {
		return err
	}
	s.state = StateAnswerPending
	if err := n.applyRemote(s, offer); err != nil {
		return err
	}

	pc := s.peer.PeerConnection()
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return n.fail(s, fmt.Errorf("create answer: %w", err))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return n.fail(s, fmt.Errorf("set local answer: %w", err))
	}
	s.state = StateStable
	n.send(signaling.Answer(answer))
	s.log.Info("answer sent")
	return nil
}

// HandleAnswer applies the answer's description to the pending offer.
// Answers outside OfferPending are logged and ignored.
func (n *Negotiator) HandleAnswer(answer signaling.Message) error {
	s := n.cur
	if s == nil || s.state != StateOfferPending {
		n.log.Warn("ignoring unexpected answer", "state", n.State())
		n.metrics.Inc(metrics.UnexpectedAnswers)
		return nil
	}
	if err := n.applyRemote(s, answer); err != nil {
		return err
	}
	s.state = StateStable
	s.log.Info("answer applied")
	return nil
}

// HandleRemoteCandidate applies c to the current PeerSession, buffering it
// until the remote description is set. Candidate failures are never fatal.
func (n *Negotiator) HandleRemoteCandidate(c signaling.ICECandidate) {
	if c.Candidate == "" {
		// End-of-candidates.
		return
	}
	s := n.cur
	if s == nil || s.state == StateFailed {
		n.log.Warn("discarding remote candidate without a peer session")
		n.metrics.Inc(metrics.CandidatesDiscardedEarly)
		return
	}
	init := c.ToPion()
	if !s.remoteSet {
		s.pending = append(s.pending, init)
		n.metrics.Inc(metrics.CandidatesBuffered)
		return
	}
	n.addCandidate(s, init)
}

// HandleEvent applies an engine callback. Events for a session other than the
// current one are dropped and reported as stale. A returned error means the
// session failed.
func (n *Negotiator) HandleEvent(ev Event) (stale bool, err error) {
	s := n.cur
	if s == nil || s.id != ev.SessionID || s.state == StateFailed {
		return true, nil
	}
	switch ev.Kind {
	case EventLocalCandidate:
		n.send(signaling.Candidate(ev.Candidate))
		n.metrics.Inc(metrics.LocalCandidatesSent)
	case EventConnectionState:
		s.log.Info("connection state changed", "state", ev.State)
		switch ev.State {
		case webrtc.PeerConnectionStateConnected:
			s.connected = true
		case webrtc.PeerConnectionStateFailed:
			return false, n.fail(s, ErrConnectivityFailed)
		}
	case EventRemoteTrack:
		s.remoteMedia = true
		s.log.Info("remote track", "kind", ev.Track.Kind(), "codec", ev.Track.Codec().MimeType)
		if ev.Track.Kind() == webrtc.RTPCodecTypeVideo {
			if err := s.peer.RequestKeyframe(ev.Track); err != nil {
				s.log.Debug("keyframe request failed", "err", err)
			} else {
				n.metrics.Inc(metrics.KeyframeRequestsSent)
			}
		}
	}
	return false, nil
}

// Close releases the current PeerSession. It is idempotent.
func (n *Negotiator) Close() {
	if n.cur == nil {
		return
	}
	n.cur.close()
	n.cur = nil
}

func (n *Negotiator) newSession(role Role, media *capture.Handle, recvOnlyForMissing bool) (*PeerSession, error) {
	if n.cur != nil {
		n.cur.log.Info("peer session superseded")
		n.cur.close()
		n.cur = nil
		n.metrics.Inc(metrics.PeerSessionsSuperseded)
	}

	id := uuid.NewString()
	s := &PeerSession{
		id:   id,
		role: role,
		log:  n.log.With("peer_session_id", id, "role", role.String()),
	}
	sink := n.cfg.Sink
	peer, err := webrtcpeer.NewPeer(n.cfg.API, n.cfg.ICEServers, s.log, webrtcpeer.Handlers{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			sink(Event{Kind: EventLocalCandidate, SessionID: id, Candidate: c})
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			sink(Event{Kind: EventConnectionState, SessionID: id, State: state})
		},
		OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			sink(Event{Kind: EventRemoteTrack, SessionID: id, Track: track})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s.peer = peer
	n.cur = s
	n.metrics.Inc(metrics.PeerSessionsCreated)

	if err := peer.AttachTracks(media.Tracks(), recvOnlyForMissing); err != nil {
		return nil, n.fail(s, err)
	}
	if media == nil {
		s.log.Info("peer session created receive-only")
	} else {
		s.log.Info("peer session created", "local_tracks", len(media.Tracks()))
	}
	return s, nil
}

// applyRemote fails s with ErrDescriptionRejected when msg carries no usable
// description or the engine refuses it.
func (n *Negotiator) applyRemote(s *PeerSession, msg signaling.Message) error {
	var remote webrtc.SessionDescription
	desc, err := msg.RemoteDescription()
	if err == nil {
		remote, err = desc.ToPion()
	}
	if err == nil {
		err = s.peer.PeerConnection().SetRemoteDescription(remote)
	}
	if err != nil {
		n.metrics.Inc(metrics.DescriptionsRejected)
		return n.fail(s, fmt.Errorf("%w: %w", ErrDescriptionRejected, err))
	}
	s.remoteSet = true

	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		n.addCandidate(s, c)
	}
	return nil
}

func (n *Negotiator) addCandidate(s *PeerSession, c webrtc.ICECandidateInit) {
	if err := s.peer.PeerConnection().AddICECandidate(c); err != nil {
		s.log.Warn("remote candidate rejected", "err", err)
		n.metrics.Inc(metrics.CandidatesApplyFailed)
	}
}

// fail marks s Failed, closes its PeerConnection and returns err.
func (n *Negotiator) fail(s *PeerSession, err error) error {
	s.state = StateFailed
	s.pending = nil
	s.close()
	s.log.Warn("peer session failed", "err", err)
	n.metrics.Inc(metrics.PeerSessionsFailed)
	return err
}

func (n *Negotiator) send(msg signaling.Message) {
	if n.cfg.Sender == nil {
		return
	}
	if err := n.cfg.Sender.Send(msg); err != nil {
		n.log.Debug("signaling send failed", "kind", msg.Kind, "err", err)
	}
}
