package negotiator

import (
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/xogh7882/webRTC-Demo/internal/webrtcpeer"
)

type EventKind int

const (
	EventLocalCandidate EventKind = iota
	EventConnectionState
	EventRemoteTrack
)

func (k EventKind) String() string {
	switch k {
	case EventLocalCandidate:
		return "local-candidate"
	case EventConnectionState:
		return "connection-state"
	case EventRemoteTrack:
		return "remote-track"
	default:
		return "unknown"
	}
}

// Event is an engine callback tagged with the PeerSession it came from.
type Event struct {
	Kind      EventKind
	SessionID string

	Candidate webrtc.ICECandidateInit
	State     webrtc.PeerConnectionState
	Track     *webrtc.TrackRemote
}

// PeerSession is one negotiated connection attempt. It references the local
// capture handle's tracks but never stops them.
type PeerSession struct {
	id   string
	role Role
	log  *slog.Logger
	peer *webrtcpeer.Peer

	state     State
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	connected   bool
	remoteMedia bool
}

func (s *PeerSession) ID() string   { return s.id }
func (s *PeerSession) Role() Role   { return s.role }
func (s *PeerSession) State() State { return s.state }

// Connected reports whether the engine reached the connected state.
func (s *PeerSession) Connected() bool { return s.connected }

// RemoteMedia reports whether at least one remote track arrived.
func (s *PeerSession) RemoteMedia() bool { return s.remoteMedia }

// PendingCandidates is the number of remote candidates waiting for the remote
// description.
func (s *PeerSession) PendingCandidates() int { return len(s.pending) }

func (s *PeerSession) PeerConnection() *webrtc.PeerConnection {
	if s.peer == nil {
		return nil
	}
	return s.peer.PeerConnection()
}

func (s *PeerSession) close() {
	if s.peer == nil {
		return
	}
	if err := s.peer.Close(); err != nil {
		s.log.Debug("peer connection close", "err", err)
	}
}
