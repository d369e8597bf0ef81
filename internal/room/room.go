// Package room tracks membership of the single room a client has joined.
package room

import (
	"log/slog"
	"sort"

	"github.com/xogh7882/webRTC-Demo/internal/signaling"
)

// Action is what the caller must do after a membership message.
type Action int

const (
	ActionNone Action = iota
	// ActionJoined confirms the join.
	ActionJoined
	// ActionStartOffer means a peer arrived after this client joined, so this
	// client initiates the offer.
	ActionStartOffer
	// ActionPeerLeft means the remote participant is gone and the current
	// PeerSession must be torn down.
	ActionPeerLeft
	// ActionLeft acknowledges this client's own leave.
	ActionLeft
)

func (a Action) String() string {
	switch a {
	case ActionJoined:
		return "joined"
	case ActionStartOffer:
		return "start-offer"
	case ActionPeerLeft:
		return "peer-left"
	case ActionLeft:
		return "left"
	default:
		return "none"
	}
}

// Room is a read-only projection of the server's membership messages.
type Room struct {
	id      string
	selfID  string
	joined  bool
	members map[string]struct{}
	log     *slog.Logger
}

func New(id string, logger *slog.Logger) *Room {
	if logger == nil {
		logger = slog.Default()
	}
	return &Room{
		id:      id,
		members: make(map[string]struct{}),
		log:     logger.With("subsystem", "room", "room_id", id),
	}
}

func (r *Room) ID() string { return r.id }

// SelfID is the session id the server assigned, if it sent one.
func (r *Room) SelfID() string { return r.selfID }

func (r *Room) Joined() bool { return r.joined }

// JoinMessage builds the join request for this room.
func (r *Room) JoinMessage() signaling.Message { return signaling.Join(r.id) }

// LeaveMessage builds the leave request.
func (r *Room) LeaveMessage() signaling.Message { return signaling.Leave() }

// Members returns the other participants' session ids, sorted.
func (r *Room) Members() []string {
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Apply updates membership from msg. Messages of other kinds return
// ActionNone.
func (r *Room) Apply(msg signaling.Message) Action {
	switch msg.Kind {
	case signaling.KindJoined:
		if msg.RoomID != "" && msg.RoomID != r.id {
			r.log.Warn("joined confirmation for another room", "got_room_id", msg.RoomID)
		}
		r.joined = true
		r.selfID = msg.SessionID
		r.log.Info("joined room", "session_id", msg.SessionID)
		return ActionJoined

	case signaling.KindUserJoined:
		if msg.SessionID == r.selfID && r.selfID != "" {
			return ActionNone
		}
		r.members[msg.SessionID] = struct{}{}
		r.log.Info("participant joined", "peer_session_id", msg.SessionID, "members", len(r.members))
		if !r.joined {
			return ActionNone
		}
		return ActionStartOffer

	case signaling.KindUserLeft:
		if _, ok := r.members[msg.SessionID]; !ok {
			r.log.Debug("unknown participant left", "peer_session_id", msg.SessionID)
		}
		delete(r.members, msg.SessionID)
		r.log.Info("participant left", "peer_session_id", msg.SessionID, "members", len(r.members))
		return ActionPeerLeft

	case signaling.KindLeft:
		r.joined = false
		r.members = make(map[string]struct{})
		r.log.Info("left room")
		return ActionLeft
	}
	return ActionNone
}
