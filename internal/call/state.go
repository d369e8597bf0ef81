package call

import (
	"fmt"
	"reflect"

	"github.com/pion/webrtc/v4"

	"github.com/xogh7882/webRTC-Demo/internal/capture"
	"github.com/xogh7882/webRTC-Demo/internal/negotiator"
	"github.com/xogh7882/webRTC-Demo/internal/signaling"
	"github.com/xogh7882/webRTC-Demo/internal/transport"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateJoined
	StateNegotiating
	StateInCall
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateNegotiating:
		return "negotiating"
	case StateInCall:
		return "in-call"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// active reports whether a room membership exists in s.
func (s State) active() bool {
	switch s {
	case StateJoined, StateNegotiating, StateInCall:
		return true
	}
	return false
}

// Status is a point-in-time snapshot of the manager, safe to share.
type Status struct {
	State State  `json:"state"`
	Error string `json:"error,omitempty"`

	RoomID  string   `json:"roomId,omitempty"`
	SelfID  string   `json:"sessionId,omitempty"`
	Members []string `json:"members"`

	Negotiation   string `json:"negotiation"`
	PeerSessionID string `json:"peerSessionId,omitempty"`
	Role          string `json:"role,omitempty"`

	AudioEnabled bool `json:"audioEnabled"`
	VideoEnabled bool `json:"videoEnabled"`
	ReceiveOnly  bool `json:"receiveOnly"`
}

func (s Status) equal(o Status) bool {
	return reflect.DeepEqual(s, o)
}

func (s Status) clone() Status {
	s.Members = append([]string{}, s.Members...)
	return s
}

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evToggle
	evMediaAcquired
	evChannelOpened
	evChannelOpenFailed
	evChannelMessage
	evChannelClosed
	evPeer
	evShutdown
)

func (k eventKind) String() string {
	switch k {
	case evConnect:
		return "connect"
	case evDisconnect:
		return "disconnect"
	case evToggle:
		return "toggle"
	case evMediaAcquired:
		return "media-acquired"
	case evChannelOpened:
		return "channel-opened"
	case evChannelOpenFailed:
		return "channel-open-failed"
	case evChannelMessage:
		return "channel-message"
	case evChannelClosed:
		return "channel-closed"
	case evPeer:
		return "peer"
	case evShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// event is the single input type of the manager's transition function.
// Background results carry the generation they were started under.
type event struct {
	kind eventKind
	gen  uint64

	roomID string
	toggle webrtc.RTPCodecType
	reply  chan result

	media   *capture.Handle
	channel *transport.Channel
	err     error
	msg     signaling.Message
	closed  transport.CloseEvent
	peer    negotiator.Event
}

type result struct {
	err     error
	enabled bool
}
