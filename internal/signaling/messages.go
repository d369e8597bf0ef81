package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Kind is the discriminator carried in the "type" field of every frame.
type Kind string

const (
	KindJoin         Kind = "join"
	KindJoined       Kind = "joined"
	KindLeave        Kind = "leave"
	KindLeft         Kind = "left"
	KindUserJoined   Kind = "user-joined"
	KindUserLeft     Kind = "user-left"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindError        Kind = "error"
)

// ErrUnknownKind is returned by Decode for well-formed frames whose kind this
// client does not understand. Callers ignore such frames.
var ErrUnknownKind = errors.New("unknown message kind")

// Known reports whether k is one of the kinds defined by the protocol.
func (k Kind) Known() bool {
	switch k {
	case KindJoin, KindJoined, KindLeave, KindLeft, KindUserJoined, KindUserLeft,
		KindOffer, KindAnswer, KindICECandidate, KindError:
		return true
	default:
		return false
	}
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func DescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) ICECandidate {
	return ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c ICECandidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is one signaling frame. Which payload fields are meaningful depends
// on Kind; Validate enforces the pairing.
type Message struct {
	Kind      Kind
	RoomID    string
	SessionID string

	Description *SessionDescription
	Candidate   *ICECandidate

	// Text is the human readable reason carried by error frames.
	Text string

	// descErr is set by Decode when an offer or answer carried a description
	// that could not be used. The frame is still delivered so the session
	// can fail instead of waiting.
	descErr error
}

// RemoteDescription returns the description of an inbound offer or answer.
// It fails when the data member was missing, undecodable or typed for the
// other kind.
func (m Message) RemoteDescription() (SessionDescription, error) {
	if m.descErr != nil {
		return SessionDescription{}, m.descErr
	}
	if m.Description == nil {
		return SessionDescription{}, fmt.Errorf("%s message missing data", m.Kind)
	}
	if err := checkDescriptionType(m.Kind, *m.Description); err != nil {
		return SessionDescription{}, err
	}
	return *m.Description, nil
}

func parseDescription(kind Kind, raw json.RawMessage) (SessionDescription, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return SessionDescription{}, fmt.Errorf("%s message missing data", kind)
	}
	var d SessionDescription
	if err := json.Unmarshal(raw, &d); err != nil {
		return SessionDescription{}, fmt.Errorf("%s data: %w", kind, err)
	}
	if err := checkDescriptionType(kind, d); err != nil {
		return SessionDescription{}, err
	}
	return d, nil
}

func checkDescriptionType(kind Kind, d SessionDescription) error {
	switch d.Type {
	case "":
		return fmt.Errorf("%s message missing data.type", kind)
	case string(kind):
		return nil
	default:
		return fmt.Errorf("%s message has data.type=%q", kind, d.Type)
	}
}

func Join(roomID string) Message { return Message{Kind: KindJoin, RoomID: roomID} }

func Leave() Message { return Message{Kind: KindLeave} }

func Offer(desc webrtc.SessionDescription) Message {
	d := DescriptionFromPion(desc)
	return Message{Kind: KindOffer, Description: &d}
}

func Answer(desc webrtc.SessionDescription) Message {
	d := DescriptionFromPion(desc)
	return Message{Kind: KindAnswer, Description: &d}
}

func Candidate(init webrtc.ICECandidateInit) Message {
	c := CandidateFromPion(init)
	return Message{Kind: KindICECandidate, Candidate: &c}
}

// wireMessage is the JSON shape on the wire. The "data" member is shared by
// descriptions and candidates, so it is decoded lazily once the kind is known.
type wireMessage struct {
	Type      Kind            `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Encode validates msg strictly and returns its JSON frame.
func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	w := wireMessage{
		Type:      msg.Kind,
		RoomID:    msg.RoomID,
		SessionID: msg.SessionID,
		Message:   msg.Text,
	}
	var err error
	switch {
	case msg.Description != nil:
		w.Data, err = json.Marshal(msg.Description)
	case msg.Candidate != nil:
		w.Data, err = json.Marshal(msg.Candidate)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", msg.Kind, err)
	}
	return json.Marshal(w)
}

// Decode parses one inbound frame. Unknown members are tolerated because the
// rendezvous service may attach extra metadata; required members are not,
// except for offer and answer descriptions, whose problems are reported by
// RemoteDescription.
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var w wireMessage
	if err := dec.Decode(&w); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if w.Type == "" {
		return Message{}, fmt.Errorf("message missing type")
	}
	if !w.Type.Known() {
		return Message{Kind: w.Type}, fmt.Errorf("%w %q", ErrUnknownKind, w.Type)
	}

	msg := Message{
		Kind:      w.Type,
		RoomID:    w.RoomID,
		SessionID: w.SessionID,
		Text:      w.Message,
	}
	switch w.Type {
	case KindOffer, KindAnswer:
		d, err := parseDescription(w.Type, w.Data)
		if err != nil {
			msg.descErr = err
			return msg, nil
		}
		msg.Description = &d
	case KindICECandidate:
		if len(w.Data) == 0 || string(w.Data) == "null" {
			return Message{}, fmt.Errorf("%s message missing data", w.Type)
		}
		var c ICECandidate
		if err := json.Unmarshal(w.Data, &c); err != nil {
			return Message{}, fmt.Errorf("%s data: %w", w.Type, err)
		}
		msg.Candidate = &c
	}
	if err := msg.validateRequired(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks that exactly the payload fields required by Kind are set.
func (m Message) Validate() error {
	if err := m.validateRequired(); err != nil {
		return err
	}
	if m.Kind == KindOffer || m.Kind == KindAnswer {
		if err := checkDescriptionType(m.Kind, *m.Description); err != nil {
			return err
		}
	}
	hasRoom := m.RoomID != ""
	hasSession := m.SessionID != ""
	hasDesc := m.Description != nil
	hasCand := m.Candidate != nil
	hasText := m.Text != ""

	var unexpected bool
	switch m.Kind {
	case KindJoin:
		unexpected = hasSession || hasDesc || hasCand || hasText
	case KindJoined:
		unexpected = hasDesc || hasCand || hasText
	case KindLeave:
		unexpected = hasRoom || hasSession || hasDesc || hasCand || hasText
	case KindLeft:
		unexpected = hasRoom || hasDesc || hasCand || hasText
	case KindUserJoined, KindUserLeft:
		unexpected = hasRoom || hasDesc || hasCand || hasText
	case KindOffer, KindAnswer:
		unexpected = hasRoom || hasSession || hasCand || hasText
	case KindICECandidate:
		unexpected = hasRoom || hasSession || hasDesc || hasText
	case KindError:
		unexpected = hasRoom || hasSession || hasDesc || hasCand
	}
	if unexpected {
		return fmt.Errorf("%s message has unexpected fields", m.Kind)
	}
	return nil
}

func (m Message) validateRequired() error {
	switch m.Kind {
	case KindJoin, KindJoined:
		if m.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", m.Kind)
		}
	case KindLeave, KindLeft:
	case KindUserJoined, KindUserLeft:
		if m.SessionID == "" {
			return fmt.Errorf("%s message missing sessionId", m.Kind)
		}
	case KindOffer, KindAnswer:
		if m.Description == nil {
			return fmt.Errorf("%s message missing data", m.Kind)
		}
	case KindICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%s message missing data", m.Kind)
		}
	case KindError:
		if m.Text == "" {
			return fmt.Errorf("error message missing message")
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownKind, m.Kind)
	}
	return nil
}

// ProtocolError is an error frame reported by the rendezvous service.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "server error: " + e.Message
}
