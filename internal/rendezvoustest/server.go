// Package rendezvoustest is an in-memory rendezvous service speaking the
// signaling wire protocol. It pairs up to MaxRoomSize participants per room
// and relays offers, answers and candidates between them.
package rendezvoustest

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xogh7882/webRTC-Demo/internal/signaling"
)

const writeWait = time.Second

type Options struct {
	// MaxRoomSize defaults to 2.
	MaxRoomSize int
	// OmitSessionIDs leaves sessionId out of joined frames.
	OmitSessionIDs bool
	// RejectJoin, if set, returns a non-empty reason to refuse a join.
	RejectJoin func(roomID string) string
	Logger     *slog.Logger
}

// Record is one frame a participant sent to the server.
type Record struct {
	From string
	Msg  signaling.Message
}

type Server struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*participant
	rooms   map[string]map[string]*participant
	records []Record
	joinedC chan string
}

type participant struct {
	id   string
	conn *websocket.Conn
	room string

	writeMu sync.Mutex
}

func New(opts Options) *Server {
	if opts.MaxRoomSize <= 0 {
		opts.MaxRoomSize = 2
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts: opts,
		log:  logger.With("component", "rendezvous"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:   make(map[string]*participant),
		rooms:   make(map[string]map[string]*participant),
		joinedC: make(chan string, 64),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &participant{id: uuid.NewString(), conn: conn}

	s.mu.Lock()
	s.conns[p.id] = p
	s.mu.Unlock()
	s.log.Info("participant connected", "session_id", p.id)

	defer func() {
		s.leave(p, false)
		s.mu.Lock()
		delete(s.conns, p.id)
		s.mu.Unlock()
		_ = conn.Close()
		s.log.Info("participant disconnected", "session_id", p.id)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := signaling.Decode(data)
		if err != nil {
			s.log.Warn("bad frame", "session_id", p.id, "err", err)
			if !errors.Is(err, signaling.ErrUnknownKind) {
				p.send(signaling.Message{Kind: signaling.KindError, Text: "message processing failed: " + err.Error()})
			}
			continue
		}

		s.mu.Lock()
		s.records = append(s.records, Record{From: p.id, Msg: msg})
		s.mu.Unlock()

		switch msg.Kind {
		case signaling.KindJoin:
			s.join(p, msg.RoomID)
		case signaling.KindLeave:
			s.leave(p, true)
		case signaling.KindOffer, signaling.KindAnswer, signaling.KindICECandidate:
			s.relay(p, msg)
		default:
			p.send(signaling.Message{Kind: signaling.KindError, Text: "unexpected message " + string(msg.Kind)})
		}
	}
}

func (s *Server) join(p *participant, roomID string) {
	if s.opts.RejectJoin != nil {
		if reason := s.opts.RejectJoin(roomID); reason != "" {
			p.send(signaling.Message{Kind: signaling.KindError, Text: reason})
			return
		}
	}

	s.mu.Lock()
	if p.room != "" {
		s.mu.Unlock()
		p.send(signaling.Message{Kind: signaling.KindError, Text: "already in room " + p.room})
		return
	}
	members := s.rooms[roomID]
	if len(members) >= s.opts.MaxRoomSize {
		s.mu.Unlock()
		p.send(signaling.Message{Kind: signaling.KindError, Text: "room is full"})
		return
	}
	if members == nil {
		members = make(map[string]*participant)
		s.rooms[roomID] = members
	}
	others := peersOf(members, p.id)
	members[p.id] = p
	p.room = roomID
	s.mu.Unlock()

	joined := signaling.Message{Kind: signaling.KindJoined, RoomID: roomID}
	if !s.opts.OmitSessionIDs {
		joined.SessionID = p.id
	}
	p.send(joined)
	for _, o := range others {
		o.send(signaling.Message{Kind: signaling.KindUserJoined, SessionID: p.id})
	}
	s.log.Info("participant joined", "session_id", p.id, "room_id", roomID, "members", len(others)+1)

	select {
	case s.joinedC <- p.id:
	default:
	}
}

func (s *Server) leave(p *participant, ack bool) {
	s.mu.Lock()
	roomID := p.room
	var others []*participant
	if roomID != "" {
		members := s.rooms[roomID]
		delete(members, p.id)
		if len(members) == 0 {
			delete(s.rooms, roomID)
		}
		others = peersOf(members, p.id)
		p.room = ""
	}
	s.mu.Unlock()

	for _, o := range others {
		o.send(signaling.Message{Kind: signaling.KindUserLeft, SessionID: p.id})
	}
	if ack {
		p.send(signaling.Message{Kind: signaling.KindLeft, SessionID: p.id})
	}
}

func (s *Server) relay(p *participant, msg signaling.Message) {
	s.mu.Lock()
	roomID := p.room
	others := peersOf(s.rooms[roomID], p.id)
	s.mu.Unlock()

	if roomID == "" {
		p.send(signaling.Message{Kind: signaling.KindError, Text: "not in a room"})
		return
	}
	for _, o := range others {
		o.send(msg)
	}
}

func peersOf(members map[string]*participant, self string) []*participant {
	out := make([]*participant, 0, len(members))
	for id, m := range members {
		if id != self {
			out = append(out, m)
		}
	}
	return out
}

func (p *participant) send(msg signaling.Message) {
	data, err := signaling.Encode(msg)
	if err != nil {
		return
	}
	p.writeRaw(data)
}

func (p *participant) writeRaw(data []byte) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = p.conn.WriteMessage(websocket.TextMessage, data)
}

// Records returns every frame received so far, in arrival order.
func (s *Server) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Joined yields participant ids as their joins succeed.
func (s *Server) Joined() <-chan string {
	return s.joinedC
}

// Participants is the number of open connections.
func (s *Server) Participants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Inject writes raw to every open connection. Tests use it to deliver frames
// a well-behaved peer would never send.
func (s *Server) Inject(raw []byte) {
	s.mu.Lock()
	targets := make([]*participant, 0, len(s.conns))
	for _, p := range s.conns {
		targets = append(targets, p)
	}
	s.mu.Unlock()
	for _, p := range targets {
		p.writeRaw(raw)
	}
}

// Drop closes every open connection without a close frame.
func (s *Server) Drop() {
	s.mu.Lock()
	targets := make([]*participant, 0, len(s.conns))
	for _, p := range s.conns {
		targets = append(targets, p)
	}
	s.mu.Unlock()
	for _, p := range targets {
		_ = p.conn.Close()
	}
}
