package room

import (
	"reflect"
	"testing"

	"github.com/xogh7882/webRTC-Demo/internal/signaling"
)

func TestRoom_MembershipFlow(t *testing.T) {
	r := New("room123", nil)

	if got := r.JoinMessage(); got.Kind != signaling.KindJoin || got.RoomID != "room123" {
		t.Fatalf("join message=%+v", got)
	}

	// A peer announced before our own confirmation does not make us offer.
	if got := r.Apply(signaling.Message{Kind: signaling.KindUserJoined, SessionID: "early"}); got != ActionNone {
		t.Fatalf("action=%s, want none", got)
	}

	if got := r.Apply(signaling.Message{Kind: signaling.KindJoined, RoomID: "room123", SessionID: "self"}); got != ActionJoined {
		t.Fatalf("action=%s, want joined", got)
	}
	if !r.Joined() || r.SelfID() != "self" {
		t.Fatalf("joined=%v self=%q", r.Joined(), r.SelfID())
	}

	if got := r.Apply(signaling.Message{Kind: signaling.KindUserJoined, SessionID: "bob"}); got != ActionStartOffer {
		t.Fatalf("action=%s, want start-offer", got)
	}
	if got, want := r.Members(), []string{"bob", "early"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("members=%v, want %v", got, want)
	}

	if got := r.Apply(signaling.Message{Kind: signaling.KindUserLeft, SessionID: "bob"}); got != ActionPeerLeft {
		t.Fatalf("action=%s, want peer-left", got)
	}
	if got, want := r.Members(), []string{"early"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("members=%v, want %v", got, want)
	}

	if got := r.LeaveMessage(); got.Kind != signaling.KindLeave {
		t.Fatalf("leave message=%+v", got)
	}
	if got := r.Apply(signaling.Message{Kind: signaling.KindLeft}); got != ActionLeft {
		t.Fatalf("action=%s, want left", got)
	}
	if r.Joined() || len(r.Members()) != 0 {
		t.Fatalf("joined=%v members=%v after left", r.Joined(), r.Members())
	}
}

func TestRoom_IgnoresSelfAndOtherKinds(t *testing.T) {
	r := New("room123", nil)
	r.Apply(signaling.Message{Kind: signaling.KindJoined, RoomID: "room123", SessionID: "self"})

	if got := r.Apply(signaling.Message{Kind: signaling.KindUserJoined, SessionID: "self"}); got != ActionNone {
		t.Fatalf("action=%s, want none for own announcement", got)
	}
	if got := r.Apply(signaling.Message{Kind: signaling.KindOffer}); got != ActionNone {
		t.Fatalf("action=%s, want none for offer", got)
	}
	if len(r.Members()) != 0 {
		t.Fatalf("members=%v, want empty", r.Members())
	}
}

func TestRoom_JoinedWithoutSessionID(t *testing.T) {
	r := New("room123", nil)
	if got := r.Apply(signaling.Message{Kind: signaling.KindJoined, RoomID: "room123"}); got != ActionJoined {
		t.Fatalf("action=%s, want joined", got)
	}
	if r.SelfID() != "" {
		t.Fatalf("self=%q, want empty", r.SelfID())
	}
	if got := r.Apply(signaling.Message{Kind: signaling.KindUserJoined, SessionID: "bob"}); got != ActionStartOffer {
		t.Fatalf("action=%s, want start-offer", got)
	}
}
