package channel

import (
	"errors"
	"fmt"
	"testing"
)

func TestResolve_OrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"U1", "U2"},
		{"zz", "aa"},
		{"kXq9mP2", "kXq9mP"},
		{"A", "a"},
	}
	for _, p := range pairs {
		ab, err := Resolve(p[0], p[1])
		if err != nil {
			t.Fatalf("Resolve(%q,%q) error: %v", p[0], p[1], err)
		}
		ba, err := Resolve(p[1], p[0])
		if err != nil {
			t.Fatalf("Resolve(%q,%q) error: %v", p[1], p[0], err)
		}
		if ab != ba {
			t.Errorf("Resolve not order independent: %q vs %q", ab, ba)
		}
	}
}

func TestResolve_Format(t *testing.T) {
	id, err := Resolve("bob", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "alice_bob" {
		t.Errorf("expected %q, got %q", "alice_bob", id)
	}
}

func TestResolve_SelfChannelRejected(t *testing.T) {
	for i := 0; i < 20; i++ {
		x := fmt.Sprintf("user-%d", i)
		_, err := Resolve(x, x)
		if !errors.Is(err, ErrInvalidParticipants) {
			t.Errorf("Resolve(%q,%q): expected ErrInvalidParticipants, got %v", x, x, err)
		}
	}
}

func TestResolve_MalformedIDs(t *testing.T) {
	cases := []struct {
		a, b string
	}{
		{"", "bob"},
		{"alice", ""},
		{"al_ice", "bob"},
		{"alice", "b_ob"},
	}
	for _, tc := range cases {
		if _, err := Resolve(tc.a, tc.b); !errors.Is(err, ErrInvalidParticipants) {
			t.Errorf("Resolve(%q,%q): expected ErrInvalidParticipants, got %v", tc.a, tc.b, err)
		}
	}
}

func TestParticipantsRoundTrip(t *testing.T) {
	id, _ := Resolve("U2", "U1")
	a, b, err := Participants(id)
	if err != nil {
		t.Fatalf("Participants(%q) error: %v", id, err)
	}
	if a != "U1" || b != "U2" {
		t.Errorf("expected (U1,U2), got (%s,%s)", a, b)
	}
}

func TestParticipants_Invalid(t *testing.T) {
	for _, id := range []string{"", "nosep", "_b", "a_", "b_a", "a_a", "a_b_c"} {
		if _, _, err := Participants(id); !errors.Is(err, ErrInvalidParticipants) {
			t.Errorf("Participants(%q): expected ErrInvalidParticipants, got %v", id, err)
		}
	}
}

func TestPeer(t *testing.T) {
	id, _ := Resolve("alice", "bob")

	peer, err := Peer(id, "alice")
	if err != nil || peer != "bob" {
		t.Errorf("Peer(alice) = %q, %v; want bob", peer, err)
	}
	peer, err = Peer(id, "bob")
	if err != nil || peer != "alice" {
		t.Errorf("Peer(bob) = %q, %v; want alice", peer, err)
	}
	if _, err := Peer(id, "carol"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Peer(carol): expected ErrNotParticipant, got %v", err)
	}
}

func TestIsParticipant(t *testing.T) {
	id, _ := Resolve("alice", "bob")
	if !IsParticipant(id, "alice") || !IsParticipant(id, "bob") {
		t.Error("expected alice and bob to be participants")
	}
	if IsParticipant(id, "carol") {
		t.Error("carol should not be a participant")
	}
	if IsParticipant("garbage", "garbage") {
		t.Error("malformed channel id should have no participants")
	}
}
