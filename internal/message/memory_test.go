package message

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestMemoryStore() (*MemoryStore, clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewMemoryStore(clock), clock
}

// ---------------------------------------------------------------------------
// Append
// ---------------------------------------------------------------------------

func TestMemoryStore_AppendTrimsAndInitialisesReadBy(t *testing.T) {
	s, _ := newTestMemoryStore()
	ctx := context.Background()

	msg, err := s.Append(ctx, "alice_bob", "alice", "  hi there  ")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if msg.Text != "hi there" {
		t.Errorf("expected trimmed text, got %q", msg.Text)
	}
	if msg.SenderID != "alice" {
		t.Errorf("expected sender alice, got %q", msg.SenderID)
	}
	if len(msg.ReadBy) != 1 || msg.ReadBy[0] != "alice" {
		t.Errorf("expected readBy [alice], got %v", msg.ReadBy)
	}
	if msg.ID == 0 {
		t.Error("expected a store-assigned id")
	}
}

func TestMemoryStore_AppendEmpty(t *testing.T) {
	s, _ := newTestMemoryStore()
	ctx := context.Background()

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := s.Append(ctx, "alice_bob", "alice", text); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("Append(%q): expected ErrEmptyMessage, got %v", text, err)
		}
	}
	msgs, _ := s.ListDescending(ctx, "alice_bob")
	if len(msgs) != 0 {
		t.Errorf("expected no messages stored, got %d", len(msgs))
	}
}

func TestMemoryStore_NewestIsFirst(t *testing.T) {
	s, clock := newTestMemoryStore()
	ctx := context.Background()

	// Several appends within the same clock instant, then one after an advance.
	var last Message
	for i := 0; i < 5; i++ {
		m, err := s.Append(ctx, "alice_bob", "alice", "same instant")
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if i > 0 && !m.CreatedAt.After(last.CreatedAt) {
			t.Fatalf("createdAt not strictly increasing: %v then %v", last.CreatedAt, m.CreatedAt)
		}
		last = m

		msgs, _ := s.ListDescending(ctx, "alice_bob")
		if msgs[0].ID != m.ID {
			t.Fatalf("expected newest append %d first, got %d", m.ID, msgs[0].ID)
		}
	}

	clock.Advance(time.Second)
	m, _ := s.Append(ctx, "alice_bob", "bob", "later")
	msgs, _ := s.ListDescending(ctx, "alice_bob")
	if msgs[0].ID != m.ID || msgs[0].Text != "later" {
		t.Errorf("expected %q first, got %q", "later", msgs[0].Text)
	}
	if len(msgs) != 6 {
		t.Errorf("expected 6 messages, got %d", len(msgs))
	}
}

func TestMemoryStore_ListStable(t *testing.T) {
	s, _ := newTestMemoryStore()
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		s.Append(ctx, "alice_bob", "alice", text)
	}
	first, _ := s.ListDescending(ctx, "alice_bob")
	second, _ := s.ListDescending(ctx, "alice_bob")
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated lists differ:\n%+v\n%+v", first, second)
	}

	m, _ := s.Append(ctx, "alice_bob", "bob", "d")
	third, _ := s.ListDescending(ctx, "alice_bob")
	if len(third) != len(second)+1 || third[0].ID != m.ID {
		t.Fatalf("expected exactly one new leading element, got %+v", third)
	}
	if !reflect.DeepEqual(third[1:], second) {
		t.Error("existing elements changed after append")
	}
}

func TestMemoryStore_ChannelsAreIsolated(t *testing.T) {
	s, _ := newTestMemoryStore()
	ctx := context.Background()

	s.Append(ctx, "alice_bob", "alice", "one")
	s.Append(ctx, "bob_carol", "carol", "two")

	msgs, _ := s.ListDescending(ctx, "alice_bob")
	if len(msgs) != 1 || msgs[0].Text != "one" {
		t.Errorf("unexpected alice_bob log: %+v", msgs)
	}
	msgs, _ = s.ListDescending(ctx, "nobody_here")
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("expected empty non-nil list, got %#v", msgs)
	}
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Append(ctx, "alice_bob", "alice", "x"); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, _ := s.ListDescending(ctx, "alice_bob")
	if len(msgs) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if !msgs[i-1].CreatedAt.After(msgs[i].CreatedAt) {
			t.Fatalf("list not strictly descending at %d", i)
		}
	}
}

// ---------------------------------------------------------------------------
// MarkRead
// ---------------------------------------------------------------------------

func TestMemoryStore_MarkReadIdempotent(t *testing.T) {
	s, _ := newTestMemoryStore()
	ctx := context.Background()

	m, _ := s.Append(ctx, "alice_bob", "alice", "hello")
	for i := 0; i < 3; i++ {
		if err := s.MarkRead(ctx, "alice_bob", m.ID, "bob"); err != nil {
			t.Fatalf("MarkRead: %v", err)
		}
	}

	msgs, _ := s.ListDescending(ctx, "alice_bob")
	got := msgs[0].ReadBy
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("expected readBy [alice bob], got %v", got)
	}
}

func TestMemoryStore_MarkReadUnknown(t *testing.T) {
	s, _ := newTestMemoryStore()
	ctx := context.Background()

	if err := s.MarkRead(ctx, "alice_bob", 42, "bob"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestMemoryStore_MarkReadBatchAllOrNothing(t *testing.T) {
	s, _ := newTestMemoryStore()
	ctx := context.Background()

	a, _ := s.Append(ctx, "alice_bob", "alice", "a")
	b, _ := s.Append(ctx, "alice_bob", "alice", "b")

	err := s.MarkReadBatch(ctx, "alice_bob", []int64{a.ID, 999, b.ID}, "bob")
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	msgs, _ := s.ListDescending(ctx, "alice_bob")
	for _, m := range msgs {
		if m.ReadByParticipant("bob") {
			t.Errorf("message %d marked despite failed batch", m.ID)
		}
	}

	if err := s.MarkReadBatch(ctx, "alice_bob", []int64{a.ID, b.ID}, "bob"); err != nil {
		t.Fatalf("MarkReadBatch: %v", err)
	}
	msgs, _ = s.ListDescending(ctx, "alice_bob")
	for _, m := range msgs {
		if !m.ReadByParticipant("bob") {
			t.Errorf("message %d not marked", m.ID)
		}
	}
}

func TestMemoryStore_ListReturnsCopies(t *testing.T) {
	s, _ := newTestMemoryStore()
	ctx := context.Background()

	s.Append(ctx, "alice_bob", "alice", "hello")
	msgs, _ := s.ListDescending(ctx, "alice_bob")
	msgs[0].ReadBy[0] = "mallory"

	again, _ := s.ListDescending(ctx, "alice_bob")
	if again[0].ReadBy[0] != "alice" {
		t.Error("caller mutation leaked into the store")
	}
}
