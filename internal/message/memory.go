package message

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryStore keeps channel logs in process memory.
type MemoryStore struct {
	clock clockwork.Clock

	mu       sync.Mutex
	nextID   int64
	channels map[string]*memoryLog
}

type memoryLog struct {
	last time.Time
	msgs []Message // insertion order
}

// NewMemoryStore creates an empty store. A nil clock uses the real clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:    clock,
		channels: make(map[string]*memoryLog),
	}
}

func (s *MemoryStore) Append(ctx context.Context, channelID, senderID, text string) (Message, error) {
	text, err := Normalize(text)
	if err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.channels[channelID]
	if !ok {
		log = &memoryLog{}
		s.channels[channelID] = log
	}

	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	if !now.After(log.last) {
		now = log.last.Add(time.Microsecond)
	}
	log.last = now

	s.nextID++
	msg := Message{
		ID:        s.nextID,
		Text:      text,
		SenderID:  senderID,
		CreatedAt: now,
		ReadBy:    []string{senderID},
	}
	log.msgs = append(log.msgs, msg)
	return cloneMessage(msg), nil
}

func (s *MemoryStore) ListDescending(ctx context.Context, channelID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	log, ok := s.channels[channelID]
	var out []Message
	if ok {
		out = make([]Message, len(log.msgs))
		for i, m := range log.msgs {
			out[i] = cloneMessage(m)
		}
	}
	s.mu.Unlock()

	if out == nil {
		return []Message{}, nil
	}
	SortDescending(out)
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, channelID string, messageID int64, readerID string) error {
	return s.MarkReadBatch(ctx, channelID, []int64{messageID}, readerID)
}

func (s *MemoryStore) MarkReadBatch(ctx context.Context, channelID string, messageIDs []int64, readerID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.channels[channelID]
	if !ok {
		return ErrMessageNotFound
	}
	idx := make([]int, 0, len(messageIDs))
	for _, id := range messageIDs {
		i := slices.IndexFunc(log.msgs, func(m Message) bool { return m.ID == id })
		if i < 0 {
			return ErrMessageNotFound
		}
		idx = append(idx, i)
	}
	for _, i := range idx {
		log.msgs[i].ReadBy, _ = addReader(log.msgs[i].ReadBy, readerID)
	}
	return nil
}

func cloneMessage(m Message) Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	return m
}
