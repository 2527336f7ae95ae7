package live

import (
	"context"
	"sync"
)

// ChangeKind names the mutation that produced a ChangeEvent.
type ChangeKind string

const (
	ChangeAppend ChangeKind = "append"
	ChangeRead   ChangeKind = "read"
)

// ChangeEvent announces that a channel log was mutated.
type ChangeEvent struct {
	ChannelID  string     `json:"channel_id"`
	Kind       ChangeKind `json:"kind"`
	MessageIDs []int64    `json:"message_ids,omitempty"`
}

// Feed delivers change notifications for a channel. notify must not block;
// the engine only uses it to wake a handle.
type Feed interface {
	Watch(channelID string, notify func()) (stop func(), err error)
}

// Publisher announces log mutations to a Feed.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// Hub is an in-process Feed and Publisher.
type Hub struct {
	mu       sync.Mutex
	nextID   uint64
	watchers map[string]map[uint64]func()
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[uint64]func())}
}

func (h *Hub) Watch(channelID string, notify func()) (func(), error) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	ws, ok := h.watchers[channelID]
	if !ok {
		ws = make(map[uint64]func())
		h.watchers[channelID] = ws
	}
	ws[id] = notify
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.watchers[channelID], id)
			if len(h.watchers[channelID]) == 0 {
				delete(h.watchers, channelID)
			}
		})
	}, nil
}

func (h *Hub) Publish(_ context.Context, ev ChangeEvent) error {
	for _, notify := range h.snapshot(ev.ChannelID) {
		notify()
	}
	return nil
}

// PokeAll wakes every watcher on every channel. Transports call it after a
// reconnect so views resync with the log.
func (h *Hub) PokeAll() {
	for _, notify := range h.snapshot("") {
		notify()
	}
}

// Watchers returns the number of active watchers for a channel.
func (h *Hub) Watchers(channelID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[channelID])
}

// snapshot copies the watchers of one channel, or of all channels when
// channelID is empty.
func (h *Hub) snapshot(channelID string) []func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []func()
	for ch, ws := range h.watchers {
		if channelID != "" && ch != channelID {
			continue
		}
		for _, fn := range ws {
			out = append(out, fn)
		}
	}
	return out
}
