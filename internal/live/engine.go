// Package live keeps an open channel view in step with the message log. Each
// open handle reads a full snapshot whenever its Feed reports a change, marks
// everything the viewer has not yet read in one batch, and hands the result
// to the caller.
package live

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/yanyu/chat-core/internal/channel"
	"github.com/yanyu/chat-core/internal/message"
	"github.com/yanyu/chat-core/internal/metrics"
)

// ErrClosed is returned by operations on a closed handle.
var ErrClosed = errors.New("live: handle closed")

// Engine opens live handles over a store and a change feed.
type Engine struct {
	store message.Store
	feed  Feed
}

// NewEngine creates an engine. Mutations must reach feed for handles to
// observe them; wrap store in a NotifyingStore over the same transport.
func NewEngine(store message.Store, feed Feed) *Engine {
	return &Engine{store: store, feed: feed}
}

// Handle is a standing subscription to one channel. Every Open must be
// paired with exactly one Close.
type Handle struct {
	store     message.Store
	channelID string
	selfID    string
	peerID    string
	onUpdate  func(View)

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	stop   func()

	closeOnce sync.Once
	gen       uint64

	errMu   sync.Mutex
	lastErr error
}

// Open attaches to channelID on behalf of selfID. onUpdate receives every
// snapshot in order from a single goroutine. The handle outlives ctx; only
// Close ends it.
func (e *Engine) Open(ctx context.Context, channelID, selfID string, onUpdate func(View)) (*Handle, error) {
	peerID, err := channel.Peer(channelID, selfID)
	if err != nil {
		return nil, fmt.Errorf("live: open %s: %w", channelID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		store:     e.store,
		channelID: channelID,
		selfID:    selfID,
		peerID:    peerID,
		onUpdate:  onUpdate,
		ctx:       hctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	stop, err := e.feed.Watch(channelID, h.poke)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("live: open %s: %w", channelID, err)
	}
	h.stop = stop

	h.poke()
	go h.run()
	return h, nil
}

// ChannelID returns the channel this handle follows.
func (h *Handle) ChannelID() string { return h.channelID }

// LastError returns the error from the most recent snapshot, or nil if it
// read and marked cleanly.
func (h *Handle) LastError() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.lastErr
}

// Refresh schedules a snapshot outside the feed.
func (h *Handle) Refresh() error {
	if h.ctx.Err() != nil {
		return ErrClosed
	}
	h.poke()
	return nil
}

// Close stops the feed watch and waits for the delivery goroutine to exit.
// No onUpdate call starts after Close returns. Safe to call more than once,
// but not from inside onUpdate.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.stop()
	})
	<-h.done
}

// poke wakes the delivery goroutine. Pending wakeups coalesce.
func (h *Handle) poke() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Handle) run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.wake:
		}
		h.refresh()
	}
}

func (h *Handle) refresh() {
	msgs, err := h.store.ListDescending(h.ctx, h.channelID)
	if h.ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Printf("[live] snapshot %s for %s: %v", h.channelID, h.selfID, err)
		h.setErr(err)
		h.deliver(View{ChannelID: h.channelID, SelfID: h.selfID, PeerID: h.peerID, Err: err})
		return
	}

	var unread []int64
	for _, m := range msgs {
		if !m.ReadByParticipant(h.selfID) {
			unread = append(unread, m.ID)
		}
	}

	var markErr error
	if len(unread) > 0 {
		markErr = h.store.MarkReadBatch(h.ctx, h.channelID, unread, h.selfID)
		if h.ctx.Err() != nil {
			return
		}
		if markErr != nil {
			log.Printf("[live] mark read %s for %s: %v", h.channelID, h.selfID, markErr)
			metrics.ReceiptsMarked.WithLabelValues("failed").Add(float64(len(unread)))
		} else {
			for i := range msgs {
				if !msgs[i].ReadByParticipant(h.selfID) {
					msgs[i].ReadBy = append(msgs[i].ReadBy, h.selfID)
				}
			}
			metrics.ReceiptsMarked.WithLabelValues("marked").Add(float64(len(unread)))
			unread = nil
		}
	}
	h.setErr(markErr)

	h.deliver(View{
		ChannelID: h.channelID,
		SelfID:    h.selfID,
		PeerID:    h.peerID,
		Messages:  msgs,
		Unread:    len(unread),
	})
}

func (h *Handle) deliver(v View) {
	if h.ctx.Err() != nil {
		return
	}
	h.gen++
	v.Generation = h.gen
	if h.onUpdate != nil {
		h.onUpdate(v)
	}
}

func (h *Handle) setErr(err error) {
	h.errMu.Lock()
	h.lastErr = err
	h.errMu.Unlock()
}
