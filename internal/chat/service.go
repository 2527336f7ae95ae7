// Package chat is the entry point of the chat core. A Service sends messages
// and opens live subscriptions; a View bundles one participant's open channel
// with its trial timer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/yanyu/chat-core/internal/channel"
	"github.com/yanyu/chat-core/internal/friends"
	"github.com/yanyu/chat-core/internal/live"
	"github.com/yanyu/chat-core/internal/message"
	"github.com/yanyu/chat-core/internal/metrics"
	"github.com/yanyu/chat-core/internal/notify"
	"github.com/yanyu/chat-core/internal/trial"
)

var (
	// ErrSendBlocked is returned when the view's trial has locked.
	ErrSendBlocked = errors.New("chat: send blocked by trial")

	// ErrNotFriends is returned when opening a channel with a non-friend.
	ErrNotFriends = errors.New("chat: participants are not friends")
)

// notifyTimeout bounds one asynchronous push attempt.
const notifyTimeout = 10 * time.Second

// Deps are the collaborators of a Service. Store and Engine are required.
type Deps struct {
	Store      message.Store
	Engine     *live.Engine
	Dispatcher notify.Dispatcher // nil disables push notifications
	Directory  notify.Directory  // nil disables push notifications
	Friends    friends.Directory // nil allows any pair
	Trial      trial.Config
	Clock      clockwork.Clock
}

// Service implements the exposed chat operations.
type Service struct {
	store      message.Store
	engine     *live.Engine
	dispatcher notify.Dispatcher
	directory  notify.Directory
	friends    friends.Directory
	trialCfg   trial.Config
	clock      clockwork.Clock

	mu       sync.Mutex // guards closed and inflight.Add
	closed   bool
	inflight sync.WaitGroup
}

// NewService wires a Service from its dependencies.
func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Trial == (trial.Config{}) {
		d.Trial = trial.DefaultConfig()
	}
	return &Service{
		store:      d.Store,
		engine:     d.Engine,
		dispatcher: d.Dispatcher,
		directory:  d.Directory,
		friends:    d.Friends,
		trialCfg:   d.Trial,
		clock:      d.Clock,
	}
}

// ResolveChannel returns the channel id shared by a and b.
func (s *Service) ResolveChannel(a, b string) (string, error) {
	return channel.Resolve(a, b)
}

// SendMessage appends text to the channel and, on success, notifies the peer
// in the background. It does not consult any trial; View.Send does.
func (s *Service) SendMessage(ctx context.Context, channelID, senderID, text string) (message.Message, error) {
	peer, err := channel.Peer(channelID, senderID)
	if err != nil {
		return message.Message{}, fmt.Errorf("chat: send: %w", err)
	}
	text, err = message.Normalize(text)
	if err != nil {
		return message.Message{}, err
	}

	start := time.Now()
	m, err := s.store.Append(ctx, channelID, senderID, text)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Printf("[chat] append %s from %s: %v", channelID, senderID, err)
		return message.Message{}, fmt.Errorf("chat: send: %w", err)
	}
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	s.notifyPeer(channelID, peer, m)
	return m, nil
}

// Subscribe opens a live handle on channelID for selfID.
func (s *Service) Subscribe(ctx context.Context, channelID, selfID string, onUpdate func(live.View)) (*live.Handle, error) {
	return s.engine.Open(ctx, channelID, selfID, onUpdate)
}

// Unsubscribe closes h. Safe to call with nil or an already closed handle.
func (s *Service) Unsubscribe(h *live.Handle) {
	if h != nil {
		h.Close()
	}
}

// Wait blocks until every in-flight notification attempt has finished. It
// must not race with SendMessage; use Close on shutdown.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// Close stops starting new notifications and waits for the in-flight ones.
// Messages sent afterwards are still stored, without a push. Safe to call
// concurrently with SendMessage and more than once.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.inflight.Wait()
}

func (s *Service) notifyPeer(channelID, peer string, m message.Message) {
	if s.dispatcher == nil || s.directory == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Printf("[chat] closed, skipping notification for message %d", m.ID)
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := s.dispatchPush(ctx, channelID, peer, m); err != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			log.Printf("[chat] notify %s about message %d: %v", peer, m.ID, err)
		}
	}()
}

func (s *Service) dispatchPush(ctx context.Context, channelID, peer string, m message.Message) error {
	token, err := s.directory.PushToken(ctx, peer)
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}
	title, err := s.directory.DisplayName(ctx, m.SenderID)
	if err != nil || title == "" {
		title = m.SenderID
	}
	return s.dispatcher.Dispatch(ctx, notify.Notification{
		Token: token,
		Title: title,
		Body:  m.Text,
		Data: map[string]string{
			"channel_id": channelID,
			"sender_id":  m.SenderID,
			"message_id": strconv.FormatInt(m.ID, 10),
		},
	})
}
