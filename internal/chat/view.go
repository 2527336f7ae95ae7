package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/yanyu/chat-core/internal/channel"
	"github.com/yanyu/chat-core/internal/live"
	"github.com/yanyu/chat-core/internal/message"
	"github.com/yanyu/chat-core/internal/metrics"
	"github.com/yanyu/chat-core/internal/trial"
)

// ViewOptions configures an open channel view.
type ViewOptions struct {
	// OnUpdate receives every live snapshot of the channel.
	OnUpdate func(live.View)

	// OnTrial receives every trial tick and subscribe event.
	OnTrial func(trial.Event)

	// ManualTrial leaves the trial timer stopped; the caller drives it with
	// View.Tick.
	ManualTrial bool
}

// View is one participant's open channel: a live subscription plus the trial
// timer gating sends from it. Close releases both.
type View struct {
	svc       *Service
	channelID string
	self      string
	peer      string

	handle *live.Handle
	timer  *trial.Timer

	closeOnce sync.Once
}

// OpenView opens the channel between self and peer.
func (s *Service) OpenView(ctx context.Context, self, peer string, opts ViewOptions) (*View, error) {
	channelID, err := channel.Resolve(self, peer)
	if err != nil {
		return nil, fmt.Errorf("chat: open view: %w", err)
	}
	if s.friends != nil {
		ok, err := s.friends.AreFriends(ctx, self, peer)
		if err != nil {
			return nil, fmt.Errorf("chat: open view: %w", err)
		}
		if !ok {
			return nil, ErrNotFriends
		}
	}

	onTrial := opts.OnTrial
	timer := trial.NewTimer(s.trialCfg, s.clock, func(ev trial.Event) {
		if ev.Transitioned() {
			metrics.TrialTransitions.WithLabelValues(string(ev.State.Phase)).Inc()
		}
		if onTrial != nil {
			onTrial(ev)
		}
	})

	h, err := s.Subscribe(ctx, channelID, self, opts.OnUpdate)
	if err != nil {
		return nil, fmt.Errorf("chat: open view: %w", err)
	}
	if !opts.ManualTrial {
		timer.Start()
	}
	metrics.OpenViews.Inc()

	return &View{
		svc:       s,
		channelID: channelID,
		self:      self,
		peer:      peer,
		handle:    h,
		timer:     timer,
	}, nil
}

func (v *View) ChannelID() string { return v.channelID }
func (v *View) Self() string      { return v.self }
func (v *View) Peer() string      { return v.peer }

// LastError returns the subscription's most recent error.
func (v *View) LastError() error { return v.handle.LastError() }

// CheckSend reports why Send would reject text without touching the store:
// ErrEmptyMessage for blank text, then ErrSendBlocked for a locked trial.
func (v *View) CheckSend(text string) error {
	if strings.TrimSpace(text) == "" {
		return message.ErrEmptyMessage
	}
	if !v.timer.Session().CanSend() {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		return ErrSendBlocked
	}
	return nil
}

// Send posts text if the trial allows it. Blank text is rejected before the
// trial is consulted; a locked trial never reaches the store.
func (v *View) Send(ctx context.Context, text string) (message.Message, error) {
	if err := v.CheckSend(text); err != nil {
		return message.Message{}, err
	}
	return v.svc.SendMessage(ctx, v.channelID, v.self, text)
}

// Tick advances the trial by one second.
func (v *View) Tick() trial.State { return v.timer.Tick() }

// SubscribeTrial records the subscribe action and lifts the lock.
func (v *View) SubscribeTrial() trial.State { return v.timer.Subscribe() }

// Trial returns the current trial state.
func (v *View) Trial() trial.State { return v.timer.State() }

// Close stops the trial timer and the live subscription together. Safe to
// call more than once; must not be called from OnUpdate or OnTrial.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.timer.Stop()
		v.svc.Unsubscribe(v.handle)
		metrics.OpenViews.Dec()
	})
}
