// Package gateway binds WebSocket connections to the chat core. Each
// connection has an identity session and a set of open channel views; frames
// from the client are turned into view operations and every snapshot and
// trial event is pushed back over the socket.
package gateway

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/yanyu/chat-core/internal/channel"
	"github.com/yanyu/chat-core/internal/chat"
	"github.com/yanyu/chat-core/internal/identity"
	"github.com/yanyu/chat-core/internal/live"
	"github.com/yanyu/chat-core/internal/message"
	"github.com/yanyu/chat-core/internal/protocol"
	"github.com/yanyu/chat-core/internal/ratelimit"
	"github.com/yanyu/chat-core/internal/trial"
	"github.com/yanyu/chat-core/internal/ws"
)

// Channel close reasons.
const (
	ReasonClosed          = "closed"
	ReasonIdentityChanged = "identity_changed"
)

// Sender writes a frame to a connection. *ws.Server implements it.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Verifier maps a token to a participant. *identity.JWTVerifier implements it.
type Verifier interface {
	Verify(token string) (string, error)
}

// Limiter throttles actions per participant. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// SessionRecorder persists the participant of a connection. *session.Store
// implements it.
type SessionRecorder interface {
	SetParticipant(ctx context.Context, sessionID, participant string) error
}

// Config tunes a Gateway.
type Config struct {
	// RequestTimeout bounds each store operation started by a frame.
	RequestTimeout time.Duration

	// ManualTrial leaves view trial timers stopped.
	ManualTrial bool
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{RequestTimeout: 5 * time.Second}
}

// Options carries the optional collaborators of a Gateway.
type Options struct {
	Verifier Verifier        // nil rejects every authenticate frame
	Limiter  Limiter         // nil disables throttling
	Sessions SessionRecorder // nil skips session bookkeeping
}

// Gateway holds the state of every connected client.
type Gateway struct {
	cfg    Config
	svc    *chat.Service
	sender Sender
	opts   Options

	mu    sync.Mutex
	conns map[string]*connState
}

type connState struct {
	id       string
	identity *identity.Session
	unlisten func()

	mu    sync.Mutex
	views map[string]*openView
}

type openView struct {
	view  *chat.View
	ready chan struct{} // closed once channel_opened has been written
}

// New creates a Gateway that sends frames through sender.
func New(cfg Config, svc *chat.Service, sender Sender, opts Options) *Gateway {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Gateway{
		cfg:    cfg,
		svc:    svc,
		sender: sender,
		opts:   opts,
		conns:  make(map[string]*connState),
	}
}

// Register installs the gateway's handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeAuthenticate, func(c *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.AuthenticateMsg); ok {
			g.Authenticate(c.ID, m)
		}
	})
	d.Register(protocol.TypeSignOut, func(c *ws.Connection, msg interface{}) {
		g.SignOut(c.ID)
	})
	d.Register(protocol.TypeOpenChannel, func(c *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.OpenChannelMsg); ok {
			g.OpenChannel(c.ID, m)
		}
	})
	d.Register(protocol.TypeCloseChannel, func(c *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.CloseChannelMsg); ok {
			g.CloseChannel(c.ID, m)
		}
	})
	d.Register(protocol.TypeMessage, func(c *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.ChatMsg); ok {
			g.Send(c.ID, m)
		}
	})
	d.Register(protocol.TypeSubscribeTrial, func(c *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.SubscribeTrialMsg); ok {
			g.SubscribeTrial(c.ID, m)
		}
	})
}

// Connect registers a connection. participant is the identity proven at
// upgrade, or empty.
func (g *Gateway) Connect(connID, participant string) {
	cs := &connState{
		id:       connID,
		identity: identity.NewSession(),
		views:    make(map[string]*openView),
	}
	cs.identity.SignIn(participant)
	cs.unlisten = cs.identity.OnChange(func(p string, signedIn bool) {
		g.identityChanged(cs, p)
	})

	g.mu.Lock()
	g.conns[connID] = cs
	g.mu.Unlock()
}

// Disconnect closes every view of the connection and forgets it.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	cs, ok := g.conns[connID]
	delete(g.conns, connID)
	g.mu.Unlock()
	if !ok {
		return
	}
	cs.unlisten()
	for _, ov := range cs.takeViews() {
		ov.view.Close()
	}
}

// Views returns the ids of the connection's open channels.
func (g *Gateway) Views(connID string) []string {
	cs := g.state(connID)
	if cs == nil {
		return nil
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ids := make([]string, 0, len(cs.views))
	for id := range cs.views {
		ids = append(ids, id)
	}
	return ids
}

func (g *Gateway) state(connID string) *connState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[connID]
}

func (cs *connState) takeViews() []*openView {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]*openView, 0, len(cs.views))
	for id, ov := range cs.views {
		out = append(out, ov)
		delete(cs.views, id)
	}
	return out
}

func (cs *connState) view(channelID string) *openView {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.views[channelID]
}

// identityChanged closes the views opened under the previous identity.
func (g *Gateway) identityChanged(cs *connState, participant string) {
	for _, ov := range cs.takeViews() {
		ov.view.Close()
		g.send(cs.id, protocol.TypeChannelClosed, protocol.ChannelClosedMsg{
			ChannelID: ov.view.ChannelID(),
			Reason:    ReasonIdentityChanged,
		})
	}

	if g.opts.Sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.RequestTimeout)
		defer cancel()
		if err := g.opts.Sessions.SetParticipant(ctx, cs.id, participant); err != nil {
			log.Printf("[gateway] session update conn=%s: %v", cs.id, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

// Authenticate signs the connection in as the token's participant.
func (g *Gateway) Authenticate(connID string, m protocol.AuthenticateMsg) {
	cs := g.state(connID)
	if cs == nil {
		return
	}
	if g.opts.Verifier == nil {
		g.sendError(connID, protocol.CodeUnauthenticated, "authentication is not configured")
		return
	}
	participant, err := g.opts.Verifier.Verify(m.Token)
	if err != nil {
		log.Printf("[gateway] authenticate conn=%s: %v", connID, err)
		g.sendError(connID, protocol.CodeUnauthenticated, "invalid token")
		return
	}
	cs.identity.SignIn(participant)
	g.send(connID, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{Participant: participant})
}

// SignOut clears the connection's identity.
func (g *Gateway) SignOut(connID string) {
	cs := g.state(connID)
	if cs == nil {
		return
	}
	cs.identity.SignOut()
	g.send(connID, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{})
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// OpenChannel opens the channel with m.PeerID. Reopening an open channel
// repeats channel_opened without creating a second view.
func (g *Gateway) OpenChannel(connID string, m protocol.OpenChannelMsg) {
	cs := g.state(connID)
	if cs == nil {
		return
	}
	self, ok := cs.identity.Current()
	if !ok {
		g.sendError(connID, protocol.CodeUnauthenticated, "sign in first")
		return
	}

	channelID, err := channel.Resolve(self, m.PeerID)
	if err != nil {
		g.sendError(connID, protocol.CodeInvalidChannel, err.Error())
		return
	}
	if ov := cs.view(channelID); ov != nil {
		g.sendOpened(connID, ov.view)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.RequestTimeout)
	defer cancel()

	if !g.allow(ctx, connID, self, ratelimit.RuleOpenChannel) {
		return
	}

	ready := make(chan struct{})
	v, err := g.svc.OpenView(ctx, self, m.PeerID, chat.ViewOptions{
		OnUpdate: func(view live.View) {
			<-ready
			g.send(connID, protocol.TypeSnapshot, snapshotMsg(view))
		},
		OnTrial: func(ev trial.Event) {
			<-ready
			g.send(connID, protocol.TypeTrialState, trialMsg(channelID, ev))
		},
		ManualTrial: g.cfg.ManualTrial,
	})
	if err != nil {
		close(ready)
		code := protocol.CodeInternal
		if errors.Is(err, chat.ErrNotFriends) {
			code = protocol.CodeNotFriends
		}
		log.Printf("[gateway] open_channel conn=%s peer=%q: %v", connID, m.PeerID, err)
		g.sendError(connID, code, err.Error())
		return
	}

	// Frames of one connection are handled one at a time, so only a
	// disconnect or identity change can race with the open.
	cs.mu.Lock()
	current, _ := cs.identity.Current()
	if current != self || g.state(connID) != cs {
		cs.mu.Unlock()
		close(ready)
		v.Close()
		return
	}
	cs.views[channelID] = &openView{view: v, ready: ready}
	cs.mu.Unlock()

	g.sendOpened(connID, v)
	close(ready)
	log.Printf("[gateway] channel opened conn=%s channel=%s", connID, channelID)
}

func (g *Gateway) sendOpened(connID string, v *chat.View) {
	st := v.Trial()
	g.send(connID, protocol.TypeChannelOpened, protocol.ChannelOpenedMsg{
		ChannelID: v.ChannelID(),
		PeerID:    v.Peer(),
		Trial:     trialMsg(v.ChannelID(), trial.Event{Prev: st, State: st}),
	})
}

// CloseChannel closes one open channel.
func (g *Gateway) CloseChannel(connID string, m protocol.CloseChannelMsg) {
	cs := g.state(connID)
	if cs == nil {
		return
	}
	cs.mu.Lock()
	ov := cs.views[m.ChannelID]
	delete(cs.views, m.ChannelID)
	cs.mu.Unlock()

	if ov == nil {
		g.sendError(connID, protocol.CodeInvalidChannel, "channel is not open")
		return
	}
	ov.view.Close()
	g.send(connID, protocol.TypeChannelClosed, protocol.ChannelClosedMsg{
		ChannelID: m.ChannelID,
		Reason:    ReasonClosed,
	})
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send posts m.Text to an open channel. Every rejection is answered with
// send_failed echoing the text.
func (g *Gateway) Send(connID string, m protocol.ChatMsg) {
	cs := g.state(connID)
	if cs == nil {
		return
	}
	ov := cs.view(m.ChannelID)
	if ov == nil {
		g.sendFailed(connID, m, protocol.CodeInvalidChannel, "channel is not open")
		return
	}

	// Rejections that never reach the store do not use up the send budget.
	if err := ov.view.CheckSend(m.Text); err != nil {
		g.sendFailed(connID, m, sendFailureCode(err), err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.RequestTimeout)
	defer cancel()

	if !g.allow(ctx, connID, ov.view.Self(), ratelimit.RuleSend) {
		g.sendFailed(connID, m, protocol.CodeRateLimited, "too many messages")
		return
	}

	sent, err := ov.view.Send(ctx, m.Text)
	if err != nil {
		code := sendFailureCode(err)
		if code == protocol.CodeInternal || code == protocol.CodeStoreUnavailable {
			log.Printf("[gateway] send conn=%s channel=%s: %v", connID, m.ChannelID, err)
		}
		g.sendFailed(connID, m, code, err.Error())
		return
	}

	g.send(connID, protocol.TypeMessageSent, protocol.MessageSentMsg{
		ChannelID: m.ChannelID,
		MessageID: sent.ID,
		CreatedAt: sent.CreatedAt.UnixMilli(),
	})
}

func sendFailureCode(err error) string {
	switch {
	case errors.Is(err, message.ErrEmptyMessage):
		return protocol.CodeEmptyMessage
	case errors.Is(err, chat.ErrSendBlocked):
		return protocol.CodeSendBlocked
	case errors.Is(err, message.ErrStoreUnavailable):
		return protocol.CodeStoreUnavailable
	case errors.Is(err, message.ErrMessageTooLong), errors.Is(err, message.ErrInvalidEncoding):
		return protocol.CodeInvalidMessage
	case errors.Is(err, channel.ErrNotParticipant), errors.Is(err, channel.ErrInvalidParticipants):
		return protocol.CodeInvalidChannel
	}
	return protocol.CodeInternal
}

// SubscribeTrial lifts the trial lock of an open channel. The resulting
// trial_state is sent by the view's trial callback.
func (g *Gateway) SubscribeTrial(connID string, m protocol.SubscribeTrialMsg) {
	cs := g.state(connID)
	if cs == nil {
		return
	}
	ov := cs.view(m.ChannelID)
	if ov == nil {
		g.sendError(connID, protocol.CodeInvalidChannel, "channel is not open")
		return
	}
	ov.view.SubscribeTrial()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// allow applies rule to participant and tells the client when it is over.
// Limiter errors fail open.
func (g *Gateway) allow(ctx context.Context, connID, participant string, rule ratelimit.Rule) bool {
	if g.opts.Limiter == nil {
		return true
	}
	ok, err := g.opts.Limiter.Allow(ctx, participant, rule)
	if err != nil || ok {
		return true
	}
	wait, _ := g.opts.Limiter.RetryAfter(ctx, participant, rule)
	g.send(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(wait.Seconds())),
	})
	return false
}

func (g *Gateway) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s conn=%s: %v", msgType, connID, err)
		return
	}
	if err := g.sender.SendMessage(connID, data); err != nil {
		log.Printf("[gateway] send %s conn=%s: %v", msgType, connID, err)
	}
}

func (g *Gateway) sendError(connID, code, msg string) {
	g.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: msg})
}

func (g *Gateway) sendFailed(connID string, m protocol.ChatMsg, code, msg string) {
	g.send(connID, protocol.TypeSendFailed, protocol.SendFailedMsg{
		ChannelID: m.ChannelID,
		Code:      code,
		Message:   msg,
		Text:      m.Text,
	})
}
