// Package messaging provides a NATS client wrapper for pub/sub messaging
// between chat servers. It handles connection lifecycle, subject-based
// subscriptions, and change fan-out for channel logs.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across chat services.
const (
	SubjectChannel = "chat" // + .<channel_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription

	reconnectMu sync.Mutex
	onReconnect []func()
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chat-core",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	c := &NATSClient{
		subs: make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
			c.fireReconnect()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.conn = nc

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return c, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject under key and stores
// the subscription internally for later cleanup. Subscribing again with the
// same key replaces the previous subscription.
func (c *NATSClient) Subscribe(key, subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	old := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
	return nil
}

// SubscribeToChannel subscribes to the chat.<channelID> subject. The
// subscription is keyed by watchKey so several watchers on the same server
// can follow the same channel without overwriting each other.
func (c *NATSClient) SubscribeToChannel(channelID, watchKey string, handler func(data []byte)) error {
	return c.Subscribe("chatsub:"+watchKey, SubjectChannel+"."+channelID, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeFromChannel removes a watcher's channel subscription.
func (c *NATSClient) UnsubscribeFromChannel(watchKey string) error {
	return c.unsubscribe("chatsub:" + watchKey)
}

// PublishChannelEvent publishes data to the chat.<channelID> subject.
func (c *NATSClient) PublishChannelEvent(channelID string, data []byte) error {
	return c.Publish(SubjectChannel+"."+channelID, data)
}

// OnReconnect registers fn to run after every successful reconnect.
func (c *NATSClient) OnReconnect(fn func()) {
	c.reconnectMu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.reconnectMu.Unlock()
}

func (c *NATSClient) fireReconnect() {
	c.reconnectMu.Lock()
	fns := append([]func(){}, c.onReconnect...)
	c.reconnectMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// IsConnected reports whether the underlying connection is currently up.
func (c *NATSClient) IsConnected() bool {
	return c.conn.IsConnected()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for key %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
