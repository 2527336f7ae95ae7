package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/yanyu/chat-core/internal/messaging"
)

// NATSFeed fans change events out across servers on chat.<channel_id>
// subjects. After a NATS reconnect every local watcher is woken so it can
// resync, since events published during the outage were lost.
type NATSFeed struct {
	client *messaging.NATSClient
	local  *Hub
}

// NewNATSFeed wraps a connected NATS client.
func NewNATSFeed(client *messaging.NATSClient) *NATSFeed {
	f := &NATSFeed{client: client, local: NewHub()}
	client.OnReconnect(f.local.PokeAll)
	return f
}

func (f *NATSFeed) Watch(channelID string, notify func()) (func(), error) {
	key := uuid.NewString()
	// Any message on the subject wakes the watcher; the handle rereads the
	// whole log, so the payload is not needed here.
	err := f.client.SubscribeToChannel(channelID, key, func([]byte) {
		notify()
	})
	if err != nil {
		return nil, fmt.Errorf("live: watch %s: %w", channelID, err)
	}

	stopLocal, _ := f.local.Watch(channelID, notify)
	return func() {
		stopLocal()
		if err := f.client.UnsubscribeFromChannel(key); err != nil {
			log.Printf("[live] unwatch %s: %v", channelID, err)
		}
	}, nil
}

func (f *NATSFeed) Publish(_ context.Context, ev ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("live: marshal change event: %w", err)
	}
	if err := f.client.PublishChannelEvent(ev.ChannelID, data); err != nil {
		return fmt.Errorf("live: publish change event: %w", err)
	}
	return nil
}
