package live

import (
	"context"
	"log"

	"github.com/yanyu/chat-core/internal/message"
)

// NotifyingStore publishes a ChangeEvent after every successful mutation of
// the wrapped store. Publish failures are logged; the mutation still succeeds.
type NotifyingStore struct {
	message.Store
	pub Publisher
}

// NewNotifyingStore decorates store with change publication.
func NewNotifyingStore(store message.Store, pub Publisher) *NotifyingStore {
	return &NotifyingStore{Store: store, pub: pub}
}

func (s *NotifyingStore) Append(ctx context.Context, channelID, senderID, text string) (message.Message, error) {
	m, err := s.Store.Append(ctx, channelID, senderID, text)
	if err != nil {
		return m, err
	}
	s.publish(ctx, ChangeEvent{ChannelID: channelID, Kind: ChangeAppend, MessageIDs: []int64{m.ID}})
	return m, nil
}

func (s *NotifyingStore) MarkRead(ctx context.Context, channelID string, messageID int64, readerID string) error {
	if err := s.Store.MarkRead(ctx, channelID, messageID, readerID); err != nil {
		return err
	}
	s.publish(ctx, ChangeEvent{ChannelID: channelID, Kind: ChangeRead, MessageIDs: []int64{messageID}})
	return nil
}

func (s *NotifyingStore) MarkReadBatch(ctx context.Context, channelID string, messageIDs []int64, readerID string) error {
	if err := s.Store.MarkReadBatch(ctx, channelID, messageIDs, readerID); err != nil {
		return err
	}
	if len(messageIDs) > 0 {
		s.publish(ctx, ChangeEvent{ChannelID: channelID, Kind: ChangeRead, MessageIDs: messageIDs})
	}
	return nil
}

func (s *NotifyingStore) publish(ctx context.Context, ev ChangeEvent) {
	if err := s.pub.Publish(ctx, ev); err != nil {
		log.Printf("[live] publish %s on %s: %v", ev.Kind, ev.ChannelID, err)
	}
}
