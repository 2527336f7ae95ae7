package live

import "github.com/yanyu/chat-core/internal/message"

// Receipt is the read state of an own message as seen by its sender.
type Receipt string

const (
	ReceiptNone      Receipt = ""
	ReceiptDelivered Receipt = "delivered"
	ReceiptSeen      Receipt = "seen"
)

// View is one snapshot of a channel as seen by SelfID. A View with Err set
// means the snapshot could not be read; it does not describe an empty channel.
type View struct {
	ChannelID  string            `json:"channel_id"`
	SelfID     string            `json:"self_id"`
	PeerID     string            `json:"peer_id"`
	Messages   []message.Message `json:"messages"`
	Unread     int               `json:"unread"`
	Generation uint64            `json:"generation"`
	Err        error             `json:"-"`
}

// Receipt returns Delivered or Seen for messages SelfID sent, and ReceiptNone
// for the peer's messages.
func (v View) Receipt(m message.Message) Receipt {
	if m.SenderID != v.SelfID {
		return ReceiptNone
	}
	if m.ReadByParticipant(v.PeerID) {
		return ReceiptSeen
	}
	return ReceiptDelivered
}
