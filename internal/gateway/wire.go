package gateway

import (
	"github.com/yanyu/chat-core/internal/live"
	"github.com/yanyu/chat-core/internal/protocol"
	"github.com/yanyu/chat-core/internal/trial"
)

// WireMessages renders a view's messages for the client, newest first, with
// receipts on the viewer's own messages.
func WireMessages(v live.View) []protocol.WireMessage {
	out := make([]protocol.WireMessage, 0, len(v.Messages))
	for _, m := range v.Messages {
		readBy := m.ReadBy
		if readBy == nil {
			readBy = []string{}
		}
		out = append(out, protocol.WireMessage{
			ID:        m.ID,
			Text:      m.Text,
			SenderID:  m.SenderID,
			CreatedAt: m.CreatedAt.UnixMilli(),
			ReadBy:    readBy,
			Receipt:   string(v.Receipt(m)),
		})
	}
	return out
}

func snapshotMsg(v live.View) protocol.SnapshotMsg {
	msg := protocol.SnapshotMsg{
		ChannelID:  v.ChannelID,
		Generation: v.Generation,
		Messages:   WireMessages(v),
		Unread:     v.Unread,
	}
	if v.Err != nil {
		msg.Error = v.Err.Error()
	}
	return msg
}

func trialMsg(channelID string, ev trial.Event) protocol.TrialStateMsg {
	return protocol.TrialStateMsg{
		ChannelID:    channelID,
		Phase:        string(ev.State.Phase),
		Elapsed:      ev.State.Elapsed,
		Subscribed:   ev.State.Subscribed,
		CanSend:      ev.State.CanSend,
		Transitioned: ev.Transitioned(),
	}
}
