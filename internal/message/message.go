// Package message implements the append-only message log of a channel.
// Every implementation of Store assigns ids and creation times itself, keeps
// the per-channel creation time strictly increasing, and treats read sets as
// accumulate-only.
package message

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"
)

var (
	// ErrEmptyMessage is returned when the text is blank after trimming.
	ErrEmptyMessage = errors.New("message: text is empty")

	// ErrStoreUnavailable wraps any failure to reach the backing store.
	ErrStoreUnavailable = errors.New("message: store unavailable")

	// ErrMessageNotFound is returned by MarkRead for unknown message ids.
	ErrMessageNotFound = errors.New("message: not found")
)

// Message is one entry of a channel's log.
type Message struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
	ReadBy    []string  `json:"readBy"`
}

// ReadByParticipant reports whether id has observed the message.
func (m Message) ReadByParticipant(id string) bool {
	return slices.Contains(m.ReadBy, id)
}

// Store is the contract every message backend satisfies.
type Store interface {
	// Append validates and stores text, returning the stored message.
	Append(ctx context.Context, channelID, senderID, text string) (Message, error)

	// ListDescending returns the channel's log newest first.
	ListDescending(ctx context.Context, channelID string) ([]Message, error)

	// MarkRead adds readerID to the message's read set. Idempotent.
	MarkRead(ctx context.Context, channelID string, messageID int64, readerID string) error

	// MarkReadBatch adds readerID to every listed message, or to none of
	// them if any id is unknown.
	MarkReadBatch(ctx context.Context, channelID string, messageIDs []int64, readerID string) error
}

// SortDescending orders msgs newest first, breaking creation-time ties by
// ascending id.
func SortDescending(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// addReader appends reader to readBy unless already present.
func addReader(readBy []string, reader string) ([]string, bool) {
	if slices.Contains(readBy, reader) {
		return readBy, false
	}
	return append(readBy, reader), true
}
