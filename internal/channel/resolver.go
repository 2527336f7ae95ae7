// Package channel derives the stable identifier of a two-party conversation.
// A channel id is the two participant ids sorted lexicographically and joined
// with Separator, so both participants compute the same id regardless of who
// opens the conversation first.
package channel

import (
	"errors"
	"sort"
	"strings"
)

// Separator joins the two participant ids. Participant ids may not contain it.
const Separator = "_"

var (
	// ErrInvalidParticipants is returned for self-channels and malformed ids.
	ErrInvalidParticipants = errors.New("channel: invalid participants")

	// ErrNotParticipant is returned when an id is not one of the channel's two
	// participants.
	ErrNotParticipant = errors.New("channel: not a participant")
)

// Resolve returns the channel id for the unordered pair (a, b).
func Resolve(a, b string) (string, error) {
	if !validParticipant(a) || !validParticipant(b) || a == b {
		return "", ErrInvalidParticipants
	}
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + Separator + pair[1], nil
}

// Participants splits a channel id back into its sorted participant pair.
func Participants(channelID string) (string, string, error) {
	a, b, ok := strings.Cut(channelID, Separator)
	if !ok || !validParticipant(a) || !validParticipant(b) || a >= b {
		return "", "", ErrInvalidParticipants
	}
	return a, b, nil
}

// IsParticipant reports whether id is one of the channel's participants.
func IsParticipant(channelID, id string) bool {
	a, b, err := Participants(channelID)
	if err != nil {
		return false
	}
	return id == a || id == b
}

// Peer returns the participant on the other side of the channel from self.
func Peer(channelID, self string) (string, error) {
	a, b, err := Participants(channelID)
	if err != nil {
		return "", err
	}
	switch self {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", ErrNotParticipant
}

func validParticipant(id string) bool {
	return id != "" && !strings.Contains(id, Separator)
}
