// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuthenticate   = "authenticate"
	TypeSignOut        = "sign_out"
	TypeOpenChannel    = "open_channel"
	TypeCloseChannel   = "close_channel"
	TypeMessage        = "message"
	TypeSubscribeTrial = "subscribe_trial"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeAuthenticated  = "authenticated"
	TypeChannelOpened  = "channel_opened"
	TypeSnapshot       = "snapshot"
	TypeTrialState     = "trial_state"
	TypeMessageSent    = "message_sent"
	TypeSendFailed     = "send_failed"
	TypeChannelClosed  = "channel_closed"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error and send_failed codes.
const (
	CodeEmptyMessage     = "empty_message"
	CodeSendBlocked      = "send_blocked"
	CodeStoreUnavailable = "store_unavailable"
	CodeInvalidChannel   = "invalid_channel"
	CodeRateLimited      = "rate_limited"
	CodeInvalidMessage   = "invalid_message"
	CodeUnauthenticated  = "unauthenticated"
	CodeNotFriends       = "not_friends"
	CodeInternal         = "internal"
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthenticateMsg signs the connection in as the token's participant,
// replacing any current identity.
type AuthenticateMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// SignOutMsg clears the connection's identity and closes its channels.
type SignOutMsg struct {
	Type string `json:"type"`
}

// OpenChannelMsg opens the channel with a peer.
type OpenChannelMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

// CloseChannelMsg closes an open channel.
type CloseChannelMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// ChatMsg is a text message sent by the client to an open channel.
type ChatMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

// SubscribeTrialMsg lifts the trial lock on an open channel.
type SubscribeTrialMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is
// established. Participant is set when the upgrade carried a valid token.
type SessionCreatedMsg struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	Participant string `json:"participant,omitempty"`
}

// AuthenticatedMsg confirms the connection's identity.
type AuthenticatedMsg struct {
	Type        string `json:"type"`
	Participant string `json:"participant"`
}

// TrialStateMsg reports the trial of an open channel.
type TrialStateMsg struct {
	Type         string `json:"type"`
	ChannelID    string `json:"channel_id"`
	Phase        string `json:"phase"`
	Elapsed      int    `json:"elapsed"`
	Subscribed   bool   `json:"subscribed"`
	CanSend      bool   `json:"can_send"`
	Transitioned bool   `json:"transitioned"`
}

// ChannelOpenedMsg confirms an open_channel request.
type ChannelOpenedMsg struct {
	Type      string        `json:"type"`
	ChannelID string        `json:"channel_id"`
	PeerID    string        `json:"peer_id"`
	Trial     TrialStateMsg `json:"trial"`
}

// WireMessage is a message as rendered to the client. Receipt is set on the
// client's own messages only.
type WireMessage struct {
	ID        int64    `json:"id"`
	Text      string   `json:"text"`
	SenderID  string   `json:"senderId"`
	CreatedAt int64    `json:"createdAt"` // unix milliseconds
	ReadBy    []string `json:"readBy"`
	Receipt   string   `json:"receipt,omitempty"`
}

// SnapshotMsg carries the full message list of a channel, newest first. When
// Error is set the snapshot could not be read and Messages is empty.
type SnapshotMsg struct {
	Type       string        `json:"type"`
	ChannelID  string        `json:"channel_id"`
	Generation uint64        `json:"generation"`
	Messages   []WireMessage `json:"messages"`
	Unread     int           `json:"unread"`
	Error      string        `json:"error,omitempty"`
}

// MessageSentMsg acknowledges a stored message.
type MessageSentMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	MessageID int64  `json:"message_id"`
	CreatedAt int64  `json:"created_at"`
}

// SendFailedMsg reports a rejected send. Text echoes the input so the
// client can keep it for a retry.
type SendFailedMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Text      string `json:"text"`
}

// ChannelClosedMsg is sent when the server closes an open channel.
type ChannelClosedMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Reason    string `json:"reason"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignOut:
		var m SignOutMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOpenChannel:
		var m OpenChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCloseChannel:
		var m CloseChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscribeTrial:
		var m SubscribeTrialMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
