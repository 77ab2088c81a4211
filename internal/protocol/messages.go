// Package protocol defines the WebSocket frames exchanged between chat
// clients and the relay. Every frame is a JSON object carrying a "type"
// discriminator next to its payload fields.
package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// Client -> Server message types.
const (
	TypeJoin    = "join"
	TypeLeave   = "leave"
	TypeMessage = "message"
	TypePing    = "ping"
)

// Server -> Client message types. TypeMessage is shared with the client
// direction.
const (
	TypeSessionCreated = "session_created"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw bytes and extracts only the type field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

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

// JoinMsg asks the relay to attach the session to a room shared with
// AnotherUserID, creating the room when it does not exist yet.
type JoinMsg struct {
	Type          string `json:"type"`
	RoomName      string `json:"roomName"`
	AnotherUserID string `json:"anotherUserId"`
	MyID          string `json:"myId"`
}

// LeaveMsg detaches the session from its current room.
type LeaveMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a message typed by the user. MyID and MyUsername identify the
// author when the handshake did not.
type ChatMsg struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	MyID       string `json:"myId"`
	MyUsername string `json:"myUsername"`
}

type PingMsg struct {
	Type string `json:"type"`
}

// SessionCreatedMsg tells the client which token resumes this session and
// whether a parked session was resumed.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Resumed   bool   `json:"resumed"`
}

// ServerChatMsg carries one persisted message. Backfill is set on messages
// replayed during recovery.
type ServerChatMsg struct {
	Type           string `json:"type"`
	Content        string `json:"content"`
	MessageID      int64  `json:"messageId"`
	AuthorUsername string `json:"authorUsername"`
	Backfill       bool   `json:"backfill,omitempty"`
}

// RateLimitedMsg is sent when the client exceeds its message rate.
// RetryAfter is in seconds.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type, the decoded struct, and an error for malformed
// JSON or unknown types.
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
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
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

// NewServerMessage marshals payload and sets its "type" key to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
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

// Handshake is the state a client presents when opening the socket. A
// non-empty SessionID asks to resume a parked session; Room and ServerOffset
// say where the client's view of the conversation stopped. HasOffset tells
// an explicit serverOffset=0 apart from an absent one.
type Handshake struct {
	SessionID    string
	Room         string
	ServerOffset int64
	HasOffset    bool
	UserID       string
	Username     string
}

// ParseHandshake reads the handshake from the upgrade request's query
// string. A malformed or negative serverOffset is treated as absent.
func ParseHandshake(q url.Values) Handshake {
	h := Handshake{
		SessionID: q.Get("sessionId"),
		Room:      q.Get("room"),
		UserID:    q.Get("userId"),
		Username:  q.Get("username"),
	}
	if v := q.Get("serverOffset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			h.ServerOffset = n
			h.HasOffset = true
		}
	}
	return h
}
