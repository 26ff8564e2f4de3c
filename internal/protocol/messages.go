// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeCreateChat    = "create_chat"
	TypeDeleteChat    = "delete_chat"
	TypeInviteMember  = "invite_member"
	TypeRemoveMember  = "remove_member"
	TypeSendMessage   = "send_message"
	TypeEditMessage   = "edit_message"
	TypeDeleteMessage = "delete_message"
	TypePing          = "ping"
)

// Server -> Client message types. Domain events are listed in events.go.
const (
	TypeSessionCreated = "session_created"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeForbidden      = "forbidden"
	CodeUnauthorized   = "unauthorized"
	CodePartialFailure = "partial_failure"
	CodeNotAcceptable  = "not_acceptable"
	CodeInvalidRequest = "invalid_request"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
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

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// CreateChatMsg asks the server to create a chat between the sender and the
// user named by Login.
type CreateChatMsg struct {
	Type  string `json:"type"`
	Name  string `json:"name" validate:"required"`
	Login string `json:"login" validate:"required,max=254"`
}

// DeleteChatMsg deletes a chat the sender is a member of.
type DeleteChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id" validate:"required,uuid"`
}

// InviteMemberMsg grants a ticket for ChatID to the user named by Login.
type InviteMemberMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id" validate:"required,uuid"`
	Login  string `json:"login" validate:"required,max=254"`
}

// RemoveMemberMsg revokes UserID's ticket for ChatID.
type RemoveMemberMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id" validate:"required,uuid"`
	UserID int64  `json:"user_id" validate:"required,gt=0"`
}

// SendMessageMsg posts a text message to a chat.
type SendMessageMsg struct {
	Type    string `json:"type"`
	ChatID  string `json:"chat_id" validate:"required,uuid"`
	Content string `json:"content" validate:"required"`
}

// EditMessageMsg replaces the content of a message the sender wrote.
type EditMessageMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id" validate:"required,gt=0"`
	Content   string `json:"content" validate:"required"`
}

// DeleteMessageMsg removes a message the sender wrote.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id" validate:"required,gt=0"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server once an authenticated connection
// has been attached.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
}

// ErrorMsg is sent by the server to communicate an error condition. Request
// names the client message type that failed, when known.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing or validation. An error is returned for unknown
// or server-only message types.
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
	case TypeCreateChat:
		var m CreateChatMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeDeleteChat:
		var m DeleteChatMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeInviteMember:
		var m InviteMemberMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeRemoveMember:
		var m RemoveMemberMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeEditMessage:
		var m EditMessageMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = decode(env.Raw, &m)
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

func decode(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	return validate.Struct(v)
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
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

// NewErrorMessage builds an error frame.
func NewErrorMessage(code, message, request string) []byte {
	data, _ := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message, Request: request})
	return data
}
