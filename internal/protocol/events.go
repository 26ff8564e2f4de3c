package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/sation/messenger/internal/store"
)

// Domain event types pushed from server to client.
const (
	EventChatCreated    = "chat_created"
	EventChatDeleted    = "chat_deleted"
	EventTicketGranted  = "ticket_granted"
	EventTicketRevoked  = "ticket_revoked"
	EventMessageCreated = "message_created"
	EventMessageEdited  = "message_edited"
	EventMessageDeleted = "message_deleted"
)

var eventKinds = map[string]bool{
	EventChatCreated:    true,
	EventChatDeleted:    true,
	EventTicketGranted:  true,
	EventTicketRevoked:  true,
	EventMessageCreated: true,
	EventMessageEdited:  true,
	EventMessageDeleted: true,
}

// IsEvent reports whether msgType is a domain event type.
func IsEvent(msgType string) bool {
	return eventKinds[msgType]
}

// Event is a domain change scoped to one chat. Which payload field is set
// depends on Kind:
//
//	chat_created                    Chat
//	chat_deleted                    (ChatID only)
//	ticket_granted, ticket_revoked  Ticket
//	message_created, message_edited Message
//	message_deleted                 MessageID
//
// Invited marks a chat_created sent to a user joining an existing chat; the
// chat may already have history. Audience, when non-empty, replaces
// membership-based recipient resolution and is never sent to clients.
type Event struct {
	Kind      string         `json:"type"`
	ChatID    string         `json:"chat_id"`
	Chat      *store.Chat    `json:"chat,omitempty"`
	Ticket    *store.Ticket  `json:"ticket,omitempty"`
	Message   *store.Message `json:"message,omitempty"`
	MessageID int64          `json:"message_id,omitempty"`
	Invited   bool           `json:"invited,omitempty"`
	Audience  []int64        `json:"-"`
}

// Encode returns the event's wire frame.
func (e Event) Encode() ([]byte, error) {
	if !IsEvent(e.Kind) {
		return nil, fmt.Errorf("protocol: unknown event type %q", e.Kind)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", e.Kind, err)
	}
	return data, nil
}

// ParseServerEvent decodes a server frame. ok is false for frames that are
// not domain events (pong, error, session_created).
func ParseServerEvent(data []byte) (ev Event, ok bool, err error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, false, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}
	if !IsEvent(env.Type) {
		return Event{}, false, nil
	}
	if err := json.Unmarshal(env.Raw, &ev); err != nil {
		return Event{}, false, fmt.Errorf("protocol: failed to decode %q event: %w", env.Type, err)
	}
	return ev, true, nil
}
