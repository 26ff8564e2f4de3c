package store

import "time"

// User is a registered account. PasswordHash never leaves the server.
type User struct {
	ID           int64     `json:"id"`
	Login        string    `json:"login"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Chat is a named conversation. It exists independently of its tickets once
// created.
type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatorID int64     `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Ticket records that MemberID is an active participant of ChatID.
type Ticket struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	MemberID  int64     `json:"member_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single text message. ChatID, SenderID and CreatedAt never
// change after creation.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Edited    bool      `json:"edited"`
}

// ChatSummary is a chat together with its most recent message, as listed in
// a user's chat sidebar.
type ChatSummary struct {
	Chat
	LastMessage *Message `json:"last_message,omitempty"`
}

// Before reports whether m sorts strictly before other in a timeline:
// earlier creation time first, ties broken by ID.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
