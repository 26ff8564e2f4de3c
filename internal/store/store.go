// Package store defines the persistence boundary for users, chats, chat
// tickets and messages. Two implementations are provided: Postgres for
// production and Memory for tests and single-process development.
package store

import (
	"context"
	"errors"
)

// Typed outcomes returned by every Store implementation. Callers match them
// with errors.Is.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// Store is the durable CRUD + query surface consumed by the membership,
// session and chat packages.
type Store interface {
	// CreateUser persists u and fills in ID and CreatedAt. Login and Email
	// are lower-cased; a duplicate of either yields ErrConflict.
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	FindUserByLoginOrEmail(ctx context.Context, loginOrEmail string) (*User, error)

	// CreateChat persists c and fills in ID (when empty) and CreatedAt.
	CreateChat(ctx context.Context, c *Chat) error
	GetChat(ctx context.Context, id string) (*Chat, error)
	DeleteChat(ctx context.Context, id string) error
	// FindChatsOf returns every chat userID holds a ticket for, each with
	// its most recent message.
	FindChatsOf(ctx context.Context, userID int64) ([]ChatSummary, error)

	CreateTicket(ctx context.Context, chatID string, memberID int64) (*Ticket, error)
	GetTicket(ctx context.Context, id int64) (*Ticket, error)
	FindTicket(ctx context.Context, chatID string, memberID int64) (*Ticket, error)
	DeleteTicket(ctx context.Context, id int64) error
	DeleteTicketsByChat(ctx context.Context, chatID string) error
	FindMembershipsOf(ctx context.Context, userID int64) ([]Ticket, error)
	FindMembersOf(ctx context.Context, chatID string) ([]int64, error)

	// CreateMessage persists m and fills in ID and, when zero, CreatedAt.
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id int64) (*Message, error)
	// UpdateMessageContent replaces the content, sets Edited and returns
	// the updated message.
	UpdateMessageContent(ctx context.Context, id int64, content string) (*Message, error)
	DeleteMessage(ctx context.Context, id int64) error
	DeleteMessagesByChat(ctx context.Context, chatID string) error
	// FindMessagesByChat returns the chat's messages ordered by creation
	// time, ties broken by ID.
	FindMessagesByChat(ctx context.Context, chatID string) ([]Message, error)
	// FindLastMessage returns ErrNotFound when the chat has no messages.
	FindLastMessage(ctx context.Context, chatID string) (*Message, error)
}
