// Package membership owns chat tickets. A ticket is the sole authority for
// whether a user may receive or act on a chat's events; every change is
// handed to the session registry before the call returns.
package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/sation/messenger/internal/broadcast"
	"github.com/sation/messenger/internal/store"
)

// ErrAlreadyMember is returned by Grant when the ticket already exists. It
// also matches store.ErrConflict.
var ErrAlreadyMember = errors.New("membership: already a member")

// Registry receives membership hand-offs.
type Registry interface {
	JoinUser(userID int64, chatID string)
	LeaveUser(userID int64, chatID string)
	LeaveAll(chatID string)
}

// Manager grants and revokes tickets. Each write and its registry hand-off
// run under the chat's broadcast lock.
type Manager struct {
	store    store.Store
	registry Registry
	locks    *broadcast.Locks
}

// NewManager creates a Manager. locks must be shared with the broadcaster.
func NewManager(s store.Store, registry Registry, locks *broadcast.Locks) *Manager {
	return &Manager{store: s, registry: registry, locks: locks}
}

// Grant creates a ticket for userID and joins the user's live connections to
// the chat group.
func (m *Manager) Grant(ctx context.Context, chatID string, userID int64) (*store.Ticket, error) {
	unlock := m.locks.Lock(chatID)
	defer unlock()

	t, err := m.store.CreateTicket(ctx, chatID, userID)
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: %w", ErrAlreadyMember, err)
	}
	if err != nil {
		return nil, fmt.Errorf("membership: grant chat=%s user=%d: %w", chatID, userID, err)
	}

	m.registry.JoinUser(userID, chatID)
	return t, nil
}

// Revoke deletes the ticket and removes its holder's live connections from
// the chat group. Past messages are untouched.
func (m *Manager) Revoke(ctx context.Context, ticketID int64) (*store.Ticket, error) {
	t, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("membership: revoke ticket=%d: %w", ticketID, err)
	}

	unlock := m.locks.Lock(t.ChatID)
	defer unlock()

	if err := m.store.DeleteTicket(ctx, ticketID); err != nil {
		return nil, fmt.Errorf("membership: revoke ticket=%d: %w", ticketID, err)
	}
	m.registry.LeaveUser(t.MemberID, t.ChatID)
	return t, nil
}

// RevokeMember revokes userID's ticket for chatID.
func (m *Manager) RevokeMember(ctx context.Context, chatID string, userID int64) (*store.Ticket, error) {
	unlock := m.locks.Lock(chatID)
	defer unlock()

	t, err := m.store.FindTicket(ctx, chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("membership: revoke chat=%s user=%d: %w", chatID, userID, err)
	}
	if err := m.store.DeleteTicket(ctx, t.ID); err != nil {
		return nil, fmt.Errorf("membership: revoke chat=%s user=%d: %w", chatID, userID, err)
	}
	m.registry.LeaveUser(userID, chatID)
	return t, nil
}

// RevokeAll deletes every ticket of chatID, empties its group and returns the
// members it held.
func (m *Manager) RevokeAll(ctx context.Context, chatID string) ([]int64, error) {
	unlock := m.locks.Lock(chatID)
	defer unlock()

	members, err := m.store.FindMembersOf(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("membership: members of chat=%s: %w", chatID, err)
	}
	if err := m.store.DeleteTicketsByChat(ctx, chatID); err != nil {
		return nil, fmt.Errorf("membership: revoke all chat=%s: %w", chatID, err)
	}
	m.registry.LeaveAll(chatID)
	return members, nil
}

// IsMember reports whether userID holds a ticket for chatID.
func (m *Manager) IsMember(ctx context.Context, chatID string, userID int64) (bool, error) {
	_, err := m.store.FindTicket(ctx, chatID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("membership: is member chat=%s user=%d: %w", chatID, userID, err)
	}
	return true, nil
}

// AsMember runs write under the chat lock if userID holds a ticket for
// chatID, so the ticket cannot be revoked before write returns. It reports
// whether write ran. write must not publish events for chatID.
func (m *Manager) AsMember(ctx context.Context, chatID string, userID int64, write func() error) (bool, error) {
	unlock := m.locks.Lock(chatID)
	defer unlock()

	ok, err := m.IsMember(ctx, chatID, userID)
	if err != nil || !ok {
		return false, err
	}
	return true, write()
}

// MembersOf returns the IDs of every ticket holder of chatID.
func (m *Manager) MembersOf(ctx context.Context, chatID string) ([]int64, error) {
	members, err := m.store.FindMembersOf(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("membership: members of chat=%s: %w", chatID, err)
	}
	return members, nil
}
