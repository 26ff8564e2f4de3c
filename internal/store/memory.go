package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type ticketKey struct {
	chatID   string
	memberID int64
}

// Memory is a goroutine-safe in-process Store. It is used by tests and by
// the server when no DATABASE_URL is configured.
type Memory struct {
	mu sync.RWMutex

	// Now supplies creation timestamps. Defaults to time.Now.
	Now func() time.Time

	users    map[int64]*User
	chats    map[string]*Chat
	tickets  map[int64]*Ticket
	pairs    map[ticketKey]int64
	messages map[int64]*Message

	nextUser    int64
	nextTicket  int64
	nextMessage int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		Now:      time.Now,
		users:    make(map[int64]*User),
		chats:    make(map[string]*Chat),
		tickets:  make(map[int64]*Ticket),
		pairs:    make(map[ticketKey]int64),
		messages: make(map[int64]*Message),
	}
}

func (s *Memory) CreateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u.Login = strings.ToLower(u.Login)
	u.Email = strings.ToLower(u.Email)
	for _, existing := range s.users {
		if existing.Login == u.Login || existing.Email == u.Email {
			return ErrConflict
		}
	}

	s.nextUser++
	u.ID = s.nextUser
	u.CreatedAt = s.Now()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Memory) GetUser(_ context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Memory) FindUserByLoginOrEmail(_ context.Context, loginOrEmail string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := strings.ToLower(loginOrEmail)
	for _, u := range s.users {
		if u.Login == key || u.Email == key {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) CreateChat(_ context.Context, c *Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[c.CreatorID]; !ok {
		return ErrNotFound
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if _, ok := s.chats[c.ID]; ok {
		return ErrConflict
	}
	c.CreatedAt = s.Now()
	cp := *c
	s.chats[c.ID] = &cp
	return nil
}

func (s *Memory) GetChat(_ context.Context, id string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// DeleteChat removes the chat along with any tickets and messages still
// referencing it, mirroring the ON DELETE CASCADE of the Postgres schema.
func (s *Memory) DeleteChat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[id]; !ok {
		return ErrNotFound
	}
	s.deleteTicketsLocked(id)
	s.deleteMessagesLocked(id)
	delete(s.chats, id)
	return nil
}

func (s *Memory) FindChatsOf(_ context.Context, userID int64) ([]ChatSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ChatSummary
	for _, t := range s.tickets {
		if t.MemberID != userID {
			continue
		}
		c, ok := s.chats[t.ChatID]
		if !ok {
			continue
		}
		summary := ChatSummary{Chat: *c}
		if last, ok := s.lastMessageLocked(c.ID); ok {
			summary.LastMessage = &last
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Memory) CreateTicket(_ context.Context, chatID string, memberID int64) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return nil, ErrNotFound
	}
	if _, ok := s.users[memberID]; !ok {
		return nil, ErrNotFound
	}
	key := ticketKey{chatID: chatID, memberID: memberID}
	if _, ok := s.pairs[key]; ok {
		return nil, ErrConflict
	}

	s.nextTicket++
	t := &Ticket{ID: s.nextTicket, ChatID: chatID, MemberID: memberID, CreatedAt: s.Now()}
	s.tickets[t.ID] = t
	s.pairs[key] = t.ID
	cp := *t
	return &cp, nil
}

func (s *Memory) GetTicket(_ context.Context, id int64) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Memory) FindTicket(_ context.Context, chatID string, memberID int64) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.pairs[ticketKey{chatID: chatID, memberID: memberID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.tickets[id]
	return &cp, nil
}

func (s *Memory) DeleteTicket(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.pairs, ticketKey{chatID: t.ChatID, memberID: t.MemberID})
	delete(s.tickets, id)
	return nil
}

func (s *Memory) DeleteTicketsByChat(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteTicketsLocked(chatID)
	return nil
}

func (s *Memory) FindMembershipsOf(_ context.Context, userID int64) ([]Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Ticket
	for _, t := range s.tickets {
		if t.MemberID == userID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) FindMembersOf(_ context.Context, chatID string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []int64
	for key := range s.pairs {
		if key.chatID == chatID {
			out = append(out, key.memberID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Memory) CreateMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[m.ChatID]; !ok {
		return ErrNotFound
	}
	s.nextMessage++
	m.ID = s.nextMessage
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.Now()
	}
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *Memory) GetMessage(_ context.Context, id int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) UpdateMessageContent(_ context.Context, id int64, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.Content = content
	m.Edited = true
	cp := *m
	return &cp, nil
}

func (s *Memory) DeleteMessage(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *Memory) DeleteMessagesByChat(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteMessagesLocked(chatID)
	return nil
}

func (s *Memory) FindMessagesByChat(_ context.Context, chatID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := lo.FilterMap(lo.Values(s.messages), func(m *Message, _ int) (Message, bool) {
		return *m, m.ChatID == chatID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *Memory) FindLastMessage(_ context.Context, chatID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last, ok := s.lastMessageLocked(chatID)
	if !ok {
		return nil, ErrNotFound
	}
	return &last, nil
}

func (s *Memory) lastMessageLocked(chatID string) (Message, bool) {
	var (
		last  Message
		found bool
	)
	for _, m := range s.messages {
		if m.ChatID != chatID {
			continue
		}
		if !found || last.Before(*m) {
			last = *m
			found = true
		}
	}
	return last, found
}

func (s *Memory) deleteTicketsLocked(chatID string) {
	for id, t := range s.tickets {
		if t.ChatID == chatID {
			delete(s.pairs, ticketKey{chatID: t.ChatID, memberID: t.MemberID})
			delete(s.tickets, id)
		}
	}
}

func (s *Memory) deleteMessagesLocked(chatID string) {
	for id, m := range s.messages {
		if m.ChatID == chatID {
			delete(s.messages, id)
		}
	}
}
