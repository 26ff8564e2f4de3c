// Package chat orchestrates chat and message writes: it checks entitlement,
// persists through the store, keeps tickets consistent across multi-step
// operations and publishes the resulting domain events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sation/messenger/internal/metrics"
	"github.com/sation/messenger/internal/protocol"
	"github.com/sation/messenger/internal/store"
)

// Membership is the ticket authority. *membership.Manager satisfies it.
type Membership interface {
	Grant(ctx context.Context, chatID string, userID int64) (*store.Ticket, error)
	Revoke(ctx context.Context, ticketID int64) (*store.Ticket, error)
	RevokeMember(ctx context.Context, chatID string, userID int64) (*store.Ticket, error)
	RevokeAll(ctx context.Context, chatID string) ([]int64, error)
	IsMember(ctx context.Context, chatID string, userID int64) (bool, error)
	AsMember(ctx context.Context, chatID string, userID int64, write func() error) (bool, error)
	MembersOf(ctx context.Context, chatID string) ([]int64, error)
}

// Publisher emits domain events. *broadcast.Broadcaster satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev protocol.Event)
}

// Created is the result of a successful two-person chat creation.
type Created struct {
	Chat    store.Chat     `json:"chat"`
	Tickets []store.Ticket `json:"tickets"`
}

// Service implements the chat write operations.
type Service struct {
	store   store.Store
	members Membership
	events  Publisher
	now     func() time.Time
}

// NewService creates a Service.
func NewService(s store.Store, members Membership, events Publisher) *Service {
	return &Service{store: s, members: members, events: events, now: time.Now}
}

// CreateTwoPersonChat creates a chat named chatName holding tickets for the
// creator and the user named invitedLogin. Both tickets are granted
// concurrently; if either fails, whatever succeeded is rolled back along with
// the chat and ErrPartialFailure is returned.
func (s *Service) CreateTwoPersonChat(ctx context.Context, creatorID int64, invitedLogin, chatName string) (*Created, error) {
	if err := ValidateChatName(chatName); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAcceptable, err)
	}

	invited, err := s.findUser(ctx, invitedLogin)
	if err != nil {
		return nil, err
	}
	if invited.ID == creatorID {
		return nil, fmt.Errorf("%w: cannot invite yourself", ErrNotAcceptable)
	}

	c := &store.Chat{Name: strings.TrimSpace(chatName), CreatorID: creatorID}
	if err := s.store.CreateChat(ctx, c); err != nil {
		return nil, fmt.Errorf("chat: create: %w", err)
	}

	members := []int64{creatorID, invited.ID}
	tickets := make([]*store.Ticket, len(members))
	errs := make([]error, len(members))

	var wg sync.WaitGroup
	for i, userID := range members {
		wg.Add(1)
		go func(i int, userID int64) {
			defer wg.Done()
			tickets[i], errs[i] = s.members.Grant(ctx, c.ID, userID)
		}(i, userID)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		s.rollbackCreate(context.WithoutCancel(ctx), c.ID, tickets)
		return nil, fmt.Errorf("%w: %w", ErrPartialFailure, err)
	}

	created := &Created{Chat: *c}
	for _, t := range tickets {
		created.Tickets = append(created.Tickets, *t)
	}

	s.events.Publish(ctx, protocol.Event{Kind: protocol.EventChatCreated, ChatID: c.ID, Chat: c, Audience: members})
	for i := range created.Tickets {
		s.events.Publish(ctx, protocol.Event{Kind: protocol.EventTicketGranted, ChatID: c.ID, Ticket: &created.Tickets[i]})
	}

	log.Printf("chat: created chat=%s creator=%d invited=%d", c.ID, creatorID, invited.ID)
	return created, nil
}

func (s *Service) rollbackCreate(ctx context.Context, chatID string, tickets []*store.Ticket) {
	metrics.Compensations.Inc()
	for _, t := range tickets {
		if t == nil {
			continue
		}
		if _, err := s.members.Revoke(ctx, t.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("chat: rollback revoke ticket=%d chat=%s: %v", t.ID, chatID, err)
		}
	}
	if err := s.store.DeleteChat(ctx, chatID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("chat: rollback delete chat=%s: %v", chatID, err)
	}
	log.Printf("chat: rolled back creation of chat=%s", chatID)
}

// DeleteChat deletes the chat with its tickets and messages. Any member may
// delete. The ChatDeleted event goes to the members captured before the
// tickets were removed, and is sent even when removing the messages or the
// chat row fails: without tickets the chat is already gone for its members.
func (s *Service) DeleteChat(ctx context.Context, chatID string, requesterID int64) error {
	if _, err := s.store.GetChat(ctx, chatID); err != nil {
		return fmt.Errorf("chat: delete %s: %w", chatID, err)
	}
	if err := s.requireMember(ctx, chatID, requesterID); err != nil {
		return err
	}

	audience, err := s.members.RevokeAll(ctx, chatID)
	if err != nil {
		return fmt.Errorf("chat: delete %s: %w", chatID, err)
	}
	err = s.purge(ctx, chatID)
	s.events.Publish(ctx, protocol.Event{Kind: protocol.EventChatDeleted, ChatID: chatID, Audience: audience})
	if err != nil {
		log.Printf("chat: chat=%s has no members left but was not purged: %v", chatID, err)
		return err
	}

	log.Printf("chat: deleted chat=%s by user=%d members=%d", chatID, requesterID, len(audience))
	return nil
}

func (s *Service) purge(ctx context.Context, chatID string) error {
	if err := s.store.DeleteMessagesByChat(ctx, chatID); err != nil {
		return fmt.Errorf("chat: delete %s messages: %w", chatID, err)
	}
	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		return fmt.Errorf("chat: delete %s: %w", chatID, err)
	}
	return nil
}

// Invite grants the user named login a ticket for chatID. The invitee
// receives ChatCreated so their chat list gains the chat; every member
// receives TicketGranted.
func (s *Service) Invite(ctx context.Context, chatID string, inviterID int64, login string) (*store.Ticket, error) {
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat: invite to %s: %w", chatID, err)
	}
	if err := s.requireMember(ctx, chatID, inviterID); err != nil {
		return nil, err
	}
	invitee, err := s.findUser(ctx, login)
	if err != nil {
		return nil, err
	}

	t, err := s.members.Grant(ctx, chatID, invitee.ID)
	if err != nil {
		return nil, fmt.Errorf("chat: invite to %s: %w", chatID, err)
	}

	s.events.Publish(ctx, protocol.Event{Kind: protocol.EventChatCreated, ChatID: chatID, Chat: c, Invited: true, Audience: []int64{invitee.ID}})
	s.events.Publish(ctx, protocol.Event{Kind: protocol.EventTicketGranted, ChatID: chatID, Ticket: t})
	return t, nil
}

// RemoveMember revokes memberID's ticket. Members may remove anyone,
// including themselves. Remaining members receive TicketRevoked; the removed
// user receives ChatDeleted.
func (s *Service) RemoveMember(ctx context.Context, chatID string, requesterID, memberID int64) error {
	if err := s.requireMember(ctx, chatID, requesterID); err != nil {
		return err
	}

	t, err := s.members.RevokeMember(ctx, chatID, memberID)
	if err != nil {
		return fmt.Errorf("chat: remove member %d from %s: %w", memberID, chatID, err)
	}

	s.events.Publish(ctx, protocol.Event{Kind: protocol.EventTicketRevoked, ChatID: chatID, Ticket: t})
	s.events.Publish(ctx, protocol.Event{Kind: protocol.EventChatDeleted, ChatID: chatID, Audience: []int64{memberID}})
	return nil
}

// SendMessage stores and publishes a message from senderID.
func (s *Service) SendMessage(ctx context.Context, chatID string, senderID int64, content string) (*store.Message, error) {
	if err := ValidateMessage(content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAcceptable, err)
	}

	m := &store.Message{ChatID: chatID, SenderID: senderID, Content: content, CreatedAt: s.now().UTC()}
	err := s.asMember(ctx, chatID, senderID, func() error {
		if err := s.store.CreateMessage(ctx, m); err != nil {
			return fmt.Errorf("chat: send to %s: %w", chatID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, protocol.Event{Kind: protocol.EventMessageCreated, ChatID: chatID, Message: m})
	return m, nil
}

// EditMessage replaces the content of a message. Only its sender, while
// still a member, may edit it.
func (s *Service) EditMessage(ctx context.Context, messageID, editorID int64, content string) (*store.Message, error) {
	if err := ValidateMessage(content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAcceptable, err)
	}
	m, err := s.authorOf(ctx, messageID, editorID)
	if err != nil {
		return nil, err
	}

	var updated *store.Message
	err = s.asMember(ctx, m.ChatID, editorID, func() error {
		var err error
		updated, err = s.store.UpdateMessageContent(ctx, m.ID, content)
		if err != nil {
			return fmt.Errorf("chat: edit message %d: %w", messageID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, protocol.Event{Kind: protocol.EventMessageEdited, ChatID: updated.ChatID, Message: updated})
	return updated, nil
}

// DeleteMessage hard-deletes a message. Only its sender, while still a
// member, may delete it.
func (s *Service) DeleteMessage(ctx context.Context, messageID, requesterID int64) error {
	m, err := s.authorOf(ctx, messageID, requesterID)
	if err != nil {
		return err
	}
	err = s.asMember(ctx, m.ChatID, requesterID, func() error {
		if err := s.store.DeleteMessage(ctx, m.ID); err != nil {
			return fmt.Errorf("chat: delete message %d: %w", messageID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Publish(ctx, protocol.Event{Kind: protocol.EventMessageDeleted, ChatID: m.ChatID, MessageID: m.ID})
	return nil
}

// ListChats returns the user's chats with their last messages.
func (s *Service) ListChats(ctx context.Context, userID int64) ([]store.ChatSummary, error) {
	chats, err := s.store.FindChatsOf(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: list chats of %d: %w", userID, err)
	}
	return chats, nil
}

// LoadMessages returns a chat's full timeline to one of its members.
func (s *Service) LoadMessages(ctx context.Context, chatID string, userID int64) ([]store.Message, error) {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.store.FindMessagesByChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat: load messages of %s: %w", chatID, err)
	}
	return msgs, nil
}

func (s *Service) findUser(ctx context.Context, login string) (*store.User, error) {
	u, err := s.store.FindUserByLoginOrEmail(ctx, strings.ToLower(strings.TrimSpace(login)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrUserNotFound, login)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: find user %q: %w", login, err)
	}
	return u, nil
}

func (s *Service) requireMember(ctx context.Context, chatID string, userID int64) error {
	ok, err := s.members.IsMember(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("chat: check membership: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: user %d is not a member of %s", ErrForbidden, userID, chatID)
	}
	return nil
}

// asMember runs write while userID's ticket for chatID is held.
func (s *Service) asMember(ctx context.Context, chatID string, userID int64, write func() error) error {
	ran, err := s.members.AsMember(ctx, chatID, userID, write)
	switch {
	case ran:
		return err
	case err != nil:
		return fmt.Errorf("chat: check membership: %w", err)
	default:
		return fmt.Errorf("%w: user %d is not a member of %s", ErrForbidden, userID, chatID)
	}
}

// authorOf returns the message if userID sent it. Membership is checked by
// the caller's write.
func (s *Service) authorOf(ctx context.Context, messageID, userID int64) (*store.Message, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("chat: message %d: %w", messageID, err)
	}
	if m.SenderID != userID {
		return nil, fmt.Errorf("%w: message %d belongs to user %d", ErrForbidden, messageID, m.SenderID)
	}
	return m, nil
}
