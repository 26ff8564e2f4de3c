package main

import (
	"context"
	"time"

	"github.com/sation/messenger/internal/chat"
	"github.com/sation/messenger/internal/protocol"
	"github.com/sation/messenger/internal/ratelimit"
	"github.com/sation/messenger/internal/ws"
)

// userLimiter throttles writes per user. *ratelimit.Limiter satisfies it.
type userLimiter interface {
	AllowUser(ctx context.Context, userID int64, rule ratelimit.Rule) bool
}

// handlers binds the chat write operations to WebSocket request types.
type handlers struct {
	chats   *chat.Service
	limiter userLimiter // nil disables throttling
	timeout time.Duration
}

func (h *handlers) register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeCreateChat, h.createChat)
	d.Register(protocol.TypeDeleteChat, h.deleteChat)
	d.Register(protocol.TypeInviteMember, h.inviteMember)
	d.Register(protocol.TypeRemoveMember, h.removeMember)
	d.Register(protocol.TypeSendMessage, h.sendMessage)
	d.Register(protocol.TypeEditMessage, h.editMessage)
	d.Register(protocol.TypeDeleteMessage, h.deleteMessage)
}

func (h *handlers) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.timeout)
}

func (h *handlers) allow(ctx context.Context, userID int64, rule ratelimit.Rule) error {
	if h.limiter != nil && !h.limiter.AllowUser(ctx, userID, rule) {
		return ratelimit.ErrLimited
	}
	return nil
}

func (h *handlers) createChat(conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.CreateChatMsg)
	ctx, cancel := h.context()
	defer cancel()

	if err := h.allow(ctx, conn.UserID, ratelimit.RuleChatCreate); err != nil {
		return err
	}
	_, err := h.chats.CreateTwoPersonChat(ctx, conn.UserID, m.Login, m.Name)
	return err
}

func (h *handlers) deleteChat(conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.DeleteChatMsg)
	ctx, cancel := h.context()
	defer cancel()

	return h.chats.DeleteChat(ctx, m.ChatID, conn.UserID)
}

func (h *handlers) inviteMember(conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.InviteMemberMsg)
	ctx, cancel := h.context()
	defer cancel()

	if err := h.allow(ctx, conn.UserID, ratelimit.RuleChatCreate); err != nil {
		return err
	}
	_, err := h.chats.Invite(ctx, m.ChatID, conn.UserID, m.Login)
	return err
}

func (h *handlers) removeMember(conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.RemoveMemberMsg)
	ctx, cancel := h.context()
	defer cancel()

	return h.chats.RemoveMember(ctx, m.ChatID, conn.UserID, m.UserID)
}

func (h *handlers) sendMessage(conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.SendMessageMsg)
	ctx, cancel := h.context()
	defer cancel()

	if err := h.allow(ctx, conn.UserID, ratelimit.RuleMessage); err != nil {
		return err
	}
	_, err := h.chats.SendMessage(ctx, m.ChatID, conn.UserID, m.Content)
	return err
}

func (h *handlers) editMessage(conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.EditMessageMsg)
	ctx, cancel := h.context()
	defer cancel()

	if err := h.allow(ctx, conn.UserID, ratelimit.RuleMessage); err != nil {
		return err
	}
	_, err := h.chats.EditMessage(ctx, m.MessageID, conn.UserID, m.Content)
	return err
}

func (h *handlers) deleteMessage(conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.DeleteMessageMsg)
	ctx, cancel := h.context()
	defer cancel()

	return h.chats.DeleteMessage(ctx, m.MessageID, conn.UserID)
}
