package main

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/sation/messenger/internal/broadcast"
	"github.com/sation/messenger/internal/chat"
	"github.com/sation/messenger/internal/httpapi"
	"github.com/sation/messenger/internal/membership"
	"github.com/sation/messenger/internal/protocol"
	"github.com/sation/messenger/internal/ratelimit"
	"github.com/sation/messenger/internal/session"
	"github.com/sation/messenger/internal/store"
	"github.com/sation/messenger/internal/ws"
)

type recorder struct {
	mu    sync.Mutex
	kinds map[string][]string
}

func (r *recorder) Deliver(connID string, data []byte) bool {
	ev, ok, _ := protocol.ParseServerEvent(data)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[connID] = append(r.kinds[connID], ev.Kind)
	return true
}

func (r *recorder) of(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds[connID]...)
}

type limitAfter struct{ n int }

func (l *limitAfter) AllowUser(context.Context, int64, ratelimit.Rule) bool {
	l.n--
	return l.n >= 0
}

type stack struct {
	dispatcher *ws.MessageDispatcher
	db         *store.Memory
	events     *recorder
	alice      *ws.Connection
	client     net.Conn
}

func newStack(t *testing.T, limiter userLimiter) *stack {
	t.Helper()
	ctx := context.Background()
	db := store.NewMemory()
	alice := &store.User{Login: "alice", Email: "alice@example.com", PasswordHash: "x"}
	bob := &store.User{Login: "bob", Email: "bob@example.com", PasswordHash: "x"}
	require.NoError(t, db.CreateUser(ctx, alice))
	require.NoError(t, db.CreateUser(ctx, bob))

	locks := &broadcast.Locks{}
	registry := session.NewRegistry(db, nil)
	events := &recorder{kinds: make(map[string][]string)}
	members := membership.NewManager(db, registry, locks)
	chats := chat.NewService(db, members, broadcast.New(locks, members, registry, events))

	require.NoError(t, registry.Attach(ctx, "conn-alice", alice.ID))
	require.NoError(t, registry.Attach(ctx, "conn-bob", bob.ID))

	d := ws.NewMessageDispatcher()
	d.SetErrorCoder(httpapi.ErrorCode)
	(&handlers{chats: chats, limiter: limiter, timeout: time.Second}).register(d)

	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return &stack{
		dispatcher: d,
		db:         db,
		events:     events,
		alice:      &ws.Connection{ID: "conn-alice", UserID: alice.ID, Conn: server},
		client:     client,
	}
}

func (s *stack) errorFrame(t *testing.T, request string) protocol.ErrorMsg {
	t.Helper()
	go s.dispatcher.Dispatch(s.alice, []byte(request))
	_ = s.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _, err := wsutil.ReadServerData(s.client)
	require.NoError(t, err)
	var e protocol.ErrorMsg
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func TestCreateChatAndSend(t *testing.T) {
	s := newStack(t, nil)

	s.dispatcher.Dispatch(s.alice, []byte(`{"type":"create_chat","name":"Trip","login":"bob"}`))
	chats, err := s.db.FindChatsOf(context.Background(), s.alice.UserID)
	require.NoError(t, err)
	require.Len(t, chats, 1)

	s.dispatcher.Dispatch(s.alice, []byte(`{"type":"send_message","chat_id":"`+chats[0].ID+`","content":"hello"}`))

	require.Contains(t, s.events.of("conn-bob"), protocol.EventChatCreated)
	require.Contains(t, s.events.of("conn-bob"), protocol.EventMessageCreated)
	require.Contains(t, s.events.of("conn-alice"), protocol.EventMessageCreated)
}

func TestHandlerErrorsBecomeFrames(t *testing.T) {
	s := newStack(t, nil)

	e := s.errorFrame(t, `{"type":"create_chat","name":"Trip","login":"nobody"}`)
	require.Equal(t, protocol.CodeNotFound, e.Code)
	require.Equal(t, protocol.TypeCreateChat, e.Request)

	e = s.errorFrame(t, `{"type":"create_chat","name":"Trip","login":"alice"}`)
	require.Equal(t, protocol.CodeNotAcceptable, e.Code)

	e = s.errorFrame(t, `{"type":"send_message","chat_id":"2f1c7d1e-8a8e-4c1a-9d4c-3b8f2f0e6a11","content":"hi"}`)
	require.Equal(t, protocol.CodeForbidden, e.Code)

	e = s.errorFrame(t, `{"type":"delete_message","message_id":42}`)
	require.Equal(t, protocol.CodeNotFound, e.Code)
}

func TestSendMessageRateLimited(t *testing.T) {
	s := newStack(t, &limitAfter{n: 1})

	s.dispatcher.Dispatch(s.alice, []byte(`{"type":"create_chat","name":"Trip","login":"bob"}`))
	chats, err := s.db.FindChatsOf(context.Background(), s.alice.UserID)
	require.NoError(t, err)
	require.Len(t, chats, 1)

	e := s.errorFrame(t, `{"type":"send_message","chat_id":"`+chats[0].ID+`","content":"hello"}`)
	require.Equal(t, protocol.CodeRateLimited, e.Code)
}
