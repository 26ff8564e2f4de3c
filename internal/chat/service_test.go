package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sation/messenger/internal/broadcast"
	"github.com/sation/messenger/internal/membership"
	"github.com/sation/messenger/internal/protocol"
	"github.com/sation/messenger/internal/session"
	"github.com/sation/messenger/internal/store"
)

// inbox records decoded events per connection.
type inbox struct {
	mu     sync.Mutex
	events map[string][]protocol.Event
}

func (in *inbox) Deliver(connID string, data []byte) bool {
	ev, ok, err := protocol.ParseServerEvent(data)
	if err != nil || !ok {
		return false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.events[connID] = append(in.events[connID], ev)
	return true
}

func (in *inbox) kinds(connID string) []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []string
	for _, ev := range in.events[connID] {
		out = append(out, ev.Kind)
	}
	return out
}

func (in *inbox) reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.events = make(map[string][]protocol.Event)
}

// failingStore fails CreateTicket for one member.
type failingStore struct {
	*store.Memory
	failFor int64
}

func (s *failingStore) CreateTicket(ctx context.Context, chatID string, memberID int64) (*store.Ticket, error) {
	if memberID == s.failFor {
		return nil, errors.New("disk full")
	}
	return s.Memory.CreateTicket(ctx, chatID, memberID)
}

type harness struct {
	store store.Store
	mem   *store.Memory
	reg   *session.Registry
	in    *inbox
	svc   *Service
	users map[string]*store.User
}

func newHarness(t *testing.T, wrap func(*store.Memory) store.Store) *harness {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	var s store.Store = mem
	if wrap != nil {
		s = wrap(mem)
	}

	users := make(map[string]*store.User)
	for _, login := range []string{"alice", "bob", "carol"} {
		u := &store.User{Login: login, Email: login + "@example.com"}
		require.NoError(t, mem.CreateUser(ctx, u))
		users[login] = u
	}

	locks := &broadcast.Locks{}
	reg := session.NewRegistry(s, nil)
	members := membership.NewManager(s, reg, locks)
	in := &inbox{events: make(map[string][]protocol.Event)}
	b := broadcast.New(locks, members, reg, in)

	for login, u := range users {
		require.NoError(t, reg.Attach(ctx, login+"-conn", u.ID))
	}

	return &harness{store: s, mem: mem, reg: reg, in: in, svc: NewService(s, members, b), users: users}
}

func (h *harness) id(login string) int64 { return h.users[login].ID }

func TestCreateTwoPersonChat(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	created, err := h.svc.CreateTwoPersonChat(ctx, h.id("alice"), "BOB", "  Trip ")
	require.NoError(t, err)
	require.Equal(t, "Trip", created.Chat.Name)
	require.Len(t, created.Tickets, 2)

	members, err := h.mem.FindMembersOf(ctx, created.Chat.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{h.id("alice"), h.id("bob")}, members)

	want := []string{protocol.EventChatCreated, protocol.EventTicketGranted, protocol.EventTicketGranted}
	require.Equal(t, want, h.in.kinds("alice-conn"))
	require.Equal(t, want, h.in.kinds("bob-conn"))
	require.Empty(t, h.in.kinds("carol-conn"))
	require.False(t, h.in.events["alice-conn"][0].Invited)
}

func TestCreateTwoPersonChat_Rejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.CreateTwoPersonChat(ctx, h.id("alice"), "nobody", "Trip")
	require.ErrorIs(t, err, ErrUserNotFound)

	_, err = h.svc.CreateTwoPersonChat(ctx, h.id("alice"), "alice", "Trip")
	require.ErrorIs(t, err, ErrNotAcceptable)

	_, err = h.svc.CreateTwoPersonChat(ctx, h.id("alice"), "bob", "   ")
	require.ErrorIs(t, err, ErrNotAcceptable)

	chats, err := h.mem.FindChatsOf(ctx, h.id("alice"))
	require.NoError(t, err)
	require.Empty(t, chats)
}

func TestCreateTwoPersonChat_AllOrNothing(t *testing.T) {
	for _, failing := range []string{"alice", "bob"} {
		t.Run("grant fails for "+failing, func(t *testing.T) {
			var fs *failingStore
			h := newHarness(t, func(m *store.Memory) store.Store {
				fs = &failingStore{Memory: m}
				return fs
			})
			fs.failFor = h.id(failing)
			ctx := context.Background()

			_, err := h.svc.CreateTwoPersonChat(ctx, h.id("alice"), "bob", "Trip")
			require.ErrorIs(t, err, ErrPartialFailure)

			for _, login := range []string{"alice", "bob"} {
				chats, err := h.mem.FindChatsOf(ctx, h.id(login))
				require.NoError(t, err)
				require.Empty(t, chats, login)
				tickets, err := h.mem.FindMembershipsOf(ctx, h.id(login))
				require.NoError(t, err)
				require.Empty(t, tickets, login)
				require.Empty(t, h.reg.ChatsOf(login+"-conn"), login)
				require.Empty(t, h.in.kinds(login+"-conn"), login)
			}
		})
	}
}

// Creator creates "Trip" with bob; bob is removed and sees the chat go away
// while alice keeps receiving its events.
func TestRemoveMember_RemovedUserSeesChatDeleted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	created, err := h.svc.CreateTwoPersonChat(ctx, h.id("alice"), "bob", "Trip")
	require.NoError(t, err)
	h.in.reset()

	require.NoError(t, h.svc.RemoveMember(ctx, created.Chat.ID, h.id("alice"), h.id("bob")))
	require.Equal(t, []string{protocol.EventChatDeleted}, h.in.kinds("bob-conn"))
	require.Equal(t, []string{protocol.EventTicketRevoked}, h.in.kinds("alice-conn"))

	h.in.reset()
	_, err = h.svc.SendMessage(ctx, created.Chat.ID, h.id("alice"), "still here")
	require.NoError(t, err)
	require.Equal(t, []string{protocol.EventMessageCreated}, h.in.kinds("alice-conn"))
	require.Empty(t, h.in.kinds("bob-conn"))

	_, err = h.svc.SendMessage(ctx, created.Chat.ID, h.id("bob"), "let me in")
	require.ErrorIs(t, err, ErrForbidden)
}

// Deleting a chat with two connected members yields exactly one ChatDeleted
// per connection even though membership is empty afterwards.
func TestDeleteChat_AudienceCapturedBeforeDelete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.reg.Attach(ctx, "bob-phone", h.id("bob")))

	created, err := h.svc.CreateTwoPersonChat(ctx, h.id("alice"), "bob", "Trip")
	require.NoError(t, err)
	_, err = h.svc.SendMessage(ctx, created.Chat.ID, h.id("bob"), "hi")
	require.NoError(t, err)
	h.in.reset()

	require.ErrorIs(t, h.svc.DeleteChat(ctx, created.Chat.ID, h.id("carol")), ErrForbidden)
	require.NoError(t, h.svc.DeleteChat(ctx, created.Chat.ID, h.id("bob")))

	for _, conn := range []string{"alice-conn", "bob-conn", "bob-phone"} {
		require.Equal(t, []string{protocol.EventChatDeleted}, h.in.kinds(conn), conn)
	}
	require.Empty(t, h.in.kinds("carol-conn"))
	require.Empty(t, h.reg.RecipientsFor(created.Chat.ID))

	_, err = h.mem.GetChat(ctx, created.Chat.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, h.svc.DeleteChat(ctx, created.Chat.ID, h.id("bob")), ErrNotFound)
}

func TestInvite(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	created, err := h.svc.CreateTwoPersonChat(ctx, h.id("alice"), "bob", "Trip")
	require.NoError(t, err)
	h.in.reset()

	_, err = h.svc.Invite(ctx, created.Chat.ID, h.id("carol"), "carol")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.Invite(ctx, created.Chat.ID, h.id("bob"), "carol")
	require.NoError(t, err)
	require.Equal(t, []string{protocol.EventChatCreated, protocol.EventTicketGranted}, h.in.kinds("carol-conn"))
	require.True(t, h.in.events["carol-conn"][0].Invited)
	require.Equal(t, []string{protocol.EventTicketGranted}, h.in.kinds("alice-conn"))

	_, err = h.svc.Invite(ctx, created.Chat.ID, h.id("bob"), "carol")
	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, err, membership.ErrAlreadyMember)
}

func TestMessages_EditDeleteAuthorization(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	created, err := h.svc.CreateTwoPersonChat(ctx, h.id("alice"), "bob", "Trip")
	require.NoError(t, err)
	chatID := created.Chat.ID

	_, err = h.svc.SendMessage(ctx, chatID, h.id("carol"), "hello?")
	require.ErrorIs(t, err, ErrForbidden)
	_, err = h.svc.SendMessage(ctx, chatID, h.id("alice"), "   ")
	require.ErrorIs(t, err, ErrNotAcceptable)

	m, err := h.svc.SendMessage(ctx, chatID, h.id("alice"), "hi")
	require.NoError(t, err)
	h.in.reset()

	_, err = h.svc.EditMessage(ctx, m.ID, h.id("bob"), "hacked")
	require.ErrorIs(t, err, ErrForbidden)

	edited, err := h.svc.EditMessage(ctx, m.ID, h.id("alice"), "hi all")
	require.NoError(t, err)
	require.True(t, edited.Edited)
	require.Equal(t, m.ID, edited.ID)
	require.Equal(t, chatID, edited.ChatID)
	require.True(t, m.CreatedAt.Equal(edited.CreatedAt))

	require.ErrorIs(t, h.svc.DeleteMessage(ctx, m.ID, h.id("bob")), ErrForbidden)
	require.NoError(t, h.svc.DeleteMessage(ctx, m.ID, h.id("alice")))
	require.ErrorIs(t, h.svc.DeleteMessage(ctx, m.ID, h.id("alice")), ErrNotFound)

	require.Equal(t, []string{protocol.EventMessageEdited, protocol.EventMessageDeleted}, h.in.kinds("bob-conn"))
	last := h.in.events["bob-conn"][1]
	require.Equal(t, m.ID, last.MessageID)
	require.Equal(t, chatID, last.ChatID)
}

func TestListAndLoad(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	created, err := h.svc.CreateTwoPersonChat(ctx, h.id("alice"), "bob", "Trip")
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		_, err := h.svc.SendMessage(ctx, created.Chat.ID, h.id("bob"), text)
		require.NoError(t, err)
	}

	chats, err := h.svc.ListChats(ctx, h.id("alice"))
	require.NoError(t, err)
	require.Len(t, chats, 1)
	require.Equal(t, "three", chats[0].LastMessage.Content)

	msgs, err := h.svc.LoadMessages(ctx, created.Chat.ID, h.id("alice"))
	require.NoError(t, err)
	contents := make([]string, len(msgs))
	for i, m := range msgs {
		contents[i] = m.Content
	}
	require.Equal(t, []string{"one", "two", "three"}, contents)
	require.True(t, sort.SliceIsSorted(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) }))

	_, err = h.svc.LoadMessages(ctx, created.Chat.ID, h.id("carol"))
	require.ErrorIs(t, err, ErrForbidden)
}

// captured records published events without delivering them.
type captured struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *captured) Publish(_ context.Context, ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func TestCreateTwoPersonChat_ChatCreatedAddressesBothMembers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	out := &captured{}
	members := membership.NewManager(h.store, h.reg, &broadcast.Locks{})
	svc := NewService(h.store, members, out)

	_, err := svc.CreateTwoPersonChat(ctx, h.id("alice"), "bob", "Trip")
	require.NoError(t, err)

	require.Equal(t, protocol.EventChatCreated, out.events[0].Kind)
	require.ElementsMatch(t, []int64{h.id("alice"), h.id("bob")}, out.events[0].Audience)
}

// revokeOnWrite starts revoke as soon as CreateMessage is entered and
// records whether the sender still held a ticket when the row was written.
type revokeOnWrite struct {
	*store.Memory
	revoke  func()
	revoked chan struct{}
	held    bool
}

func (s *revokeOnWrite) CreateMessage(ctx context.Context, m *store.Message) error {
	if s.revoke != nil {
		go func() {
			s.revoke()
			close(s.revoked)
		}()
		select {
		case <-s.revoked:
		case <-time.After(50 * time.Millisecond):
		}
		_, err := s.Memory.FindTicket(ctx, m.ChatID, m.SenderID)
		s.held = err == nil
	}
	return s.Memory.CreateMessage(ctx, m)
}

func TestSendMessage_TicketHeldUntilWritten(t *testing.T) {
	var rs *revokeOnWrite
	h := newHarness(t, func(m *store.Memory) store.Store {
		rs = &revokeOnWrite{Memory: m, revoked: make(chan struct{})}
		return rs
	})
	ctx := context.Background()

	created, err := h.svc.CreateTwoPersonChat(ctx, h.id("alice"), "bob", "Trip")
	require.NoError(t, err)
	chatID := created.Chat.ID
	rs.revoke = func() {
		_ = h.svc.RemoveMember(ctx, chatID, h.id("alice"), h.id("bob"))
	}

	_, err = h.svc.SendMessage(ctx, chatID, h.id("bob"), "racing")
	require.NoError(t, err)
	require.True(t, rs.held)

	<-rs.revoked
	rs.revoke = nil
	_, err = h.svc.SendMessage(ctx, chatID, h.id("bob"), "too late")
	require.ErrorIs(t, err, ErrForbidden)
}

// purgeFails fails to delete a chat's messages.
type purgeFails struct {
	*store.Memory
}

func (s *purgeFails) DeleteMessagesByChat(context.Context, string) error {
	return errors.New("disk full")
}

func TestDeleteChat_MembersToldWhenPurgeFails(t *testing.T) {
	h := newHarness(t, func(m *store.Memory) store.Store { return &purgeFails{Memory: m} })
	ctx := context.Background()

	created, err := h.svc.CreateTwoPersonChat(ctx, h.id("alice"), "bob", "Trip")
	require.NoError(t, err)
	h.in.reset()

	require.Error(t, h.svc.DeleteChat(ctx, created.Chat.ID, h.id("alice")))

	for _, login := range []string{"alice", "bob"} {
		require.Equal(t, []string{protocol.EventChatDeleted}, h.in.kinds(login+"-conn"), login)
		chats, err := h.mem.FindChatsOf(ctx, h.id(login))
		require.NoError(t, err)
		require.Empty(t, chats, login)
	}
}
