package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sation/messenger/internal/protocol"
	"github.com/sation/messenger/internal/session"
	"github.com/sation/messenger/internal/store"
)

const chatA = "7b0c3e1e-8a4f-4f7e-9a43-2f1c0d2f9b10"

// recorder is a synchronous Deliverer that remembers frames per connection.
type recorder struct {
	mu     sync.Mutex
	frames map[string][][]byte
	closed map[string]bool
}

func newRecorder() *recorder {
	return &recorder{frames: make(map[string][][]byte), closed: make(map[string]bool)}
}

func (r *recorder) Deliver(connID string, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed[connID] {
		return false
	}
	r.frames[connID] = append(r.frames[connID], data)
	return true
}

func (r *recorder) kinds(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.frames[connID] {
		ev, _, _ := protocol.ParseServerEvent(f)
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) count(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames[connID])
}

// members is an in-memory Entitlements.
type members struct {
	mu  sync.Mutex
	by  map[string][]int64
	err error
}

func (m *members) MembersOf(_ context.Context, chatID string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.by[chatID], m.err
}

type loader map[int64][]store.Ticket

func (l loader) FindMembershipsOf(_ context.Context, userID int64) ([]store.Ticket, error) {
	return l[userID], nil
}

type fixture struct {
	reg     *session.Registry
	members *members
	out     *recorder
	b       *Broadcaster
}

// newFixture attaches c1,c2 for user 1, c3 for user 2 and c4 for user 3.
// Users 1 and 2 hold tickets for chatA; user 3 does not.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	tickets := loader{
		1: {{ChatID: chatA, MemberID: 1}},
		2: {{ChatID: chatA, MemberID: 2}},
	}
	reg := session.NewRegistry(tickets, nil)
	ctx := context.Background()
	for conn, user := range map[string]int64{"c1": 1, "c2": 1, "c3": 2, "c4": 3} {
		require.NoError(t, reg.Attach(ctx, conn, user))
	}
	m := &members{by: map[string][]int64{chatA: {1, 2}}}
	out := newRecorder()
	return &fixture{reg: reg, members: m, out: out, b: New(&Locks{}, m, reg, out)}
}

func msgEvent(id int64) protocol.Event {
	return protocol.Event{
		Kind:    protocol.EventMessageCreated,
		ChatID:  chatA,
		Message: &store.Message{ID: id, ChatID: chatA, SenderID: 1, Content: fmt.Sprint(id)},
	}
}

func TestPublish_MembersOnly(t *testing.T) {
	f := newFixture(t)
	// c4 joined the group without a ticket; membership wins.
	f.reg.Join("c4", chatA)

	f.b.Publish(context.Background(), msgEvent(1))

	for _, conn := range []string{"c1", "c2", "c3"} {
		require.Equal(t, 1, f.out.count(conn), conn)
	}
	require.Zero(t, f.out.count("c4"))
}

func TestPublish_RevokedMemberStopsReceiving(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.b.Publish(ctx, msgEvent(1))
	f.members.by[chatA] = []int64{1}
	f.b.Publish(ctx, msgEvent(2))

	require.Equal(t, 2, f.out.count("c1"))
	require.Equal(t, 1, f.out.count("c3"))
}

func TestPublish_ExplicitAudience(t *testing.T) {
	f := newFixture(t)

	f.b.Publish(context.Background(), protocol.Event{
		Kind:     protocol.EventChatDeleted,
		ChatID:   chatA,
		Audience: []int64{1, 3, 1},
	})

	require.Equal(t, 1, f.out.count("c1"))
	require.Equal(t, 1, f.out.count("c2"))
	require.Equal(t, 1, f.out.count("c4"))
	require.Zero(t, f.out.count("c3"))
}

func TestPublish_MembershipLookupFailureDeliversNothing(t *testing.T) {
	f := newFixture(t)
	f.members.err = errors.New("db down")

	f.b.Publish(context.Background(), msgEvent(1))

	for _, conn := range []string{"c1", "c2", "c3", "c4"} {
		require.Zero(t, f.out.count(conn))
	}
}

func TestPublish_DetachedConnectionIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.reg.Detach(context.Background(), "c2")

	f.b.Publish(context.Background(), msgEvent(1))

	require.Equal(t, 1, f.out.count("c1"))
	require.Zero(t, f.out.count("c2"))
}

func TestPublish_SameOrderForEveryRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			f.b.Publish(ctx, msgEvent(id))
		}(i)
	}
	wg.Wait()

	ids := func(conn string) []string {
		f.out.mu.Lock()
		defer f.out.mu.Unlock()
		var out []string
		for _, fr := range f.out.frames[conn] {
			ev, _, _ := protocol.ParseServerEvent(fr)
			out = append(out, ev.Message.Content)
		}
		return out
	}
	first := ids("c1")
	require.Len(t, first, 50)
	require.Equal(t, first, ids("c2"))
	require.Equal(t, first, ids("c3"))
}

type captureRelay struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (r *captureRelay) PublishEvent(_ string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, data)
	return nil
}

func TestRelay_PeerAppliesHandOffAndDelivers(t *testing.T) {
	ctx := context.Background()
	origin := newFixture(t)
	relay := &captureRelay{}
	origin.b.SetRelay(relay, "node-a")

	// Peer node: user 3 is connected there and is about to be granted.
	peerReg := session.NewRegistry(loader{}, nil)
	require.NoError(t, peerReg.Attach(ctx, "p1", 3))
	peerMembers := &members{by: map[string][]int64{chatA: {1, 2, 3}}}
	peerOut := newRecorder()
	peer := New(&Locks{}, peerMembers, peerReg, peerOut)
	peer.SetRelay(&captureRelay{}, "node-b")

	origin.b.Publish(ctx, protocol.Event{
		Kind:   protocol.EventTicketGranted,
		ChatID: chatA,
		Ticket: &store.Ticket{ID: 9, ChatID: chatA, MemberID: 3},
	})
	require.Len(t, relay.payloads, 1)

	peer.HandleRemote(ctx, relay.payloads[0])
	require.Equal(t, []string{chatA}, peerReg.ChatsOf("p1"))
	require.Equal(t, []string{protocol.EventTicketGranted}, peerOut.kinds("p1"))

	// The origin ignores its own echo.
	before := origin.out.count("c1")
	origin.b.HandleRemote(ctx, relay.payloads[0])
	require.Equal(t, before, origin.out.count("c1"))
}

func TestRelay_AudienceSurvivesTheHop(t *testing.T) {
	ctx := context.Background()
	origin := newFixture(t)
	relay := &captureRelay{}
	origin.b.SetRelay(relay, "node-a")

	origin.b.Publish(ctx, protocol.Event{Kind: protocol.EventChatDeleted, ChatID: chatA, Audience: []int64{7}})

	var env relayEnvelope
	require.NoError(t, json.Unmarshal(relay.payloads[0], &env))
	require.Equal(t, []int64{7}, env.Audience)

	peerReg := session.NewRegistry(loader{
		7: {{ChatID: chatA, MemberID: 7}},
		8: {{ChatID: chatA, MemberID: 8}},
	}, nil)
	require.NoError(t, peerReg.Attach(ctx, "p7", 7))
	require.NoError(t, peerReg.Attach(ctx, "p8", 8))
	peerOut := newRecorder()
	peer := New(&Locks{}, &members{}, peerReg, peerOut)
	peer.SetRelay(&captureRelay{}, "node-b")

	peer.HandleRemote(ctx, relay.payloads[0])
	require.Equal(t, []string{protocol.EventChatDeleted}, peerOut.kinds("p7"))
	require.Empty(t, peerReg.ChatsOf("p7"))

	// Only the audience leaves; a removed member's ChatDeleted must not
	// detach the rest of the chat.
	require.Empty(t, peerOut.kinds("p8"))
	require.Equal(t, []string{chatA}, peerReg.ChatsOf("p8"))
}

func TestLocks_SameChatSerializes(t *testing.T) {
	var l Locks
	var mu sync.Mutex
	var order []int

	unlock := l.Lock(chatA)
	done := make(chan struct{})
	go func() {
		u := l.Lock(chatA)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		u()
		close(done)
	}()
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()
	<-done

	require.Equal(t, []int{1, 2}, order)
}
