package ws

import (
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/require"
)

func TestConnectionLastSeen(t *testing.T) {
	created := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	c := &Connection{CreatedAt: created}
	require.True(t, c.LastSeen().Equal(created))

	c.Touch(created.Add(time.Minute))
	require.True(t, c.LastSeen().Equal(created.Add(time.Minute)))
}

func TestPartitionStale(t *testing.T) {
	now := time.Now()
	fresh := &Connection{ID: "fresh", CreatedAt: now.Add(-time.Hour)}
	fresh.Touch(now.Add(-5 * time.Second))
	idle := &Connection{ID: "idle", CreatedAt: now.Add(-time.Hour)}

	stale, live := partitionStale([]*Connection{fresh, idle}, now, 40*time.Second)
	require.Equal(t, []*Connection{idle}, stale)
	require.Equal(t, []*Connection{fresh}, live)
}

func TestHeartbeatEvictsStaleAndReportsLive(t *testing.T) {
	s := NewServer(DefaultServerConfig(), staticProvider{}, nil)
	now := time.Now()

	live, liveClient := pipeConn(t)
	live.CreatedAt = now
	stale, _ := pipeConn(t)
	stale.ID = "conn-2"
	stale.CreatedAt = now.Add(-time.Minute)
	s.conns.Add(live)
	s.conns.Add(stale)

	var alive, disconnected []string
	s.SetOnAlive(func(c *Connection) { alive = append(alive, c.ID) })
	s.SetOnDisconnect(func(id string) { disconnected = append(disconnected, id) })

	pinged := make(chan ws.OpCode, 1)
	go func() {
		f, err := ws.ReadFrame(liveClient)
		if err == nil {
			pinged <- f.Header.OpCode
		}
	}()

	s.heartbeat(now, HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second})

	select {
	case op := <-pinged:
		require.Equal(t, ws.OpPing, op)
	case <-time.After(2 * time.Second):
		t.Fatal("live connection was not pinged")
	}
	require.Equal(t, []string{"conn-1"}, alive)
	require.Equal(t, []string{"conn-2"}, disconnected)
	require.Nil(t, s.conns.Get("conn-2"))
	require.NotNil(t, s.conns.Get("conn-1"))
}
