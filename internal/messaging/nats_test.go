package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestClient connects to a local NATS server, skipping when none is running.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestEventsRoundTrip(t *testing.T) {
	c := newTestClient(t)

	got := make(chan []byte, 1)
	require.NoError(t, c.SubscribeEvents(func(data []byte) { got <- data }))
	require.NoError(t, c.conn.Flush())

	require.NoError(t, c.PublishEvent("chat-1", []byte(`{"origin":"n1"}`)))

	select {
	case data := <-got:
		require.JSONEq(t, `{"origin":"n1"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}

	require.NoError(t, c.UnsubscribeEvents())
	require.Error(t, c.UnsubscribeEvents())
}
