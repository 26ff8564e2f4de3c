//go:build linux

package ws

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEpollReportsReadableConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	e, err := NewEpoll()
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Add(server))

	_, err = client.Write([]byte("x"))
	require.NoError(t, err)

	ready := make(chan []net.Conn, 1)
	go func() {
		conns, _ := e.Wait()
		ready <- conns
	}()
	select {
	case conns := <-ready:
		require.Equal(t, []net.Conn{server}, conns)
	case <-time.After(2 * time.Second):
		t.Fatal("readable connection not reported")
	}

	require.NoError(t, e.Remove(server))
	require.NoError(t, e.Remove(server))
}

func TestEpollRejectsConnWithoutDescriptor(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	e, err := NewEpoll()
	require.NoError(t, err)
	defer e.Close()
	require.Error(t, e.Add(a))
}
