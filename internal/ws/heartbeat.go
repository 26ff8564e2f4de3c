package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after a missed ping before eviction (default: 10s)
}

// DefaultHeartbeatConfig returns the default heartbeat tuning.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval until the server is
// shut down. A connection with no inbound frame, pongs included, for
// Interval + Timeout is evicted; every other connection that takes the ping
// is reported to the server's alive hook.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				server.heartbeat(now, config)
			}
		}
	}()
}

func (s *Server) heartbeat(now time.Time, config HeartbeatConfig) {
	stale, live := partitionStale(s.conns.All(), now, config.Interval+config.Timeout)

	for _, c := range stale {
		log.Printf("ws: heartbeat timeout session=%s user=%d idle=%s",
			c.ID, c.UserID, now.Sub(c.LastSeen()).Round(time.Second))
		s.RemoveConnection(c)
	}

	for _, c := range live {
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed session=%s user=%d: %v", c.ID, c.UserID, err)
			s.RemoveConnection(c)
			continue
		}
		if s.onAlive != nil {
			s.onAlive(c)
		}
	}
}

// partitionStale splits conns by whether their last inbound frame is older
// than deadline.
func partitionStale(conns []*Connection, now time.Time, deadline time.Duration) (stale, live []*Connection) {
	for _, c := range conns {
		if now.Sub(c.LastSeen()) > deadline {
			stale = append(stale, c)
		} else {
			live = append(live, c)
		}
	}
	return stale, live
}

// WritePing sends a protocol-level ping frame. Browsers answer it with a
// pong, which handleConn records as activity.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
