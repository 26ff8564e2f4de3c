// Package session tracks live WebSocket connections and the chat groups each
// one has joined. The in-process Registry is authoritative for delivery; a
// Redis-backed Store optionally mirrors it so other nodes and operators can
// inspect who is connected where.
package session
