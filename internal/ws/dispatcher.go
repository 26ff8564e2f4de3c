package ws

import (
	"log"
	"time"

	"github.com/sation/messenger/internal/metrics"
	"github.com/sation/messenger/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the value returned by protocol.ParseClientMessage
// (e.g., protocol.SendMessageMsg). A non-nil error is reported to the client
// as an error frame carrying the code chosen by the dispatcher's ErrorCoder.
type MessageHandler func(conn *Connection, msg interface{}) error

// ErrorCoder maps a handler error to a protocol error code.
type ErrorCoder func(err error) string

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed, unsupported
// or failed requests.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	codeOf   ErrorCoder
}

// NewMessageDispatcher creates a MessageDispatcher. Handler errors are
// reported as internal errors until SetErrorCoder is called.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		codeOf:   func(error) string { return protocol.CodeInternal },
	}
}

// SetErrorCoder installs the mapping from handler errors to protocol codes.
func (d *MessageDispatcher) SetErrorCoder(fn ErrorCoder) {
	d.codeOf = fn
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Parse errors, unregistered types and handler
// failures result in an error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		d.sendError(conn, protocol.CodeInvalidRequest, err.Error(), msgType)
		metrics.RequestsTotal.WithLabelValues("invalid", protocol.CodeInvalidRequest).Inc()
		return
	}

	// Built-in ping handler; responds without requiring registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
		d.sendError(conn, protocol.CodeInvalidRequest, "unsupported message type", msgType)
		metrics.RequestsTotal.WithLabelValues("unknown", protocol.CodeInvalidRequest).Inc()
		return
	}

	start := time.Now()
	code := "ok"
	if err := handler(conn, msg); err != nil {
		code = d.codeOf(err)
		message := err.Error()
		if code == protocol.CodeInternal {
			log.Printf("ws: handler %s failed session=%s user=%d: %v", msgType, conn.ID, conn.UserID, err)
			message = "internal error"
		}
		d.sendError(conn, code, message, msgType)
	}
	metrics.RequestLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
	metrics.RequestsTotal.WithLabelValues(msgType, code).Inc()
}

// sendError sends a structured error message back to the client. Errors during
// transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code, message, request string) {
	if err := conn.WriteMessage(protocol.NewErrorMessage(code, message, request)); err != nil {
		log.Printf("ws: failed to send error message session=%s: %v", conn.ID, err)
	}
}

// sendPong answers an application-level ping.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message session=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong message session=%s: %v", conn.ID, err)
	}
}
