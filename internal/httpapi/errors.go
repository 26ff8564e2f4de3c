package httpapi

import (
	"errors"
	"net/http"

	"github.com/sation/messenger/internal/auth"
	"github.com/sation/messenger/internal/chat"
	"github.com/sation/messenger/internal/protocol"
	"github.com/sation/messenger/internal/ratelimit"
	"github.com/sation/messenger/internal/store"
)

// ErrorCode maps a service error to its protocol error code. The WebSocket
// dispatcher uses the same mapping for error frames.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrPartialFailure):
		// Checked first: the wrapped cause may itself be a known error.
		return protocol.CodePartialFailure
	case errors.Is(err, auth.ErrUnauthorized):
		return protocol.CodeUnauthorized
	case errors.Is(err, auth.ErrInvalid):
		return protocol.CodeInvalidRequest
	case errors.Is(err, ratelimit.ErrLimited):
		return protocol.CodeRateLimited
	case errors.Is(err, chat.ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, chat.ErrNotAcceptable):
		return protocol.CodeNotAcceptable
	case errors.Is(err, chat.ErrUserNotFound), errors.Is(err, store.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, store.ErrConflict):
		return protocol.CodeConflict
	default:
		return protocol.CodeInternal
	}
}

var statusByCode = map[string]int{
	protocol.CodeNotFound:       http.StatusNotFound,
	protocol.CodeConflict:       http.StatusConflict,
	protocol.CodeForbidden:      http.StatusForbidden,
	protocol.CodeUnauthorized:   http.StatusUnauthorized,
	protocol.CodePartialFailure: http.StatusInternalServerError,
	protocol.CodeNotAcceptable:  http.StatusUnprocessableEntity,
	protocol.CodeInvalidRequest: http.StatusBadRequest,
	protocol.CodeRateLimited:    http.StatusTooManyRequests,
	protocol.CodeInternal:       http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for a protocol error code.
func StatusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
