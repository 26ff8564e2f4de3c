package httpapi

import (
	"context"
	"net/http"

	"github.com/sation/messenger/internal/auth"
	"github.com/sation/messenger/internal/ws"
)

type ctxKey int

const userIDKey ctxKey = 0

// UserID returns the authenticated user stored by requireUser, or 0.
func UserID(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

// requireUser rejects requests without a valid bearer token and stores the
// user ID in the request context.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.accounts.VerifyToken(ws.BearerToken(r))
		if err != nil {
			code := ErrorCode(auth.ErrUnauthorized)
			writeError(w, code, "missing or invalid token", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}
