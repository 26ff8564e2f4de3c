package chat

import (
	"errors"

	"github.com/sation/messenger/internal/store"
)

// Errors returned by Service. Store outcomes pass through unchanged so
// callers can match either name.
var (
	ErrNotFound       = store.ErrNotFound
	ErrConflict       = store.ErrConflict
	ErrUserNotFound   = errors.New("chat: user not found")
	ErrNotAcceptable  = errors.New("chat: not acceptable")
	ErrForbidden      = errors.New("chat: forbidden")
	ErrPartialFailure = errors.New("chat: partial failure")
)
