// Package auth authenticates users. It issues and verifies the bearer tokens
// presented on WebSocket upgrade and HTTP requests, and implements signup and
// login on top of the user store.
package auth

import "errors"

// ErrUnauthorized is returned for missing, malformed or expired tokens and
// for failed logins.
var ErrUnauthorized = errors.New("auth: unauthorized")

// ErrInvalid is returned when a signup or login payload fails validation.
var ErrInvalid = errors.New("auth: invalid request")

// Provider resolves a bearer token to the user it was issued for.
type Provider interface {
	VerifyToken(token string) (int64, error)
}
