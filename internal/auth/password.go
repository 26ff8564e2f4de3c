package auth

import (
	"errors"
	"fmt"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordEntropyBits is the strength a new password must reach.
const MinPasswordEntropyBits = 40

// CheckStrength rejects passwords that are easy to guess, such as a single
// repeated character or a keyboard run.
func CheckStrength(password string) error {
	if err := passwordvalidator.Validate(password, MinPasswordEntropyBits); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("auth: check password: %w", err)
	}
	return nil
}
