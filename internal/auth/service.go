package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sation/messenger/internal/store"
)

// SignupRequest is the payload of POST /signup.
type SignupRequest struct {
	Login       string `json:"login" validate:"required,min=3,max=32,alphanum"`
	Email       string `json:"email" validate:"required,email,max=254"`
	DisplayName string `json:"display_name" validate:"max=64"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
}

// LoginRequest is the payload of POST /login. Login may hold either the
// login name or the email address.
type LoginRequest struct {
	Login    string `json:"login" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

// Service implements signup and login.
type Service struct {
	users    store.Store
	tokens   *JWT
	validate *validator.Validate
}

// NewService creates a Service backed by users and signing with tokens.
func NewService(users store.Store, tokens *JWT) *Service {
	return &Service{
		users:    users,
		tokens:   tokens,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Signup creates a user and returns it along with a fresh token. A taken
// login or email yields store.ErrConflict.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*store.User, string, error) {
	req.Login = strings.TrimSpace(req.Login)
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validate.Struct(req); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := CheckStrength(req.Password); err != nil {
		return nil, "", err
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, "", err
	}

	u := &store.User{
		Login:        strings.ToLower(req.Login),
		Email:        strings.ToLower(req.Email),
		DisplayName:  strings.TrimSpace(req.DisplayName),
		PasswordHash: hash,
	}
	if u.DisplayName == "" {
		u.DisplayName = req.Login
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, "", fmt.Errorf("auth: signup: %w", err)
	}

	token, err := s.tokens.IssueToken(u.ID)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// Login checks credentials and returns the user with a fresh token. Unknown
// users and wrong passwords both yield ErrUnauthorized.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*store.User, string, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	u, err := s.users.FindUserByLoginOrEmail(ctx, strings.TrimSpace(req.Login))
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrUnauthorized
	}
	if err != nil {
		return nil, "", fmt.Errorf("auth: login: %w", err)
	}

	if err := CheckPassword(u.PasswordHash, req.Password); err != nil {
		return nil, "", err
	}

	token, err := s.tokens.IssueToken(u.ID)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// VerifyToken satisfies Provider.
func (s *Service) VerifyToken(token string) (int64, error) {
	return s.tokens.VerifyToken(token)
}
