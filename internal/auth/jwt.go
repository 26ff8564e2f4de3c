package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenConfig holds token signing parameters.
type TokenConfig struct {
	Secret string        // HMAC secret
	TTL    time.Duration // token lifetime
	Issuer string        // iss claim
}

// DefaultTokenConfig returns a TokenConfig with development defaults. The
// secret must be overridden in production via JWT_SECRET.
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		Secret: "dev-secret",
		TTL:    24 * time.Hour,
		Issuer: "messenger",
	}
}

// JWT issues and verifies HS256 tokens whose subject is the user ID.
type JWT struct {
	config TokenConfig
	now    func() time.Time
}

// NewJWT creates a JWT provider from config.
func NewJWT(config TokenConfig) *JWT {
	return &JWT{config: config, now: time.Now}
}

// IssueToken returns a signed token for userID.
func (j *JWT) IssueToken(userID int64) (string, error) {
	now := j.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    j.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(j.config.TTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(j.config.Secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates signature, issuer and expiry and returns the user ID.
// Every failure is reported as ErrUnauthorized.
func (j *JWT) VerifyToken(token string) (int64, error) {
	if token == "" {
		return 0, ErrUnauthorized
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(j.config.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.config.Issuer),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, fmt.Errorf("%w: token expired", ErrUnauthorized)
		}
		return 0, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return 0, ErrUnauthorized
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: bad subject", ErrUnauthorized)
	}
	return userID, nil
}
