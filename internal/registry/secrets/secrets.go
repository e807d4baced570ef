// Package secrets hashes and verifies owner tokens. Cleartext tokens are never stored.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	dErrors "quickex/pkg/domain-errors"
)

const (
	MinTokenLength = 8
	// bcrypt only considers the first 72 bytes
	MaxTokenLength = 72
)

// Hasher hashes owner tokens with bcrypt at a fixed cost.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher. A cost outside bcrypt's range falls back to bcrypt.DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Generate creates a cryptographically secure random owner token.
func Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("could not generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidateToken checks the token shape without hashing it.
func ValidateToken(token string) error {
	n := len(token)
	if n == 0 {
		return dErrors.New(dErrors.CodeInvalidFormat, "owner token is required")
	}
	if n < MinTokenLength || n > MaxTokenLength || !utf8.ValidString(token) {
		return dErrors.New(dErrors.CodeInvalidFormat, "owner token must be 8-72 bytes of valid UTF-8")
	}
	return nil
}

// Hash creates a bcrypt hash of the token.
func (h *Hasher) Hash(token string) (string, error) {
	if err := ValidateToken(token); err != nil {
		return "", err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", dErrors.New(dErrors.CodeInvalidFormat, "owner token is too long")
		}
		return "", fmt.Errorf("could not hash token: %w", err)
	}
	return string(hashed), nil
}

// Verify checks a plaintext token against a stored hash. A mismatch is CodeUnauthorized.
func (h *Hasher) Verify(token, hash string) error {
	if token == "" || hash == "" {
		return dErrors.New(dErrors.CodeUnauthorized, "owner token does not match")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return dErrors.New(dErrors.CodeUnauthorized, "owner token does not match")
		}
		return fmt.Errorf("could not verify token: %w", err)
	}
	return nil
}
