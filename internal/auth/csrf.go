// csrf.go -- CSRF token issuance and single-use validation.
//
// Tokens are scoped to a user and stored hashed with a fixed TTL.
// Validation deletes the token atomically; a second use always fails.
// SameSite=Lax handles most cases; CSRF tokens cover the rest.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/MGallo-Code/bastion/internal/store"
	"github.com/gofrs/uuid/v5"
)

// CSRFHeader carries the token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

// CSRFCache is satisfied by *store.RedisStore.
type CSRFCache interface {
	SetCSRFToken(ctx context.Context, userID uuid.UUID, tokenHash string, rec store.CSRFRecord, ttl time.Duration) error

	// ConsumeCSRFToken deletes the token and reports whether it existed.
	ConsumeCSRFToken(ctx context.Context, userID uuid.UUID, tokenHash string) (bool, error)
}

// GenerateCSRFToken creates a 256-bit cryptographically random CSRF token.
func GenerateCSRFToken() (*[32]byte, error) {
	var token [32]byte
	_, err := rand.Read(token[:])
	if err != nil {
		return nil, fmt.Errorf("generating token with rand: %w", err)
	}
	return &token, nil
}

func csrfTokenHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// CSRFGuard issues and validates single-use CSRF tokens.
type CSRFGuard struct {
	cache CSRFCache
	ttl   time.Duration
	now   func() time.Time
}

// NewCSRFGuard returns a guard whose tokens live for ttl.
func NewCSRFGuard(cache CSRFCache, ttl time.Duration) *CSRFGuard {
	return &CSRFGuard{cache: cache, ttl: ttl, now: time.Now}
}

// Issue stores a fresh token for userID and returns it for the client.
func (g *CSRFGuard) Issue(ctx context.Context, userID uuid.UUID) (string, error) {
	raw, err := GenerateCSRFToken()
	if err != nil {
		return "", err
	}
	rec := store.CSRFRecord{UserID: userID, IssuedAt: g.now()}
	if err := g.cache.SetCSRFToken(ctx, userID, csrfTokenHash(raw[:]), rec, g.ttl); err != nil {
		return "", fmt.Errorf("storing csrf token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// Validate consumes token for userID. True exactly once per issued token.
// Malformed or foreign tokens return false and delete nothing.
func (g *CSRFGuard) Validate(ctx context.Context, userID uuid.UUID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != 32 {
		return false, nil
	}
	ok, err := g.cache.ConsumeCSRFToken(ctx, userID, csrfTokenHash(raw))
	if err != nil {
		return false, fmt.Errorf("validating csrf token: %w", err)
	}
	return ok, nil
}
