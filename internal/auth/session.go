// session.go

// Session token generation, cookie management, and the SessionStore.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MGallo-Code/bastion/internal/store"
	"github.com/gofrs/uuid/v5"
)

// SessionCookieName is the browser session cookie. __Host- pins it to this origin over HTTPS.
const SessionCookieName = "__Host-session"

// SessionCache is the cache side of session storage. Satisfied by *store.RedisStore.
type SessionCache interface {
	SetSession(ctx context.Context, sessionID string, rec store.SessionRecord, ttl time.Duration) error

	// RefreshSession overwrites only if the session still exists; ErrCacheMiss otherwise.
	RefreshSession(ctx context.Context, sessionID string, rec store.SessionRecord, ttl time.Duration) error
	GetSession(ctx context.Context, sessionID string) (*store.SessionRecord, error)
	DeleteSession(ctx context.Context, sessionID string, userID uuid.UUID) error
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) (int, error)
}

// SessionUsers is the relational side: the canonical user record and its activity columns.
// Satisfied by *store.PostgresStore.
type SessionUsers interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	TouchUserSession(ctx context.Context, id uuid.UUID, lastActivity, expiresAt time.Time) error
}

// GenerateToken returns 256-bit random session token and its SHA-256 hash.
// Token goes in the cookie; hash goes in storage.
func GenerateToken() (*[32]byte, *[32]byte, error) {
	var token [32]byte
	_, err := rand.Read(token[:])
	if err != nil {
		return nil, nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(token[:])
	return &token, &hash, nil
}

// SessionIDFromToken decodes a cookie token and returns its storage id.
// The raw token never reaches the cache.
func SessionIDFromToken(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != 32 {
		return "", ErrSessionInvalid
	}
	hash := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(hash[:]), nil
}

// SetSessionCookie writes __Host-session cookie with HttpOnly, Secure, SameSite=Lax.
func SetSessionCookie(w http.ResponseWriter, token string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})
}

// ClearSessionCookie overwrites __Host-session with MaxAge=-1 to trigger browser deletion.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// Session is a validated session and the user it belongs to.
type Session struct {
	ID     string
	Record store.SessionRecord
	User   AuthUser
}

// SessionStore issues, validates, refreshes and revokes sessions.
//
// A session lives IdleTTL past its last activity, never beyond MaxLifetime
// from creation. Expired and destroyed sessions are indistinguishable to callers.
type SessionStore struct {
	cache       SessionCache
	users       SessionUsers
	idleTTL     time.Duration
	maxLifetime time.Duration
	now         func() time.Time
}

// NewSessionStore returns a SessionStore. maxLifetime below idleTTL is raised to idleTTL.
func NewSessionStore(cache SessionCache, users SessionUsers, idleTTL, maxLifetime time.Duration) *SessionStore {
	return &SessionStore{
		cache:       cache,
		users:       users,
		idleTTL:     idleTTL,
		maxLifetime: max(idleTTL, maxLifetime),
		now:         time.Now,
	}
}

// WithClock replaces the time source. Tests only.
func (s *SessionStore) WithClock(now func() time.Time) *SessionStore {
	s.now = now
	return s
}

// IdleTTL is the sliding inactivity window.
func (s *SessionStore) IdleTTL() time.Duration { return s.idleTTL }

// nextExpiry slides the window forward from now, capped at the absolute lifetime.
func (s *SessionStore) nextExpiry(createdAt, now time.Time) time.Time {
	exp := now.Add(s.idleTTL)
	if hardCap := createdAt.Add(s.maxLifetime); exp.After(hardCap) {
		return hardCap
	}
	return exp
}

// Create starts a session for userID and returns the raw cookie token.
func (s *SessionStore) Create(ctx context.Context, userID uuid.UUID, ip, userAgent string) (string, store.SessionRecord, error) {
	raw, hash, err := GenerateToken()
	if err != nil {
		return "", store.SessionRecord{}, err
	}
	token := base64.RawURLEncoding.EncodeToString(raw[:])
	sessionID := base64.RawURLEncoding.EncodeToString(hash[:])

	now := s.now()
	rec := store.SessionRecord{
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      s.nextExpiry(now, now),
		IPAddress:      ip,
		UserAgent:      userAgent,
	}
	if err := s.cache.SetSession(ctx, sessionID, rec, rec.ExpiresAt.Sub(now)); err != nil {
		return "", store.SessionRecord{}, fmt.Errorf("storing session: %w", err)
	}
	s.touch(ctx, rec)
	return token, rec, nil
}

// Validate resolves a cookie token to a live session.
// Returns ErrSessionInvalid for anything that isn't an active session;
// any other error is an infrastructure failure.
func (s *SessionStore) Validate(ctx context.Context, token string) (*Session, error) {
	sessionID, err := SessionIDFromToken(token)
	if err != nil {
		return nil, err
	}
	return s.ValidateID(ctx, sessionID)
}

// ValidateID is Validate for an already-hashed session id (bearer tokens carry the id).
func (s *SessionStore) ValidateID(ctx context.Context, sessionID string) (*Session, error) {
	rec, err := s.cache.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrCacheMiss) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}

	// Expired by our clock even if the cache hasn't evicted it yet.
	now := s.now()
	if !now.Before(rec.ExpiresAt) {
		if err := s.cache.DeleteSession(ctx, sessionID, rec.UserID); err != nil {
			slog.Warn("failed to delete expired session", "error", err)
		}
		return nil, ErrSessionInvalid
	}

	rec.LastActivityAt = now
	rec.ExpiresAt = s.nextExpiry(rec.CreatedAt, now)

	// Lost refreshes only shorten the window; a miss means it was destroyed meanwhile.
	if err := s.cache.RefreshSession(ctx, sessionID, *rec, rec.ExpiresAt.Sub(now)); err != nil {
		if errors.Is(err, store.ErrCacheMiss) {
			return nil, ErrSessionInvalid
		}
		slog.Warn("failed to refresh session", "error", err)
	}

	u, err := s.users.GetUserByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// User deleted out from under the session.
			if err := s.cache.DeleteSession(ctx, sessionID, rec.UserID); err != nil {
				slog.Warn("failed to delete orphaned session", "user_id", rec.UserID, "error", err)
			}
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("loading session user: %w", err)
	}
	s.touch(ctx, *rec)

	return &Session{
		ID:     sessionID,
		Record: *rec,
		User:   AuthUser{ID: u.ID, Email: u.Email, Username: u.Username, PlanType: u.PlanType},
	}, nil
}

// touch mirrors activity onto the user row. Non-fatal.
func (s *SessionStore) touch(ctx context.Context, rec store.SessionRecord) {
	if err := s.users.TouchUserSession(ctx, rec.UserID, rec.LastActivityAt, rec.ExpiresAt); err != nil {
		slog.Warn("failed to record session activity", "user_id", rec.UserID, "error", err)
	}
}

// Destroy revokes one session. Idempotent: a missing session is not an error.
func (s *SessionStore) Destroy(ctx context.Context, sessionID string) error {
	rec, err := s.cache.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrCacheMiss) {
			return nil
		}
		return fmt.Errorf("loading session for destroy: %w", err)
	}
	if err := s.cache.DeleteSession(ctx, sessionID, rec.UserID); err != nil {
		return fmt.Errorf("destroying session: %w", err)
	}
	return nil
}

// DestroyAll revokes every session userID holds and returns how many were live.
func (s *SessionStore) DestroyAll(ctx context.Context, userID uuid.UUID) (int, error) {
	n, err := s.cache.DeleteAllUserSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("destroying all sessions: %w", err)
	}
	return n, nil
}
