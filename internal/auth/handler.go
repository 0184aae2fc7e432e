// handler.go -- HTTP handlers for account and session endpoints.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MGallo-Code/bastion/internal/exchange"
	"github.com/MGallo-Code/bastion/internal/metrics"
	"github.com/MGallo-Code/bastion/internal/store"
	"github.com/MGallo-Code/bastion/internal/vault"
	"github.com/gofrs/uuid/v5"
)

// Store defines database operations needed by handlers.
// Satisfied by *store.PostgresStore, defined here (at consumer) per Go convention.
type Store interface {
	SessionUsers
	OwnerLookup

	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, id uuid.UUID, email, username, passwordHash, planType string) error
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error

	UpsertCredentials(ctx context.Context, userID uuid.UUID, set vault.ExchangeCredentialSet) error
	GetCredentials(ctx context.Context, userID uuid.UUID) (*store.CredentialRecord, error)
	DeleteCredentials(ctx context.Context, userID uuid.UUID) error

	CreateAutomation(ctx context.Context, a store.Automation) error
	GetAutomation(ctx context.Context, id uuid.UUID) (*store.Automation, error)
	DeleteAutomation(ctx context.Context, id uuid.UUID) error
}

// Cache is every cache operation the service uses. Satisfied by *store.RedisStore.
type Cache interface {
	SessionCache
	CSRFCache
	WindowCounter
	EventStore

	Ping(ctx context.Context) error
}

// OrderPlacer submits signed orders. Satisfied by *exchange.Client.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, creds vault.Credentials, order exchange.OrderRequest) (*exchange.OrderResponse, error)
}

// dummyPasswordHash is a precomputed Argon2id hash for timing attack mitigation.
// When a user doesn't exist, verify against this so both paths take equal time (~100ms).
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=3,p=2$YWJjZGVmZ2hpamtsbW5vcA$kC6C6jqLzC0JLlJgXhHbKMhLLpVvLJLLQw/IqT9ZYPU"

// AuthHandler holds dependencies for all HTTP handlers.
type AuthHandler struct {
	PS       Store
	RS       Cache
	Vault    *vault.Cipher
	Exchange OrderPlacer
	Limiter  *RateLimiter
	Sessions *SessionStore
	CSRF     *CSRFGuard
	Bearer   *BearerTokens
	Events   *SecurityEventLog
	Metrics  *metrics.Recorder
	Policy   PasswordPolicy

	// SessionCookieMaxAge bounds the browser cookie; the server-side window still governs.
	SessionCookieMaxAge time.Duration
}

// currentSession pulls the pipeline's session out of the request context.
func currentSession(r *http.Request) (*Session, error) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		return nil, errors.New("missing session context")
	}
	return sess, nil
}

// checkRateLimit applies policy for identity inside a handler. Writes the 429 and
// returns false when denied.
func (h *AuthHandler) checkRateLimit(w http.ResponseWriter, r *http.Request, identity, policy string, ev SecurityEvent) bool {
	d, err := h.Limiter.Check(r.Context(), identity, policy)
	if err != nil && errors.Is(err, ErrUnknownPolicy) {
		InternalServerError(w, r, err)
		return false
	}
	if d.Allowed {
		return true
	}
	ev.Type = EventRateLimitExceeded
	ev.Severity = SeverityMedium
	if ev.Details == nil {
		ev.Details = map[string]string{}
	}
	ev.Details["policy"] = policy
	h.Events.Record(r.Context(), ev)
	logWarn(r, "request rejected", "guard", "ratelimit", "policy", policy)
	GuardError(w, d.Err())
	return false
}

// Register handles POST /register...email + username + password signup.
// Returns 201 with user_id, 400 for validation errors, 429 when rate limited.
// Never reveals whether email already exists.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	r = withRequestMeta(r)
	if !h.checkRateLimit(w, r, clientIP(r), PolicyRegister, SecurityEvent{}) {
		return
	}

	var registerInput struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&registerInput); err != nil {
		logWarn(r, "failed to decode register input", "error", err)
		BadRequest(w, "error decoding request body")
		return
	}

	email := NormalizeEmail(registerInput.Email)
	if msg := ValidateEmail(email); msg != "" {
		BadRequest(w, msg)
		return
	}
	// Per address as well as per IP; the IP alone is only as good as the proxy chain.
	if !h.checkRateLimit(w, r, "email:"+email, PolicyRegister, SecurityEvent{Email: email}) {
		return
	}
	username := strings.TrimSpace(registerInput.Username)
	if msg := ValidateUsername(username); msg != "" {
		BadRequest(w, msg)
		return
	}
	if failures := h.Policy.Validate(registerInput.Password); len(failures) > 0 {
		BadRequest(w, strings.Join(failures, "; "))
		return
	}

	hashedPassword, err := HashPassword(registerInput.Password)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	userID, err := uuid.NewV7()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	err = h.PS.CreateUser(r.Context(), userID, email, username, hashedPassword, store.PlanFree)
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			// Same 201 as a real registration (no enumeration).
			logInfo(r, "registration attempted with existing email or username")
		} else {
			InternalServerError(w, r, err)
			return
		}
	} else {
		h.Events.Record(r.Context(), SecurityEvent{
			Type:     EventRegistered,
			UserID:   userID.String(),
			Email:    email,
			Severity: SeverityLow,
		})
	}

	JSON(w, http.StatusCreated, map[string]string{"user_id": userID.String()})
}

// Login handles POST /login...email + password authentication.
// The attempt is counted against the email before the password is checked.
// Returns 200 with the user and a CSRF token, 401 for bad credentials, 429 when rate limited.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	r = withRequestMeta(r)

	var loginInput struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&loginInput); err != nil {
		logWarn(r, "failed to decode login input", "error", err)
		BadRequest(w, "error decoding request body")
		return
	}

	email := NormalizeEmail(loginInput.Email)
	// Invalid email or missing password -- both return generic 401 (no enumeration).
	if msg := ValidateEmail(email); msg != "" || loginInput.Password == "" {
		Unauthorized(w)
		return
	}

	if !h.checkRateLimit(w, r, email, PolicyLogin, SecurityEvent{Email: email}) {
		return
	}

	user, err := h.PS.GetUserByEmail(r.Context(), email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			InternalServerError(w, r, err)
			return
		}
		// Run dummy hash to equalise timing with found-user path.
		VerifyPassword(loginInput.Password, dummyPasswordHash)
		h.loginFailed(r, email, "", "unknown_email")
		Unauthorized(w)
		return
	}

	match, err := VerifyPassword(loginInput.Password, user.PasswordHash)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !match {
		h.loginFailed(r, email, user.ID.String(), "wrong_password")
		Unauthorized(w)
		return
	}
	if NeedsRehash(user.PasswordHash) {
		h.rehashPassword(r, user.ID, loginInput.Password)
	}

	// Successful logins don't count against the next attempt.
	if err := h.Limiter.Reset(r.Context(), email, PolicyLogin); err != nil {
		logWarn(r, "failed to reset login rate limit", "error", err)
	}

	token, rec, err := h.Sessions.Create(r.Context(), user.ID, clientIP(r), r.UserAgent())
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	csrfToken, err := h.CSRF.Issue(r.Context(), user.ID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	SetSessionCookie(w, token, h.cookieMaxAge())
	h.Events.Record(r.Context(), SecurityEvent{
		Type:     EventLoginSucceeded,
		UserID:   user.ID.String(),
		Email:    email,
		Severity: SeverityLow,
	})
	logInfo(r, "login succeeded", "user_id", user.ID)

	JSON(w, http.StatusOK, map[string]any{
		"user":       AuthUser{ID: user.ID, Email: user.Email, Username: user.Username, PlanType: user.PlanType},
		"csrf_token": csrfToken,
		"expires_at": rec.ExpiresAt,
	})
}

// rehashPassword stores password under the current Argon2 settings. Non-fatal.
func (h *AuthHandler) rehashPassword(r *http.Request, id uuid.UUID, password string) {
	newHash, err := HashPassword(password)
	if err == nil {
		err = h.PS.UpdateUserPassword(r.Context(), id, newHash)
	}
	if err != nil {
		logWarn(r, "failed to upgrade password hash", "user_id", id, "error", err)
		return
	}
	logInfo(r, "upgraded password hash", "user_id", id)
}

func (h *AuthHandler) loginFailed(r *http.Request, email, userID, reason string) {
	h.Events.Record(r.Context(), SecurityEvent{
		Type:     EventLoginFailed,
		UserID:   userID,
		Email:    email,
		Severity: SeverityMedium,
		Details:  map[string]string{"reason": reason},
	})
	logInfo(r, "login failed", "reason", reason)
}

func (h *AuthHandler) cookieMaxAge() time.Duration {
	if h.SessionCookieMaxAge > 0 {
		return h.SessionCookieMaxAge
	}
	return h.Sessions.IdleTTL()
}

// Logout handles POST /logout...destroys the current session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, err := currentSession(r)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if err := h.Sessions.Destroy(r.Context(), sess.ID); err != nil {
		InternalServerError(w, r, err)
		return
	}
	ClearSessionCookie(w)
	h.Events.Record(r.Context(), SecurityEvent{
		Type:     EventLogout,
		UserID:   sess.User.ID.String(),
		Severity: SeverityLow,
	})
	OK(w, "logged out")
}

// LogoutAll handles POST /logout-all...revokes every session the user holds.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	sess, err := currentSession(r)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	n, err := h.Sessions.DestroyAll(r.Context(), sess.User.ID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	ClearSessionCookie(w)
	h.Events.Record(r.Context(), SecurityEvent{
		Type:     EventAllSessionsRevoked,
		UserID:   sess.User.ID.String(),
		Severity: SeverityMedium,
		Details:  map[string]string{"trigger": "logout_all"},
	})
	JSON(w, http.StatusOK, map[string]int{"revoked": n})
}

// IssueCSRF handles GET /csrf...returns a fresh single-use token.
func (h *AuthHandler) IssueCSRF(w http.ResponseWriter, r *http.Request) {
	sess, err := currentSession(r)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	token, err := h.CSRF.Issue(r.Context(), sess.User.ID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

// IssueBearerToken handles POST /tokens...mints a bearer token bound to the current session.
func (h *AuthHandler) IssueBearerToken(w http.ResponseWriter, r *http.Request) {
	sess, err := currentSession(r)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	token, exp, err := h.Bearer.Issue(sess.User.ID, sess.ID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.Events.Record(r.Context(), SecurityEvent{
		Type:     EventBearerTokenIssued,
		UserID:   sess.User.ID.String(),
		Severity: SeverityLow,
	})
	JSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": exp,
	})
}

// Me handles GET /me...returns the authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, ok := UserFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing user context"))
		return
	}
	JSON(w, http.StatusOK, u)
}
