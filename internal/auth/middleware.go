// middleware.go

// RequestProtectionPipeline: rate limit -> session -> CSRF -> ownership.
package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/MGallo-Code/bastion/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/uuid/v5"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const (
	userKey    contextKey = "auth_user"
	sessionKey contextKey = "session"
	bearerKey  contextKey = "bearer"
	metaKey    contextKey = "request_meta"
)

// AuthUser is what downstream handlers learn about the caller.
type AuthUser struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	Username string    `json:"username"`
	PlanType string    `json:"plan_type"`
}

// UserFromContext returns the authenticated user. False if the pipeline hasn't run.
func UserFromContext(ctx context.Context) (AuthUser, bool) {
	u, ok := ctx.Value(userKey).(AuthUser)
	return u, ok
}

// SessionFromContext returns the validated session. False if the pipeline hasn't run.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey).(*Session)
	return s, ok
}

// ViaBearer reports whether the request authenticated with a bearer token.
func ViaBearer(ctx context.Context) bool {
	b, _ := ctx.Value(bearerKey).(bool)
	return b
}

type requestMeta struct {
	ip        string
	userAgent string
}

func requestMetaFrom(ctx context.Context) (requestMeta, bool) {
	m, ok := ctx.Value(metaKey).(requestMeta)
	return m, ok
}

// withRequestMeta stamps ip/user agent so events recorded downstream carry them.
func withRequestMeta(r *http.Request) *http.Request {
	if _, ok := requestMetaFrom(r.Context()); ok {
		return r
	}
	ctx := context.WithValue(r.Context(), metaKey, requestMeta{ip: clientIP(r), userAgent: r.UserAgent()})
	return r.WithContext(ctx)
}

// clientIP strips the port from RemoteAddr. Pipeline.RealIP rewrites it only for trusted proxies.
func clientIP(r *http.Request) string {
	return hostOf(r.RemoteAddr)
}

// hostOf strips the port from addr; addr without a port is returned as is.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// isSafeMethod reports methods that must not change state.
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// bearerToken extracts a token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// Route configures which guards a protected route runs.
type Route struct {
	// Policy is the rate limit policy name; empty skips rate limiting.
	Policy string

	// ResourceType and ResourceParam enable the ownership check against chi.URLParam(r, ResourceParam).
	ResourceType  string
	ResourceParam string
}

// Pipeline runs the request guards in order, short-circuiting on the first failure.
type Pipeline struct {
	Limiter   *RateLimiter
	Sessions  *SessionStore
	CSRF      *CSRFGuard
	Ownership *OwnershipGuard
	Bearer    *BearerTokens
	Events    *SecurityEventLog
	Metrics   *metrics.Recorder

	// TrustedProxies may set the client address via forwarding headers. See RealIP.
	TrustedProxies []netip.Prefix
}

// RealIP applies chi's RealIP only when the direct peer is a trusted proxy.
// Other callers keep their socket address, so rotating X-Forwarded-For
// cannot mint fresh rate-limit identities.
func (p *Pipeline) RealIP(next http.Handler) http.Handler {
	forwarded := middleware.RealIP(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.trustedPeer(r.RemoteAddr) {
			forwarded.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Pipeline) trustedPeer(remoteAddr string) bool {
	if len(p.TrustedProxies) == 0 {
		return false
	}
	ip, err := netip.ParseAddr(hostOf(remoteAddr))
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, pfx := range p.TrustedProxies {
		if pfx.Contains(ip) {
			return true
		}
	}
	return false
}

// Protect returns middleware enforcing rt. Mount it with r.With so URL params resolve.
func (p *Pipeline) Protect(rt Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = withRequestMeta(r)
			ctx := r.Context()

			// 1. Rate limit, keyed by client IP since identity isn't known yet.
			if rt.Policy != "" {
				if !p.checkRateLimit(w, r, clientIP(r), rt.Policy, "") {
					return
				}
			}

			// 2. Session, from bearer token or cookie.
			sess, viaBearer, err := p.authenticate(r)
			if err != nil {
				if !errors.Is(err, ErrSessionInvalid) {
					InternalServerError(w, r, err)
					return
				}
				p.Metrics.RecordGuardDecision(ctx, "session", false)
				p.Events.Record(ctx, SecurityEvent{
					Type:     EventSessionInvalid,
					Severity: SeverityLow,
					Details:  map[string]string{"path": r.URL.Path, "bearer": boolString(viaBearer)},
				})
				logWarn(r, "request rejected", "guard", "session")
				GuardError(w, err)
				return
			}
			p.Metrics.RecordGuardDecision(ctx, "session", true)

			// Same policy again per account, so spreading requests over addresses buys nothing.
			if rt.Policy != "" {
				uid := sess.User.ID.String()
				if !p.checkRateLimit(w, r, "user:"+uid, rt.Policy, uid) {
					return
				}
			}

			ctx = context.WithValue(ctx, userKey, sess.User)
			ctx = context.WithValue(ctx, sessionKey, sess)
			ctx = context.WithValue(ctx, bearerKey, viaBearer)
			r = r.WithContext(ctx)

			// 3. CSRF, only for state-changing cookie requests.
			if !isSafeMethod(r.Method) && !viaBearer {
				if err := p.checkCSRF(r, sess.User.ID); err != nil {
					if !errors.Is(err, ErrCSRFTokenMissing) && !errors.Is(err, ErrCSRFTokenInvalid) {
						InternalServerError(w, r, err)
						return
					}
					logWarn(r, "request rejected", "guard", "csrf", "user_id", sess.User.ID)
					GuardError(w, err)
					return
				}
			}

			// 4. Ownership of the referenced resource.
			if rt.ResourceType != "" {
				resourceID := chi.URLParam(r, rt.ResourceParam)
				ok, err := p.Ownership.Check(ctx, sess.User.ID, rt.ResourceType, resourceID)
				if err != nil {
					logError(r, "ownership lookup failed", "error", err)
				}
				if !ok {
					logWarn(r, "request rejected", "guard", "ownership", "user_id", sess.User.ID)
					GuardError(w, ErrResourceAccessDenied)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// checkRateLimit writes the 429 itself and reports whether to continue.
func (p *Pipeline) checkRateLimit(w http.ResponseWriter, r *http.Request, identity, policy, userID string) bool {
	d, err := p.Limiter.Check(r.Context(), identity, policy)
	if err != nil && errors.Is(err, ErrUnknownPolicy) {
		InternalServerError(w, r, err)
		return false
	}
	if d.Allowed {
		return true
	}
	p.Events.Record(r.Context(), SecurityEvent{
		Type:     EventRateLimitExceeded,
		UserID:   userID,
		Severity: SeverityMedium,
		Details:  map[string]string{"policy": policy, "path": r.URL.Path},
	})
	logWarn(r, "request rejected", "guard", "ratelimit", "policy", policy)
	GuardError(w, d.Err())
	return false
}

// authenticate resolves the caller's session. Bearer wins over the cookie when both are sent.
func (p *Pipeline) authenticate(r *http.Request) (*Session, bool, error) {
	ctx := r.Context()

	if token, ok := bearerToken(r); ok {
		if p.Bearer == nil {
			return nil, true, ErrSessionInvalid
		}
		sessionID, subject, err := p.Bearer.Parse(token)
		if err != nil {
			return nil, true, ErrSessionInvalid
		}
		sess, err := p.Sessions.ValidateID(ctx, sessionID)
		if err != nil {
			return nil, true, err
		}
		if sess.User.ID != subject {
			return nil, true, ErrSessionInvalid
		}
		return sess, true, nil
	}

	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false, ErrSessionInvalid
	}
	sess, err := p.Sessions.Validate(ctx, cookie.Value)
	return sess, false, err
}

// checkCSRF validates and consumes the X-CSRF-Token header for userID.
func (p *Pipeline) checkCSRF(r *http.Request, userID uuid.UUID) error {
	ctx := r.Context()
	token := r.Header.Get(CSRFHeader)
	if token == "" {
		p.Metrics.RecordGuardDecision(ctx, "csrf", false)
		p.Events.Record(ctx, SecurityEvent{
			Type:     EventCSRFTokenMissing,
			UserID:   userID.String(),
			Severity: SeverityMedium,
			Details:  map[string]string{"path": r.URL.Path, "method": r.Method},
		})
		return ErrCSRFTokenMissing
	}
	ok, err := p.CSRF.Validate(ctx, userID, token)
	if err != nil {
		return err
	}
	p.Metrics.RecordGuardDecision(ctx, "csrf", ok)
	if !ok {
		p.Events.Record(ctx, SecurityEvent{
			Type:     EventCSRFTokenInvalid,
			UserID:   userID.String(),
			Severity: SeverityHigh,
			Details:  map[string]string{"path": r.URL.Path, "method": r.Method},
		})
		return ErrCSRFTokenInvalid
	}
	return nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
