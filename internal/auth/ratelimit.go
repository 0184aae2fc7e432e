// ratelimit.go -- Fixed-window rate limiting over the shared cache.
//
// Each (policy, identity) pair owns one counter. The increment and the
// first-hit expiry happen in one atomic cache operation, so concurrent
// requests can never both observe "under limit".
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MGallo-Code/bastion/internal/metrics"
)

// Policy names. Each has its own budget so one action can't exhaust another's.
const (
	PolicyLogin      = "login"
	PolicyRegister   = "register"
	PolicyReset      = "reset"
	PolicyAPI        = "api"
	PolicyAutomation = "automation"
	PolicyTrade      = "trade"
)

// failClosedPolicies deny when the cache is unreachable; all others allow.
var failClosedPolicies = map[string]bool{
	PolicyLogin:    true,
	PolicyRegister: true,
	PolicyReset:    true,
}

// WindowCounter is the atomic counter primitive. Satisfied by *store.RedisStore.
type WindowCounter interface {
	// IncrWindow increments key, setting its expiry to window on the first hit only.
	// Returns the post-increment count and the time left in the window.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)

	// ResetWindow deletes the counter.
	ResetWindow(ctx context.Context, key string) error
}

// Policy is a named fixed-window budget.
type Policy struct {
	Name        string
	MaxAttempts int
	Window      time.Duration
	FailClosed  bool
}

// NewPolicy builds a policy, failing closed for authentication-class names.
func NewPolicy(name string, maxAttempts int, window time.Duration) Policy {
	return Policy{Name: name, MaxAttempts: maxAttempts, Window: window, FailClosed: failClosedPolicies[name]}
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Policy     string
}

// Err returns a *RateLimitError for a denial, nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RateLimitError{Policy: d.Policy, RetryAfter: d.RetryAfter}
}

// RateLimiter decides allow/deny per named policy.
type RateLimiter struct {
	counter  WindowCounter
	policies map[string]Policy
	metrics  *metrics.Recorder
}

// NewRateLimiter returns a limiter enforcing the given policies.
func NewRateLimiter(counter WindowCounter, m *metrics.Recorder, policies ...Policy) *RateLimiter {
	rl := &RateLimiter{counter: counter, policies: make(map[string]Policy, len(policies)), metrics: m}
	for _, p := range policies {
		rl.policies[p.Name] = p
	}
	return rl
}

// Policy returns the registered policy by name.
func (rl *RateLimiter) Policy(name string) (Policy, bool) {
	p, ok := rl.policies[name]
	return p, ok
}

func counterKey(policy, identity string) string {
	return policy + ":" + strings.ToLower(identity)
}

// Check counts one attempt for identity under policy and decides.
// The attempt that trips the limit is itself counted.
// A non-nil error means the cache failed; the Decision then reflects the
// policy's fail-open or fail-closed mode and is still authoritative.
func (rl *RateLimiter) Check(ctx context.Context, identity, policy string) (Decision, error) {
	p, ok := rl.policies[policy]
	if !ok {
		return Decision{Policy: policy}, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}

	count, ttl, err := rl.counter.IncrWindow(ctx, counterKey(p.Name, identity), p.Window)
	if err != nil {
		d := Decision{Allowed: !p.FailClosed, Policy: p.Name}
		if p.FailClosed {
			d.RetryAfter = time.Second
		}
		slog.Error("rate limit cache unavailable", "policy", p.Name, "fail_closed", p.FailClosed, "error", err)
		rl.metrics.RecordGuardDecision(ctx, "ratelimit", d.Allowed)
		return d, fmt.Errorf("checking rate limit %s: %w", p.Name, err)
	}

	// A key without expiry should not exist; treat the window as fresh.
	if ttl <= 0 {
		ttl = p.Window
	}

	d := Decision{Policy: p.Name, Remaining: max(0, p.MaxAttempts-int(count))}
	if count <= int64(p.MaxAttempts) {
		d.Allowed = true
	} else {
		d.RetryAfter = ttl
		rl.metrics.RecordRateLimited(ctx, p.Name)
	}
	rl.metrics.RecordGuardDecision(ctx, "ratelimit", d.Allowed)
	return d, nil
}

// Reset clears identity's counter for policy. Used after a successful login.
func (rl *RateLimiter) Reset(ctx context.Context, identity, policy string) error {
	if err := rl.counter.ResetWindow(ctx, counterKey(policy, identity)); err != nil {
		return fmt.Errorf("resetting rate limit %s: %w", policy, err)
	}
	return nil
}
