// errors.go -- Guard failure sentinels.
//
// Each guard returns one of these; the pipeline maps them to a status code and
// a stable error code so handlers never see a raw guard failure.
package auth

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrRateLimitExceeded is matched by *RateLimitError via errors.Is.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrSessionInvalid covers missing, malformed, expired and destroyed sessions.
	ErrSessionInvalid = errors.New("session expired or invalid")

	ErrCSRFTokenMissing = errors.New("csrf token missing")
	ErrCSRFTokenInvalid = errors.New("csrf token invalid")

	// ErrResourceAccessDenied is returned for both missing and foreign resources.
	ErrResourceAccessDenied = errors.New("resource not found or access denied")

	// ErrUnknownPolicy is returned by RateLimiter.Check for an unregistered policy name.
	ErrUnknownPolicy = errors.New("unknown rate limit policy")
)

// RateLimitError carries the policy that tripped and how long to wait.
type RateLimitError struct {
	Policy     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Policy, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (e *RateLimitError) RetryAfterSeconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
