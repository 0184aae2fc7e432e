// ratelimit_test.go

// unit tests for RateLimiter over MockCache.
package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MGallo-Code/bastion/internal/testutil"
)

func newTestLimiter(t *testing.T, policies ...Policy) (*RateLimiter, *testutil.MockCache, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cache := testutil.NewMockCache(clock.Now)
	return NewRateLimiter(cache, nil, policies...), cache, clock
}

func TestNewPolicy(t *testing.T) {
	for _, name := range []string{PolicyLogin, PolicyRegister, PolicyReset} {
		if !NewPolicy(name, 1, time.Minute).FailClosed {
			t.Errorf("expected %s to fail closed", name)
		}
	}
	for _, name := range []string{PolicyAPI, PolicyAutomation, PolicyTrade} {
		if NewPolicy(name, 1, time.Minute).FailClosed {
			t.Errorf("expected %s to fail open", name)
		}
	}
}

func TestRateLimiterCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("sixth attempt in window is denied", func(t *testing.T) {
		rl, _, _ := newTestLimiter(t, NewPolicy(PolicyLogin, 5, 15*time.Minute))
		for i := 1; i <= 5; i++ {
			d, err := rl.Check(ctx, "user@example.com", PolicyLogin)
			if err != nil {
				t.Fatalf("attempt %d: unexpected error: %v", i, err)
			}
			if !d.Allowed {
				t.Fatalf("attempt %d: expected allowed", i)
			}
			if d.Remaining != 5-i {
				t.Errorf("attempt %d: expected remaining %d, got %d", i, 5-i, d.Remaining)
			}
		}
		d, err := rl.Check(ctx, "user@example.com", PolicyLogin)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Allowed {
			t.Fatal("expected sixth attempt to be denied")
		}
		if d.RetryAfter <= 0 || d.RetryAfter > 15*time.Minute {
			t.Errorf("expected RetryAfter in (0, 15m], got %v", d.RetryAfter)
		}
		var rlErr *RateLimitError
		if !errors.As(d.Err(), &rlErr) {
			t.Fatalf("expected *RateLimitError, got %v", d.Err())
		}
		if !errors.Is(d.Err(), ErrRateLimitExceeded) {
			t.Error("expected Err to match ErrRateLimitExceeded")
		}
		if rlErr.Policy != PolicyLogin {
			t.Errorf("expected policy %q, got %q", PolicyLogin, rlErr.Policy)
		}
	})

	t.Run("window elapsing allows again", func(t *testing.T) {
		rl, _, clock := newTestLimiter(t, NewPolicy(PolicyLogin, 5, 15*time.Minute))
		for range 6 {
			rl.Check(ctx, "a@example.com", PolicyLogin)
		}
		clock.Advance(15 * time.Minute)
		d, err := rl.Check(ctx, "a@example.com", PolicyLogin)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allowed {
			t.Error("expected attempt after window to be allowed")
		}
	})

	t.Run("retry after shrinks as the window runs", func(t *testing.T) {
		rl, _, clock := newTestLimiter(t, NewPolicy(PolicyLogin, 1, 10*time.Minute))
		rl.Check(ctx, "b@example.com", PolicyLogin)
		clock.Advance(4 * time.Minute)
		d, _ := rl.Check(ctx, "b@example.com", PolicyLogin)
		if d.RetryAfter != 6*time.Minute {
			t.Errorf("expected RetryAfter 6m, got %v", d.RetryAfter)
		}
	})

	t.Run("identity is case insensitive", func(t *testing.T) {
		rl, _, _ := newTestLimiter(t, NewPolicy(PolicyLogin, 1, time.Minute))
		rl.Check(ctx, "Case@Example.com", PolicyLogin)
		d, _ := rl.Check(ctx, "case@example.com", PolicyLogin)
		if d.Allowed {
			t.Error("expected differently-cased identity to share a counter")
		}
	})

	t.Run("policies and identities are independent", func(t *testing.T) {
		rl, _, _ := newTestLimiter(t,
			NewPolicy(PolicyLogin, 1, time.Minute),
			NewPolicy(PolicyAPI, 1, time.Minute),
		)
		rl.Check(ctx, "x", PolicyLogin)
		if d, _ := rl.Check(ctx, "x", PolicyAPI); !d.Allowed {
			t.Error("exhausting login should not affect api")
		}
		if d, _ := rl.Check(ctx, "y", PolicyLogin); !d.Allowed {
			t.Error("exhausting x should not affect y")
		}
	})

	t.Run("unknown policy", func(t *testing.T) {
		rl, _, _ := newTestLimiter(t)
		d, err := rl.Check(ctx, "x", "nope")
		if !errors.Is(err, ErrUnknownPolicy) {
			t.Errorf("expected ErrUnknownPolicy, got %v", err)
		}
		if d.Allowed {
			t.Error("expected unknown policy to deny")
		}
	})
}

func TestRateLimiterCacheFailure(t *testing.T) {
	ctx := context.Background()
	cacheErr := errors.New("redis down")

	t.Run("authentication policies fail closed", func(t *testing.T) {
		rl, cache, _ := newTestLimiter(t, NewPolicy(PolicyLogin, 5, time.Minute))
		cache.IncrErr = cacheErr
		d, err := rl.Check(ctx, "x", PolicyLogin)
		if !errors.Is(err, cacheErr) {
			t.Errorf("expected wrapped cache error, got %v", err)
		}
		if d.Allowed {
			t.Error("expected fail-closed policy to deny")
		}
		if d.RetryAfter != time.Second {
			t.Errorf("expected RetryAfter 1s, got %v", d.RetryAfter)
		}
	})

	t.Run("api policies fail open", func(t *testing.T) {
		rl, cache, _ := newTestLimiter(t, NewPolicy(PolicyAPI, 5, time.Minute))
		cache.IncrErr = cacheErr
		d, err := rl.Check(ctx, "x", PolicyAPI)
		if err == nil {
			t.Error("expected error to be reported")
		}
		if !d.Allowed {
			t.Error("expected fail-open policy to allow")
		}
	})
}

func TestRateLimiterReset(t *testing.T) {
	ctx := context.Background()
	rl, _, _ := newTestLimiter(t, NewPolicy(PolicyLogin, 2, time.Minute))
	rl.Check(ctx, "x", PolicyLogin)
	rl.Check(ctx, "x", PolicyLogin)
	if err := rl.Reset(ctx, "x", PolicyLogin); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	d, _ := rl.Check(ctx, "x", PolicyLogin)
	if !d.Allowed || d.Remaining != 1 {
		t.Errorf("expected fresh window after reset, got allowed=%v remaining=%d", d.Allowed, d.Remaining)
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	rl, _, _ := newTestLimiter(t, NewPolicy(PolicyTrade, 10, time.Minute))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := rl.Check(context.Background(), "burst", PolicyTrade)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 10 {
		t.Errorf("expected exactly 10 allowed, got %d", got)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{300 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{15 * time.Minute, 900},
	}
	for _, tt := range tests {
		e := &RateLimitError{RetryAfter: tt.in}
		if got := e.RetryAfterSeconds(); got != tt.want {
			t.Errorf("RetryAfterSeconds(%v): expected %d, got %d", tt.in, tt.want, got)
		}
	}
}
