// csrf_test.go

// unit tests for CSRFGuard over MockCache.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/MGallo-Code/bastion/internal/testutil"
	"github.com/gofrs/uuid/v5"
)

func newTestCSRF(t *testing.T) (*CSRFGuard, *testutil.MockCache, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cache := testutil.NewMockCache(clock.Now)
	g := NewCSRFGuard(cache, time.Hour)
	g.now = clock.Now
	return g, cache, clock
}

func TestGenerateCSRFToken(t *testing.T) {
	a, err := GenerateCSRFToken()
	if err != nil {
		t.Fatalf("GenerateCSRFToken: %v", err)
	}
	b, _ := GenerateCSRFToken()
	if *a == *b {
		t.Error("expected distinct tokens")
	}
}

func TestCSRFGuard(t *testing.T) {
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV7())

	t.Run("valid exactly once", func(t *testing.T) {
		g, _, _ := newTestCSRF(t)
		token, err := g.Issue(ctx, userID)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		ok, err := g.Validate(ctx, userID, token)
		if err != nil || !ok {
			t.Fatalf("first Validate: expected true, got %v, %v", ok, err)
		}
		ok, err = g.Validate(ctx, userID, token)
		if err != nil || ok {
			t.Errorf("second Validate: expected false, got %v, %v", ok, err)
		}
	})

	t.Run("other user's token is rejected and not consumed", func(t *testing.T) {
		g, _, _ := newTestCSRF(t)
		token, _ := g.Issue(ctx, userID)
		ok, err := g.Validate(ctx, uuid.Must(uuid.NewV7()), token)
		if err != nil || ok {
			t.Errorf("expected false for foreign user, got %v, %v", ok, err)
		}
		if ok, _ := g.Validate(ctx, userID, token); !ok {
			t.Error("expected owner's token to survive a foreign attempt")
		}
	})

	t.Run("malformed and empty tokens", func(t *testing.T) {
		g, _, _ := newTestCSRF(t)
		for _, tok := range []string{"", "!!!", base64.RawURLEncoding.EncodeToString([]byte("short"))} {
			ok, err := g.Validate(ctx, userID, tok)
			if err != nil || ok {
				t.Errorf("token %q: expected false, nil; got %v, %v", tok, ok, err)
			}
		}
	})

	t.Run("expired token", func(t *testing.T) {
		g, _, clock := newTestCSRF(t)
		token, _ := g.Issue(ctx, userID)
		clock.Advance(time.Hour)
		if ok, _ := g.Validate(ctx, userID, token); ok {
			t.Error("expected expired token to be rejected")
		}
	})

	t.Run("tokens are independent", func(t *testing.T) {
		g, _, _ := newTestCSRF(t)
		t1, _ := g.Issue(ctx, userID)
		t2, _ := g.Issue(ctx, userID)
		if t1 == t2 {
			t.Fatal("expected distinct tokens")
		}
		g.Validate(ctx, userID, t1)
		if ok, _ := g.Validate(ctx, userID, t2); !ok {
			t.Error("consuming one token should not consume another")
		}
	})

	t.Run("cache errors surface", func(t *testing.T) {
		g, cache, _ := newTestCSRF(t)
		token, _ := g.Issue(ctx, userID)
		cache.CSRFErr = errors.New("redis down")
		ok, err := g.Validate(ctx, userID, token)
		if err == nil || ok {
			t.Errorf("expected error and false, got %v, %v", ok, err)
		}
		if _, err := g.Issue(ctx, userID); err == nil {
			t.Error("expected Issue to fail when cache is down")
		}
	})
}
