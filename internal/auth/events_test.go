// events_test.go

// unit tests for Severity and SecurityEventLog.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MGallo-Code/bastion/internal/alert"
	"github.com/MGallo-Code/bastion/internal/testutil"
)

func TestSeverity(t *testing.T) {
	t.Run("ordering", func(t *testing.T) {
		if !(SeverityLow < SeverityMedium && SeverityMedium < SeverityHigh && SeverityHigh < SeverityCritical) {
			t.Error("severities out of order")
		}
	})

	t.Run("parse", func(t *testing.T) {
		for _, name := range []string{"low", "medium", "HIGH", "Critical"} {
			if _, err := ParseSeverity(name); err != nil {
				t.Errorf("ParseSeverity(%q): %v", name, err)
			}
		}
		if _, err := ParseSeverity("severe"); err == nil {
			t.Error("expected error for unknown severity")
		}
	})

	t.Run("json uses names", func(t *testing.T) {
		b, err := json.Marshal(SeverityHigh)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if string(b) != `"high"` {
			t.Errorf("expected \"high\", got %s", b)
		}
		var s Severity
		if err := json.Unmarshal([]byte(`"critical"`), &s); err != nil || s != SeverityCritical {
			t.Errorf("expected critical, got %v, %v", s, err)
		}
		if err := json.Unmarshal([]byte(`"bogus"`), &s); err == nil {
			t.Error("expected error for unknown name")
		}
	})

	t.Run("out of range stringifies", func(t *testing.T) {
		if Severity(42).String() != "unknown" {
			t.Errorf("expected unknown, got %s", Severity(42))
		}
	})
}

func newTestEventLog(t *testing.T, alertAt Severity, maxLen int, retention time.Duration) (*SecurityEventLog, *testutil.MockCache, *recordingNotifier, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cache := testutil.NewMockCache(clock.Now)
	n := &recordingNotifier{}
	l := NewSecurityEventLog(cache, n, alertAt, maxLen, retention, nil)
	l.now = clock.Now
	return l, cache, n, clock
}

func TestSecurityEventLogRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("fills id and timestamp", func(t *testing.T) {
		l, _, _, clock := newTestEventLog(t, SeverityHigh, 100, time.Hour)
		l.Record(ctx, SecurityEvent{Type: EventLogout, UserID: "u1", Severity: SeverityLow})
		evs, err := l.Recent(ctx, EventFilter{UserID: "u1"})
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(evs) != 1 {
			t.Fatalf("expected 1 event, got %d", len(evs))
		}
		if evs[0].ID == "" {
			t.Error("expected generated id")
		}
		if !evs[0].Timestamp.Equal(clock.Now()) {
			t.Errorf("expected timestamp %v, got %v", clock.Now(), evs[0].Timestamp)
		}
	})

	t.Run("alerts at or above threshold only", func(t *testing.T) {
		l, _, n, _ := newTestEventLog(t, SeverityHigh, 100, time.Hour)
		l.Record(ctx, SecurityEvent{Type: EventLoginFailed, Severity: SeverityMedium})
		l.Record(ctx, SecurityEvent{Type: EventCSRFTokenInvalid, Severity: SeverityHigh, Details: map[string]string{"path": "/x"}})
		l.Record(ctx, SecurityEvent{Type: EventCredentialDecryptFail, Severity: SeverityCritical})
		if n.count() != 2 {
			t.Fatalf("expected 2 alerts, got %d", n.count())
		}
		a := n.alerts[0]
		if a.Type != EventCSRFTokenInvalid || a.Severity != "high" || a.Details["path"] != "/x" {
			t.Errorf("unexpected alert %+v", a)
		}
	})

	t.Run("notifier failure does not block recording", func(t *testing.T) {
		l, _, n, _ := newTestEventLog(t, SeverityLow, 100, time.Hour)
		n.err = alert.ErrQueueFull
		l.Record(ctx, SecurityEvent{Type: EventLogout, UserID: "u1", Severity: SeverityLow})
		evs, _ := l.Recent(ctx, EventFilter{UserID: "u1"})
		if len(evs) != 1 {
			t.Errorf("expected event persisted despite alert failure, got %d", len(evs))
		}
	})

	t.Run("store failure still alerts", func(t *testing.T) {
		l, cache, n, _ := newTestEventLog(t, SeverityHigh, 100, time.Hour)
		cache.EventErr = errors.New("redis down")
		l.Record(ctx, SecurityEvent{Type: EventResourceAccessDenied, Severity: SeverityHigh})
		if n.count() != 1 {
			t.Errorf("expected alert even when persistence fails, got %d", n.count())
		}
	})

	t.Run("request metadata from context", func(t *testing.T) {
		l, _, _, _ := newTestEventLog(t, SeverityHigh, 100, time.Hour)
		ctx := context.WithValue(context.Background(), metaKey, requestMeta{ip: "192.0.2.9", userAgent: "curl"})
		l.Record(ctx, SecurityEvent{Type: EventLogout, UserID: "u1", Severity: SeverityLow})
		evs, _ := l.Recent(ctx, EventFilter{UserID: "u1"})
		if evs[0].IPAddress != "192.0.2.9" || evs[0].UserAgent != "curl" {
			t.Errorf("expected ip/ua from context, got %q/%q", evs[0].IPAddress, evs[0].UserAgent)
		}
	})
}

func TestSecurityEventLogRecent(t *testing.T) {
	ctx := context.Background()

	t.Run("filters and orders newest first", func(t *testing.T) {
		l, _, _, clock := newTestEventLog(t, SeverityCritical, 100, 24*time.Hour)
		l.Record(ctx, SecurityEvent{Type: EventLoginFailed, UserID: "u1", Severity: SeverityMedium})
		clock.Advance(time.Second)
		l.Record(ctx, SecurityEvent{Type: EventCSRFTokenInvalid, UserID: "u1", Severity: SeverityHigh})
		clock.Advance(time.Second)
		l.Record(ctx, SecurityEvent{Type: EventLoginFailed, UserID: "u2", Severity: SeverityMedium})
		clock.Advance(time.Second)
		l.Record(ctx, SecurityEvent{Type: EventLogout, UserID: "u1", Severity: SeverityLow})

		all, _ := l.Recent(ctx, EventFilter{UserID: "u1"})
		if len(all) != 3 {
			t.Fatalf("expected 3 events for u1, got %d", len(all))
		}
		if all[0].Type != EventLogout || all[2].Type != EventLoginFailed {
			t.Errorf("expected newest first, got %s..%s", all[0].Type, all[2].Type)
		}

		byType, _ := l.Recent(ctx, EventFilter{Type: EventLoginFailed})
		if len(byType) != 2 {
			t.Errorf("expected 2 login failures globally, got %d", len(byType))
		}

		bySev, _ := l.Recent(ctx, EventFilter{UserID: "u1", MinSeverity: SeverityHigh})
		if len(bySev) != 1 || bySev[0].Type != EventCSRFTokenInvalid {
			t.Errorf("expected only the high event, got %+v", bySev)
		}

		limited, _ := l.Recent(ctx, EventFilter{Limit: 2})
		if len(limited) != 2 {
			t.Errorf("expected limit 2, got %d", len(limited))
		}
	})

	t.Run("retention window excludes old events", func(t *testing.T) {
		l, _, _, clock := newTestEventLog(t, SeverityCritical, 100, time.Hour)
		l.Record(ctx, SecurityEvent{Type: EventLoginFailed, UserID: "u1", Severity: SeverityMedium})
		clock.Advance(2 * time.Hour)
		l.Record(ctx, SecurityEvent{Type: EventLogout, UserID: "u1", Severity: SeverityLow})
		evs, _ := l.Recent(ctx, EventFilter{UserID: "u1"})
		if len(evs) != 1 || evs[0].Type != EventLogout {
			t.Errorf("expected only the recent event, got %+v", evs)
		}
	})

	t.Run("bounded length", func(t *testing.T) {
		l, _, _, _ := newTestEventLog(t, SeverityCritical, 3, time.Hour)
		for range 5 {
			l.Record(ctx, SecurityEvent{Type: EventLogout, UserID: "u1", Severity: SeverityLow})
		}
		evs, _ := l.Recent(ctx, EventFilter{UserID: "u1"})
		if len(evs) != 3 {
			t.Errorf("expected 3 retained, got %d", len(evs))
		}
	})

	t.Run("oversized limit clamps to scan limit", func(t *testing.T) {
		l, _, _, _ := newTestEventLog(t, SeverityCritical, 2*scanLimit, time.Hour)
		for range scanLimit + 100 {
			l.Record(ctx, SecurityEvent{Type: EventLogout, UserID: "u1", Severity: SeverityLow})
		}
		evs, _ := l.Recent(ctx, EventFilter{UserID: "u1", Limit: 10 * scanLimit})
		if len(evs) != scanLimit {
			t.Errorf("expected %d events, got %d", scanLimit, len(evs))
		}
		evs, _ = l.Recent(ctx, EventFilter{UserID: "u1"})
		if len(evs) != 50 {
			t.Errorf("default limit: expected 50, got %d", len(evs))
		}
	})

	t.Run("store failure surfaces", func(t *testing.T) {
		l, cache, _, _ := newTestEventLog(t, SeverityCritical, 100, time.Hour)
		cache.EventErr = errors.New("redis down")
		if _, err := l.Recent(ctx, EventFilter{}); err == nil {
			t.Error("expected error")
		}
	})
}
