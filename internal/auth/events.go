// events.go -- Append-only security event log.
//
// Events go to a bounded cache list (global and per user) and to slog.
// At or above the alert threshold they are also handed to an alert.Notifier,
// which must not block. Recording never fails the request that caused it.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MGallo-Code/bastion/internal/alert"
	"github.com/MGallo-Code/bastion/internal/metrics"
	"github.com/gofrs/uuid/v5"
)

// Severity orders events for filtering and alerting.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return "unknown"
	}
	return severityNames[s]
}

// ParseSeverity maps a name back to a Severity.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if strings.EqualFold(name, n) {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", name)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	v, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Event types. One per distinct guard failure plus account activity.
const (
	EventLoginSucceeded        = "login_succeeded"
	EventLoginFailed           = "login_failed"
	EventRegistered            = "user_registered"
	EventLogout                = "logout"
	EventAllSessionsRevoked    = "all_sessions_revoked"
	EventPasswordChanged       = "password_changed"
	EventRateLimitExceeded     = "rate_limit_exceeded"
	EventSessionInvalid        = "session_invalid"
	EventCSRFTokenMissing      = "csrf_token_missing"
	EventCSRFTokenInvalid      = "csrf_token_invalid"
	EventResourceAccessDenied  = "resource_access_denied"
	EventCredentialsUpdated    = "credentials_updated"
	EventCredentialsDeleted    = "credentials_deleted"
	EventCredentialDecryptFail = "credential_decryption_failed"
	EventCredentialsMigrated   = "credentials_migrated"
	EventBearerTokenIssued     = "bearer_token_issued"
	EventExchangeOrderPlaced   = "exchange_order_placed"
	EventExchangeOrderRejected = "exchange_order_rejected"
)

// SecurityEvent is one immutable log entry. Never carries secrets or tokens.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	UserID    string            `json:"user_id,omitempty"`
	Email     string            `json:"email,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// EventStore is the bounded list backend. Satisfied by *store.RedisStore.
type EventStore interface {
	AppendEvent(ctx context.Context, userID string, payload []byte, maxLen int64, retention time.Duration) error
	RecentEvents(ctx context.Context, userID string, n int64) ([][]byte, error)
}

// EventFilter narrows Recent. Zero values match everything.
type EventFilter struct {
	UserID      string
	Type        string
	MinSeverity Severity
	Limit       int
}

// SecurityEventLog records and queries security events.
type SecurityEventLog struct {
	store     EventStore
	notifier  alert.Notifier
	alertAt   Severity
	maxLen    int64
	retention time.Duration
	metrics   *metrics.Recorder
	now       func() time.Time
}

// NewSecurityEventLog returns a log keeping at most maxLen events for retention.
// Events at or above alertAt are forwarded to notifier.
func NewSecurityEventLog(s EventStore, notifier alert.Notifier, alertAt Severity, maxLen int, retention time.Duration, m *metrics.Recorder) *SecurityEventLog {
	if notifier == nil {
		notifier = alert.NopNotifier{}
	}
	return &SecurityEventLog{
		store:     s,
		notifier:  notifier,
		alertAt:   alertAt,
		maxLen:    int64(maxLen),
		retention: retention,
		metrics:   m,
		now:       time.Now,
	}
}

// Record appends ev, filling ID, Timestamp and request metadata from ctx.
func (l *SecurityEventLog) Record(ctx context.Context, ev SecurityEvent) {
	if ev.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			ev.ID = id.String()
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	if meta, ok := requestMetaFrom(ctx); ok {
		if ev.IPAddress == "" {
			ev.IPAddress = meta.ip
		}
		if ev.UserAgent == "" {
			ev.UserAgent = meta.userAgent
		}
	}

	level := slog.LevelInfo
	if ev.Severity >= SeverityHigh {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "security event",
		"event_id", ev.ID,
		"type", ev.Type,
		"severity", ev.Severity.String(),
		"user_id", ev.UserID,
		"ip", ev.IPAddress,
	)
	l.metrics.RecordSecurityEvent(ctx, ev.Type, ev.Severity.String())

	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal security event", "type", ev.Type, "error", err)
		return
	}
	if err := l.store.AppendEvent(ctx, ev.UserID, payload, l.maxLen, l.retention); err != nil {
		slog.Error("failed to persist security event", "event_id", ev.ID, "type", ev.Type, "error", err)
	}

	if ev.Severity >= l.alertAt {
		l.alert(ctx, ev)
	}
}

// alert forwards ev to the notifier. Failures are logged and counted, never returned.
func (l *SecurityEventLog) alert(ctx context.Context, ev SecurityEvent) {
	a := alert.Alert{
		EventID:    ev.ID,
		Type:       ev.Type,
		Severity:   ev.Severity.String(),
		UserID:     ev.UserID,
		IPAddress:  ev.IPAddress,
		Message:    ev.Type,
		Details:    ev.Details,
		OccurredAt: ev.Timestamp,
	}
	if err := l.notifier.Notify(ctx, a); err != nil {
		if errors.Is(err, alert.ErrQueueFull) {
			l.metrics.RecordAlertDropped(ctx)
		}
		slog.Error("failed to dispatch security alert", "event_id", ev.ID, "error", err)
	}
}

// scanLimit bounds how many raw entries Recent reads before filtering.
const scanLimit = 1000

// Recent returns the newest events matching f, newest first.
// Events older than the retention window are skipped.
func (l *SecurityEventLog) Recent(ctx context.Context, f EventFilter) ([]SecurityEvent, error) {
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = 50
	case limit > scanLimit:
		limit = scanLimit
	}
	n := int64(scanLimit)
	if l.maxLen > 0 && l.maxLen < n {
		n = l.maxLen
	}

	raw, err := l.store.RecentEvents(ctx, f.UserID, n)
	if err != nil {
		return nil, fmt.Errorf("reading security events: %w", err)
	}

	cutoff := time.Time{}
	if l.retention > 0 {
		cutoff = l.now().Add(-l.retention)
	}

	out := make([]SecurityEvent, 0, min(limit, len(raw)))
	for _, b := range raw {
		var ev SecurityEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			slog.Warn("skipping malformed security event", "error", err)
			continue
		}
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if ev.Severity < f.MinSeverity {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
