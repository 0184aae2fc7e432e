// alert.go
//
// Alert payload and Sink interface. Sinks deliver alerts synchronously;
// QueuedNotifier (queue.go) puts them behind an async Redis queue.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Alert is a security event severe enough to page someone.
// Never carries credentials, tokens or passwords.
type Alert struct {
	EventID    string            `json:"event_id"`
	Type       string            `json:"type"`
	Severity   string            `json:"severity"`
	UserID     string            `json:"user_id,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Sink delivers a single alert.
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// Notifier accepts alerts for delivery. Implementations must not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogSink writes alerts to slog. Used when no broker is configured.
type LogSink struct{}

func (LogSink) Send(ctx context.Context, a Alert) error {
	slog.WarnContext(ctx, "security alert",
		"event_id", a.EventID,
		"type", a.Type,
		"severity", a.Severity,
		"user_id", a.UserID,
		"ip", a.IPAddress,
		"message", a.Message,
	)
	return nil
}

// NopNotifier discards alerts.
type NopNotifier struct{}

func (NopNotifier) Notify(_ context.Context, _ Alert) error { return nil }

// Fanout sends each alert to every sink, returning the joined failures.
// One sink failing does not stop delivery to the rest.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
