// metrics.go
//
// OpenTelemetry instruments for the protection pipeline and the vault.
// Instruments come from the global MeterProvider, which is a no-op until an
// exporter is installed, so recording is always safe.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MGallo-Code/bastion"

// Recorder holds every metric instrument Bastion records to.
type Recorder struct {
	GuardDecisions  metric.Int64Counter
	RateLimited     metric.Int64Counter
	SecurityEvents  metric.Int64Counter
	VaultOperations metric.Int64Counter
	AlertsDropped   metric.Int64Counter
	ExchangeCalls   metric.Int64Counter
	ExchangeLatency metric.Float64Histogram
}

// New creates a Recorder on the global MeterProvider.
func New() (*Recorder, error) {
	return NewWithMeter(otel.GetMeterProvider().Meter(meterName))
}

// NewWithMeter creates a Recorder on the given meter.
func NewWithMeter(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error

	r.GuardDecisions, err = meter.Int64Counter(
		"bastion.guard.decisions",
		metric.WithDescription("Protection pipeline decisions by guard and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.decisions counter: %w", err)
	}

	r.RateLimited, err = meter.Int64Counter(
		"bastion.ratelimit.exceeded",
		metric.WithDescription("Requests rejected by a rate limit policy"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.exceeded counter: %w", err)
	}

	r.SecurityEvents, err = meter.Int64Counter(
		"bastion.security.events",
		metric.WithDescription("Security events recorded by type and severity"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.events counter: %w", err)
	}

	r.VaultOperations, err = meter.Int64Counter(
		"bastion.vault.operations",
		metric.WithDescription("Vault encrypt, decrypt and migrate operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault.operations counter: %w", err)
	}

	r.AlertsDropped, err = meter.Int64Counter(
		"bastion.alerts.dropped",
		metric.WithDescription("Alerts dropped because the dispatch queue was full"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create alerts.dropped counter: %w", err)
	}

	r.ExchangeCalls, err = meter.Int64Counter(
		"bastion.exchange.calls",
		metric.WithDescription("Signed exchange API calls by outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange.calls counter: %w", err)
	}

	r.ExchangeLatency, err = meter.Float64Histogram(
		"bastion.exchange.duration",
		metric.WithDescription("Exchange API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange.duration histogram: %w", err)
	}

	return r, nil
}

// RecordGuardDecision records one guard's allow/deny outcome. Nil receivers are no-ops.
func (r *Recorder) RecordGuardDecision(ctx context.Context, guard string, allowed bool) {
	if r == nil {
		return
	}
	r.GuardDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("guard", guard),
		attribute.Bool("allowed", allowed),
	))
}

// RecordRateLimited records a request rejected by policy.
func (r *Recorder) RecordRateLimited(ctx context.Context, policy string) {
	if r == nil {
		return
	}
	r.RateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", policy)))
}

// RecordSecurityEvent records a logged security event.
func (r *Recorder) RecordSecurityEvent(ctx context.Context, eventType, severity string) {
	if r == nil {
		return
	}
	r.SecurityEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("severity", severity),
	))
}

// RecordVaultOperation records a vault operation and whether it succeeded.
func (r *Recorder) RecordVaultOperation(ctx context.Context, op string, success bool) {
	if r == nil {
		return
	}
	r.VaultOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Bool("success", success),
	))
}

// RecordAlertDropped records an alert discarded by a full queue.
func (r *Recorder) RecordAlertDropped(ctx context.Context) {
	if r == nil {
		return
	}
	r.AlertsDropped.Add(ctx, 1)
}

// RecordExchangeCall records an exchange call's outcome and duration.
func (r *Recorder) RecordExchangeCall(ctx context.Context, path string, statusCode int, durationMs float64) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("path", path),
		attribute.Int("status_code", statusCode),
	)
	r.ExchangeCalls.Add(ctx, 1, attrs)
	r.ExchangeLatency.Record(ctx, durationMs, attrs)
}
