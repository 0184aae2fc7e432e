// ownership.go -- Resource ownership checks.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/MGallo-Code/bastion/internal/metrics"
	"github.com/MGallo-Code/bastion/internal/store"
	"github.com/gofrs/uuid/v5"
)

// OwnerLookup is satisfied by *store.PostgresStore.
type OwnerLookup interface {
	// OwnerOf returns the owning user id, store.ErrNotFound if no such resource.
	OwnerOf(ctx context.Context, resourceType string, id uuid.UUID) (uuid.UUID, error)
}

// OwnershipGuard confirms the caller owns a resource before a handler runs.
// Missing and foreign resources deny identically.
type OwnershipGuard struct {
	lookup  OwnerLookup
	events  *SecurityEventLog
	metrics *metrics.Recorder
}

// NewOwnershipGuard returns a guard recording denials to events.
func NewOwnershipGuard(lookup OwnerLookup, events *SecurityEventLog, m *metrics.Recorder) *OwnershipGuard {
	return &OwnershipGuard{lookup: lookup, events: events, metrics: m}
}

// Check reports whether userID owns resourceType/resourceID.
// A non-nil error is a store failure; the result is still false (fail closed).
func (g *OwnershipGuard) Check(ctx context.Context, userID uuid.UUID, resourceType, resourceID string) (bool, error) {
	allowed, reason, err := g.check(ctx, userID, resourceType, resourceID)
	g.metrics.RecordGuardDecision(ctx, "ownership", allowed)
	if !allowed {
		g.events.Record(ctx, SecurityEvent{
			Type:     EventResourceAccessDenied,
			UserID:   userID.String(),
			Severity: SeverityHigh,
			Details: map[string]string{
				"resource_type": resourceType,
				"resource_id":   resourceID,
				"reason":        reason,
			},
		})
	}
	return allowed, err
}

func (g *OwnershipGuard) check(ctx context.Context, userID uuid.UUID, resourceType, resourceID string) (bool, string, error) {
	id, err := uuid.FromString(resourceID)
	if err != nil {
		return false, "malformed_id", nil
	}
	owner, err := g.lookup.OwnerOf(ctx, resourceType, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, "not_found", nil
		}
		return false, "lookup_failed", fmt.Errorf("checking ownership of %s: %w", resourceType, err)
	}
	if owner != userID {
		return false, "not_owner", nil
	}
	return true, "", nil
}
