// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (cache layer).
package store

import (
	"errors"
	"time"

	"github.com/MGallo-Code/bastion/internal/vault"
	"github.com/gofrs/uuid/v5"
)

// ErrCacheMiss is returned when a key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrNotFound is returned by Postgres lookups that match no row.
var ErrNotFound = errors.New("not found")

// ErrEmailTaken is returned by CreateUser on a duplicate email or username.
var ErrEmailTaken = errors.New("email or username already registered")

// ErrUnknownResource is returned by OwnerOf for a resource type with no owner column mapping.
var ErrUnknownResource = errors.New("unknown resource type")

// Resource types with an owning user column, consulted by ownership checks.
const (
	ResourceAutomation  = "automation"
	ResourceCredentials = "exchange_credentials"
)

// Plan types stored on users.plan_type.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// User represents a row in the users table.
// Nullable columns are pointers; nil means SQL NULL.
type User struct {
	ID               uuid.UUID
	Email            string
	Username         string
	PasswordHash     string
	PlanType         string
	SessionExpiresAt *time.Time
	LastActivityAt   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SessionRecord is the JSON shape stored in Redis under session:<id>.
type SessionRecord struct {
	UserID         uuid.UUID `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
}

// CSRFRecord is the JSON shape stored in Redis under csrf:<user>:<token hash>.
type CSRFRecord struct {
	UserID   uuid.UUID `json:"user_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// CredentialRecord is a row in the exchange_credentials table.
// Set fields are encoded EncryptedSecrets; plaintext never reaches this type.
type CredentialRecord struct {
	UserID    uuid.UUID
	Set       vault.ExchangeCredentialSet
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Automation represents a row in the automations table.
type Automation struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Name      string
	Symbol    string
	Status    string
	CreatedAt time.Time
}
