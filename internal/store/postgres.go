// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MGallo-Code/bastion/internal/vault"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// ownerQueries maps resource types to the query returning their owning user.
// Table names can't be parameterized, so only these fixed statements ever run.
var ownerQueries = map[string]string{
	ResourceAutomation:  "SELECT user_id FROM automations WHERE id = $1",
	ResourceCredentials: "SELECT user_id FROM exchange_credentials WHERE user_id = $1",
}

// PostgresStore is the store used by the program to talk to Postgres.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresStore creates and returns a verified connection pool wrapped in a store.
// timeout bounds every query; 0 means 3s.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string, timeout time.Duration) (*PostgresStore, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, timeout: timeout}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

// notFound maps pgx.ErrNoRows to ErrNotFound, leaving other errors wrapped.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Users ---

// CreateUser inserts a new user. The caller generates the UUID v7 and Argon2id hash.
// Returns ErrEmailTaken on a duplicate email or username.
func (s *PostgresStore) CreateUser(ctx context.Context, id uuid.UUID, email, username, passwordHash, planType string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		"INSERT INTO users (id, email, username, password_hash, plan_type) VALUES ($1, $2, $3, $4, $5)",
		id, email, username, passwordHash, planType)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrEmailTaken
		}
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

const userColumns = "id, email, username, password_hash, plan_type, session_expires_at, last_activity_at, created_at, updated_at"

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.PlanType,
		&u.SessionExpiresAt, &u.LastActivityAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail fetches a user by (lower-cased) email. Returns ErrNotFound if absent.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	u, err := scanUser(s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", email))
	if err != nil {
		return nil, notFound(err, "fetching user by email")
	}
	return u, nil
}

// GetUserByID fetches a user by id. Returns ErrNotFound if absent.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	u, err := scanUser(s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "fetching user by id")
	}
	return u, nil
}

// UpdateUserPassword replaces the user's password hash. Returns ErrNotFound if no row matched.
func (s *PostgresStore) UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET password_hash = $1, updated_at = NOW() WHERE id = $2",
		passwordHash, id)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchUserSession records the latest session activity and expiry on the user row.
func (s *PostgresStore) TouchUserSession(ctx context.Context, id uuid.UUID, lastActivity, expiresAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		"UPDATE users SET last_activity_at = $1, session_expires_at = $2 WHERE id = $3",
		lastActivity, expiresAt, id)
	if err != nil {
		return fmt.Errorf("touching user session: %w", err)
	}
	return nil
}

// --- Exchange credentials ---

// UpsertCredentials stores the user's encrypted credential set, replacing any previous one.
func (s *PostgresStore) UpsertCredentials(ctx context.Context, userID uuid.UUID, set vault.ExchangeCredentialSet) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO exchange_credentials (user_id, api_key, api_secret, passphrase, is_testnet)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET api_key = EXCLUDED.api_key,
		    api_secret = EXCLUDED.api_secret,
		    passphrase = EXCLUDED.passphrase,
		    is_testnet = EXCLUDED.is_testnet,
		    updated_at = NOW()`,
		userID, set.APIKey, set.APISecret, set.Passphrase, set.IsTestnet)
	if err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}
	return nil
}

// GetCredentials fetches the user's encrypted credential set. Returns ErrNotFound if none.
func (s *PostgresStore) GetCredentials(ctx context.Context, userID uuid.UUID) (*CredentialRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rec CredentialRecord
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, api_key, api_secret, passphrase, is_testnet, created_at, updated_at
		FROM exchange_credentials WHERE user_id = $1`, userID,
	).Scan(&rec.UserID, &rec.Set.APIKey, &rec.Set.APISecret, &rec.Set.Passphrase, &rec.Set.IsTestnet, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "fetching credentials")
	}
	return &rec, nil
}

// DeleteCredentials removes the user's credential set. Idempotent.
func (s *PostgresStore) DeleteCredentials(ctx context.Context, userID uuid.UUID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, "DELETE FROM exchange_credentials WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	return nil
}

// --- Automations ---

// CreateAutomation inserts a new automation row.
func (s *PostgresStore) CreateAutomation(ctx context.Context, a Automation) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		"INSERT INTO automations (id, user_id, name, symbol, status) VALUES ($1, $2, $3, $4, $5)",
		a.ID, a.UserID, a.Name, a.Symbol, a.Status)
	if err != nil {
		return fmt.Errorf("creating automation: %w", err)
	}
	return nil
}

// GetAutomation fetches an automation by id. Returns ErrNotFound if absent.
func (s *PostgresStore) GetAutomation(ctx context.Context, id uuid.UUID) (*Automation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var a Automation
	err := s.pool.QueryRow(ctx,
		"SELECT id, user_id, name, symbol, status, created_at FROM automations WHERE id = $1", id,
	).Scan(&a.ID, &a.UserID, &a.Name, &a.Symbol, &a.Status, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err, "fetching automation")
	}
	return &a, nil
}

// DeleteAutomation removes an automation. Returns ErrNotFound if no row matched.
func (s *PostgresStore) DeleteAutomation(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, "DELETE FROM automations WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting automation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Ownership ---

// OwnerOf returns the owning user id of a resource.
// ErrNotFound if the resource doesn't exist, ErrUnknownResource for unmapped types.
func (s *PostgresStore) OwnerOf(ctx context.Context, resourceType string, id uuid.UUID) (uuid.UUID, error) {
	q, ok := ownerQueries[resourceType]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownResource, resourceType)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var owner uuid.UUID
	if err := s.pool.QueryRow(ctx, q, id).Scan(&owner); err != nil {
		return uuid.Nil, notFound(err, "fetching resource owner")
	}
	return owner, nil
}
