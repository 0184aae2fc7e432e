// credentials_handler.go -- Exchange credential ingestion and decryption.
//
// Plaintext credentials exist only between NormalizeCredentials/Open and the
// end of the request. Responses describe whether credentials exist, never what they are.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MGallo-Code/bastion/internal/store"
	"github.com/MGallo-Code/bastion/internal/vault"
	"github.com/gofrs/uuid/v5"
)

// ErrCredentialsNotConfigured is returned when a user has no stored credentials.
var ErrCredentialsNotConfigured = errors.New("exchange credentials not configured")

func itoa(n int) string { return strconv.Itoa(n) }

type credentialStatus struct {
	Configured bool       `json:"configured"`
	IsTestnet  bool       `json:"is_testnet"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// PutCredentials handles PUT /credentials...accepts any supported field-name variant,
// encrypts each field, and stores the set.
func (h *AuthHandler) PutCredentials(w http.ResponseWriter, r *http.Request) {
	sess, err := currentSession(r)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		logWarn(r, "failed to decode credentials input", "error", err)
		BadRequest(w, "error decoding request body")
		return
	}

	creds, err := vault.NormalizeCredentials(fields)
	if err != nil {
		if errors.Is(err, vault.ErrMissingCredentialField) {
			BadRequest(w, "api key and api secret are required")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	set, err := h.Vault.Seal(creds)
	h.Metrics.RecordVaultOperation(r.Context(), "encrypt", err == nil)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if err := h.PS.UpsertCredentials(r.Context(), sess.User.ID, set); err != nil {
		InternalServerError(w, r, err)
		return
	}

	h.Events.Record(r.Context(), SecurityEvent{
		Type:     EventCredentialsUpdated,
		UserID:   sess.User.ID.String(),
		Severity: SeverityMedium,
		Details:  map[string]string{"is_testnet": strconv.FormatBool(creds.IsTestnet)},
	})
	now := time.Now().UTC()
	JSON(w, http.StatusOK, credentialStatus{Configured: true, IsTestnet: creds.IsTestnet, UpdatedAt: &now})
}

// GetCredentials handles GET /credentials...reports whether credentials are configured.
func (h *AuthHandler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	sess, err := currentSession(r)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	rec, err := h.PS.GetCredentials(r.Context(), sess.User.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			JSON(w, http.StatusOK, credentialStatus{})
			return
		}
		InternalServerError(w, r, err)
		return
	}
	updated := rec.UpdatedAt
	JSON(w, http.StatusOK, credentialStatus{Configured: true, IsTestnet: rec.Set.IsTestnet, UpdatedAt: &updated})
}

// DeleteCredentials handles DELETE /credentials.
func (h *AuthHandler) DeleteCredentials(w http.ResponseWriter, r *http.Request) {
	sess, err := currentSession(r)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if err := h.PS.DeleteCredentials(r.Context(), sess.User.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFound(w, "no credentials configured")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	h.Events.Record(r.Context(), SecurityEvent{
		Type:     EventCredentialsDeleted,
		UserID:   sess.User.ID.String(),
		Severity: SeverityMedium,
	})
	OK(w, "credentials deleted")
}

// openCredentials loads and decrypts userID's credentials for a single request.
// Legacy-format fields are re-encrypted and persisted on the way through.
// Decryption failures are recorded at high severity and returned, never papered over.
func (h *AuthHandler) openCredentials(ctx context.Context, userID uuid.UUID) (vault.Credentials, error) {
	rec, err := h.PS.GetCredentials(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return vault.Credentials{}, ErrCredentialsNotConfigured
		}
		return vault.Credentials{}, err
	}

	creds, err := h.Vault.Open(rec.Set)
	h.Metrics.RecordVaultOperation(ctx, "decrypt", err == nil)
	if err != nil {
		h.Events.Record(ctx, SecurityEvent{
			Type:     EventCredentialDecryptFail,
			UserID:   userID.String(),
			Severity: SeverityHigh,
			Details:  map[string]string{"reason": decryptFailureReason(err)},
		})
		return vault.Credentials{}, fmt.Errorf("decrypting exchange credentials: %w", err)
	}

	if rec.Set.HasLegacy() {
		h.migrateCredentials(ctx, userID, rec.Set)
	}
	return creds, nil
}

// migrateCredentials rewrites a legacy set in the authenticated format. Non-fatal:
// the plaintext is already in hand, so the current request proceeds either way.
func (h *AuthHandler) migrateCredentials(ctx context.Context, userID uuid.UUID, set vault.ExchangeCredentialSet) {
	migrated, changed, err := h.Vault.Migrate(set)
	h.Metrics.RecordVaultOperation(ctx, "migrate", err == nil)
	if err != nil {
		slog.Warn("legacy credential migration failed", "user_id", userID, "error", err)
		return
	}
	if !changed {
		return
	}
	if err := h.PS.UpsertCredentials(ctx, userID, migrated); err != nil {
		slog.Warn("failed to persist migrated credentials", "user_id", userID, "error", err)
		return
	}
	slog.Info("migrated legacy credentials to authenticated format", "user_id", userID)
	h.Events.Record(ctx, SecurityEvent{
		Type:     EventCredentialsMigrated,
		UserID:   userID.String(),
		Severity: SeverityLow,
	})
}

func decryptFailureReason(err error) string {
	switch {
	case errors.Is(err, vault.ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, vault.ErrMalformedSecret):
		return "malformed_secret"
	default:
		return "decrypt_error"
	}
}
