// password_handler.go -- HTTP handler for password change.
package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// PasswordChange handles POST /password/change...updates the authenticated user's password.
// Verifies current password, re-hashes the new one, then revokes every session and starts
// a fresh one for the caller.
// Returns 200 on success, 400 for invalid input, 401 for wrong current password, 429 when rate limited.
func (h *AuthHandler) PasswordChange(w http.ResponseWriter, r *http.Request) {
	sess, err := currentSession(r)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	id := sess.User.ID

	if !h.checkRateLimit(w, r, id.String(), PolicyReset, SecurityEvent{UserID: id.String()}) {
		return
	}

	var pwdChangeInput struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&pwdChangeInput); err != nil {
		logWarn(r, "failed to decode password change input", "error", err)
		BadRequest(w, "error decoding request body")
		return
	}
	if pwdChangeInput.CurrentPassword == "" {
		BadRequest(w, "current_password required")
		return
	}
	if failures := h.Policy.Validate(pwdChangeInput.NewPassword); len(failures) > 0 {
		BadRequest(w, strings.Join(failures, "; "))
		return
	}

	user, err := h.PS.GetUserByID(r.Context(), id)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	pwdMatch, err := VerifyPassword(pwdChangeInput.CurrentPassword, user.PasswordHash)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !pwdMatch {
		logWarn(r, "password change failed: wrong current password", "user_id", id)
		h.Events.Record(r.Context(), SecurityEvent{
			Type:     EventLoginFailed,
			UserID:   id.String(),
			Severity: SeverityMedium,
			Details:  map[string]string{"reason": "wrong_current_password"},
		})
		Unauthorized(w)
		return
	}

	newHash, err := HashPassword(pwdChangeInput.NewPassword)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if err := h.PS.UpdateUserPassword(r.Context(), id, newHash); err != nil {
		InternalServerError(w, r, err)
		return
	}

	// Any session opened with the old password is suspect.
	revoked, err := h.Sessions.DestroyAll(r.Context(), id)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	token, rec, err := h.Sessions.Create(r.Context(), id, clientIP(r), r.UserAgent())
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	csrfToken, err := h.CSRF.Issue(r.Context(), id)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	SetSessionCookie(w, token, h.cookieMaxAge())

	h.Events.Record(r.Context(), SecurityEvent{
		Type:     EventPasswordChanged,
		UserID:   id.String(),
		Email:    user.Email,
		Severity: SeverityMedium,
		Details:  map[string]string{"sessions_revoked": itoa(revoked)},
	})
	logInfo(r, "password changed", "user_id", id, "sessions_revoked", revoked)

	JSON(w, http.StatusOK, map[string]any{
		"message":    "password updated",
		"csrf_token": csrfToken,
		"expires_at": rec.ExpiresAt,
	})
}
