// events_handler.go -- Read access to the caller's own security events.
package auth

import (
	"net/http"
	"strconv"
)

// ListSecurityEvents handles GET /security/events?type=&min_severity=&limit=.
func (h *AuthHandler) ListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := currentSession(r)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	q := r.URL.Query()
	f := EventFilter{UserID: sess.User.ID.String(), Type: q.Get("type"), Limit: 50}
	if v := q.Get("min_severity"); v != "" {
		sev, err := ParseSeverity(v)
		if err != nil {
			BadRequest(w, "min_severity must be one of low, medium, high, critical")
			return
		}
		f.MinSeverity = sev
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			BadRequest(w, "limit must be between 1 and 500")
			return
		}
		f.Limit = n
	}

	events, err := h.Events.Recent(r.Context(), f)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"events": events})
}
