// automation_handler.go -- Automations and the orders they place.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MGallo-Code/bastion/internal/exchange"
	"github.com/MGallo-Code/bastion/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
)

// AutomationParam is the chi URL parameter naming an automation.
const AutomationParam = "automationID"

const automationActive = "active"

type automationResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Symbol    string    `json:"symbol"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func toAutomationResponse(a *store.Automation) automationResponse {
	return automationResponse{ID: a.ID, Name: a.Name, Symbol: a.Symbol, Status: a.Status, CreatedAt: a.CreatedAt}
}

// automationFromRequest loads the automation named in the URL. Ownership was
// already checked by the pipeline.
func (h *AuthHandler) automationFromRequest(w http.ResponseWriter, r *http.Request) (*store.Automation, bool) {
	id, err := uuid.FromString(chi.URLParam(r, AutomationParam))
	if err != nil {
		GuardError(w, ErrResourceAccessDenied)
		return nil, false
	}
	a, err := h.PS.GetAutomation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			GuardError(w, ErrResourceAccessDenied)
			return nil, false
		}
		InternalServerError(w, r, err)
		return nil, false
	}
	return a, true
}

// CreateAutomation handles POST /automations.
func (h *AuthHandler) CreateAutomation(w http.ResponseWriter, r *http.Request) {
	sess, err := currentSession(r)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	var input struct {
		Name   string `json:"name"`
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode automation input", "error", err)
		BadRequest(w, "error decoding request body")
		return
	}
	input.Name = strings.TrimSpace(input.Name)
	input.Symbol = strings.ToUpper(strings.TrimSpace(input.Symbol))
	if input.Name == "" || len(input.Name) > 100 {
		BadRequest(w, "name must be 1-100 characters")
		return
	}
	if input.Symbol == "" || len(input.Symbol) > 32 {
		BadRequest(w, "symbol must be 1-32 characters")
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	a := store.Automation{
		ID:        id,
		UserID:    sess.User.ID,
		Name:      input.Name,
		Symbol:    input.Symbol,
		Status:    automationActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.PS.CreateAutomation(r.Context(), a); err != nil {
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "automation created", "user_id", sess.User.ID, "automation_id", id)
	JSON(w, http.StatusCreated, toAutomationResponse(&a))
}

// GetAutomation handles GET /automations/{automationID}.
func (h *AuthHandler) GetAutomation(w http.ResponseWriter, r *http.Request) {
	a, ok := h.automationFromRequest(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, toAutomationResponse(a))
}

// DeleteAutomation handles DELETE /automations/{automationID}.
func (h *AuthHandler) DeleteAutomation(w http.ResponseWriter, r *http.Request) {
	a, ok := h.automationFromRequest(w, r)
	if !ok {
		return
	}
	if err := h.PS.DeleteAutomation(r.Context(), a.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			GuardError(w, ErrResourceAccessDenied)
			return
		}
		InternalServerError(w, r, err)
		return
	}
	OK(w, "automation deleted")
}

// PlaceOrder handles POST /automations/{automationID}/orders...decrypts the owner's
// credentials, signs, and submits the order to the exchange.
func (h *AuthHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	a, ok := h.automationFromRequest(w, r)
	if !ok {
		return
	}
	if a.Status != automationActive {
		Error(w, http.StatusConflict, CodeConflict, "automation is not active")
		return
	}

	var order exchange.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		logWarn(r, "failed to decode order input", "error", err)
		BadRequest(w, "error decoding request body")
		return
	}
	if order.Symbol == "" {
		order.Symbol = a.Symbol
	}
	if err := order.Validate(); err != nil {
		BadRequest(w, err.Error())
		return
	}

	creds, err := h.openCredentials(r.Context(), a.UserID)
	if err != nil {
		if errors.Is(err, ErrCredentialsNotConfigured) {
			Error(w, http.StatusConflict, CodeConflict, "exchange credentials not configured")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	resp, err := h.Exchange.PlaceOrder(r.Context(), creds, order)
	if err != nil {
		var apiErr *exchange.APIError
		if errors.As(err, &apiErr) {
			h.Events.Record(r.Context(), SecurityEvent{
				Type:     EventExchangeOrderRejected,
				UserID:   a.UserID.String(),
				Severity: SeverityMedium,
				Details: map[string]string{
					"automation_id": a.ID.String(),
					"status":        itoa(apiErr.StatusCode),
				},
			})
			logWarn(r, "exchange rejected order", "automation_id", a.ID, "status", apiErr.StatusCode)
			Error(w, http.StatusBadGateway, CodeUpstream, "exchange rejected the order")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	h.Events.Record(r.Context(), SecurityEvent{
		Type:     EventExchangeOrderPlaced,
		UserID:   a.UserID.String(),
		Severity: SeverityLow,
		Details: map[string]string{
			"automation_id": a.ID.String(),
			"order_id":      resp.OrderID,
			"symbol":        order.Symbol,
			"side":          order.Side,
		},
	})
	JSON(w, http.StatusCreated, resp)
}
