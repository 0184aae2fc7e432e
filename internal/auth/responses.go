// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Every error body is {"error":<code>,"message":<msg>};
// codes are stable identifiers, messages never include internal state.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Error codes returned in the "error" field.
const (
	CodeRateLimited        = "rate_limit_exceeded"
	CodeSessionInvalid     = "session_invalid"
	CodeCSRFMissing        = "csrf_token_missing"
	CodeCSRFInvalid        = "csrf_token_invalid"
	CodeAccessDenied       = "resource_access_denied"
	CodeInvalidCredentials = "invalid_credentials"
	CodeBadRequest         = "bad_request"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeUpstream           = "exchange_error"
	CodeInternal           = "internal_error"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// JSON writes v with status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Error writes the standard error body.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, errorBody{Error: code, Message: message})
}

// GuardError maps a guard failure to its response. 429s carry Retry-After.
func GuardError(w http.ResponseWriter, err error) {
	var rl *RateLimitError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds()))
		Error(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests, try again later")
	case errors.Is(err, ErrSessionInvalid):
		Error(w, http.StatusUnauthorized, CodeSessionInvalid, "session expired or invalid")
	case errors.Is(err, ErrCSRFTokenMissing):
		Error(w, http.StatusForbidden, CodeCSRFMissing, "csrf token missing")
	case errors.Is(err, ErrCSRFTokenInvalid):
		Error(w, http.StatusForbidden, CodeCSRFInvalid, "csrf token invalid, fetch a new one")
	case errors.Is(err, ErrResourceAccessDenied):
		Error(w, http.StatusForbidden, CodeAccessDenied, "resource not found or access denied")
	default:
		Error(w, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	Error(w, http.StatusInternalServerError, CodeInternal, "internal server error")
}

// BadRequest returns a 400 JSON response with the given message.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, CodeBadRequest, message)
}

// Unauthorized returns a 401 for failed credential checks.
// Keep message generic to prevent user enumeration.
func Unauthorized(w http.ResponseWriter) {
	Error(w, http.StatusUnauthorized, CodeInvalidCredentials, "invalid credentials")
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, CodeNotFound, message)
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	JSON(w, http.StatusOK, map[string]string{"message": message})
}
