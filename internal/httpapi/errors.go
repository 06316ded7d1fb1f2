package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marcus-qen/tabwarden/internal/bridge"
	"github.com/marcus-qen/tabwarden/internal/engine"
	"github.com/marcus-qen/tabwarden/internal/rules"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSONError writes a consistent JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message, Code: code})
}

// writeEngineError maps engine errors onto HTTP statuses: lookup misses are
// 404, disabled rules 409, validation 400, a disconnected extension 503,
// other driver trouble 502, everything else 500.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrRuleNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, engine.ErrRuleDisabled):
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, engine.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, bridge.ErrNotConnected):
		writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable", "extension not connected")
	case errors.Is(err, engine.ErrDriver):
		writeJSONError(w, http.StatusBadGateway, "bad_gateway", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// writeStoreError maps rule store errors: a missing row is 404, anything
// else is the store's problem.
func writeStoreError(w http.ResponseWriter, err error) {
	if rules.IsNotFound(err) {
		writeJSONError(w, http.StatusNotFound, "not_found", "rule not found")
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
}
