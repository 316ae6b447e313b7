package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openalpha/commodex/types"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// writeServiceError maps the service sentinel errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, types.ErrLimitExceeded):
		writeError(w, http.StatusTooManyRequests, "limit_exceeded", err.Error())
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrConfirmationNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, types.ErrNotActive), errors.Is(err, types.ErrDuplicateConfirmation):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, types.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
