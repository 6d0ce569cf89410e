package handler

import (
	"encoding/json"
	"net/http"

	"github.com/weekijie/sturgeon/internal/apperr"
)

// errorEnvelope is the uniform error shape returned by every endpoint
//: {error, detail, validation_warnings?}.
type errorEnvelope struct {
	Error              string   `json:"error"`
	Detail             string   `json:"detail,omitempty"`
	ValidationWarnings []string `json:"validation_warnings,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps any error to the standard envelope and status. A typed
// *apperr.Error carries its own kind/status/detail; any other error is
// treated as an unexpected internal failure.
func respondError(w http.ResponseWriter, err error) {
	if ae, ok := apperr.As(err); ok {
		respondJSON(w, ae.Status(), errorEnvelope{Error: string(ae.Kind), Detail: ae.Detail})
		return
	}
	respondJSON(w, http.StatusInternalServerError, errorEnvelope{Error: "INTERNAL", Detail: err.Error()})
}

// respondInputInvalid is a shorthand for the common case of an inline
// validation failure that never made it into an *apperr.Error.
func respondInputInvalid(w http.ResponseWriter, detail string) {
	respondJSON(w, http.StatusBadRequest, errorEnvelope{Error: string(apperr.InputInvalid), Detail: detail})
}
