package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"nexus/orchestrator"
)

const maxBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError sends {success:false, error}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// decodeBody reads a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusFor maps orchestrator error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch orchestrator.KindOf(err) {
	case orchestrator.KindValidation:
		return http.StatusBadRequest
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindResource:
		return http.StatusServiceUnavailable
	case orchestrator.KindTimeout:
		return http.StatusGatewayTimeout
	}
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
