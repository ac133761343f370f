package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tomasbasham/eoa/internal/errs"
)

// envelope is the standard API response envelope.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

// writeErr reports err with the status its kind maps to. Errors without a
// kind are reported as a generic 500 so backend details do not leak.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errs.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, errs.ErrJobInvocation), errors.Is(err, errs.ErrUpload):
		return http.StatusBadGateway
	case errors.Is(err, errs.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
