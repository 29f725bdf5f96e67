package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ctfdeploy/ctfdeploy/internal/model"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMsg(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeLeaseError maps pipeline errors to stable status codes. A missing
// lease is a client mistake (400); a lease whose container vanished is 404.
// Anything not recognized is an internal error and the message is not echoed
// back.
func writeLeaseError(w http.ResponseWriter, err error) {
	var exhausted *model.ResourceExhaustedError
	switch {
	case errors.Is(err, model.ErrInvalidSession),
		errors.Is(err, model.ErrCaptchaInvalid),
		errors.Is(err, model.ErrDuplicateLease):
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeErrorMsg(w, http.StatusBadRequest, "No active container")
	case errors.Is(err, model.ErrRateLimited):
		writeErrorMsg(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, model.ErrNoPorts), errors.As(err, &exhausted):
		writeErrorMsg(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, model.ErrHandleGone):
		writeErrorMsg(w, http.StatusNotFound, "Container not found")
	case errors.Is(err, model.ErrUnauthorized):
		writeErrorMsg(w, http.StatusForbidden, err.Error())
	default:
		writeErrorMsg(w, http.StatusInternalServerError, "internal error")
	}
}
