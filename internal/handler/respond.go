package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	appErr "github.com/samims/concierge/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a service error to the status the caller sees. Anything
// not recognised is a generic 500; ledger internals never reach the body.
func statusFor(err error) (int, string) {
	switch {
	case appErr.IsNotFound(err):
		return http.StatusNotFound, "not found"
	case appErr.IsInvalid(err):
		return http.StatusBadRequest, err.Error()
	case appErr.IsInvalidTransition(err):
		return http.StatusConflict, err.Error()
	case appErr.IsRateLimited(err):
		return http.StatusTooManyRequests, "too many requests"
	case errors.Is(err, appErr.ErrTooManyAttempts):
		return http.StatusTooManyRequests, "too many attempts, request a new code"
	case errors.Is(err, appErr.ErrInvalidCode):
		return http.StatusBadRequest, "invalid or expired code"
	case appErr.IsDeliveryFailed(err):
		return http.StatusServiceUnavailable, "unable to send code, try again later"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeError(w http.ResponseWriter, l *slog.Logger, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		l.ErrorContext(r.Context(), "Request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	http.Error(w, msg, status)
}
