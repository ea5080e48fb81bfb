// Package httpserver contains the REST API handlers and middleware: task
// submission and supervision, caption review, platform connection management
// and progress streaming. Business logic stays in internal/usecase; this
// package only maps HTTP onto it.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels onto HTTP statuses and stable error
// codes. Unknown errors become 500 INTERNAL without leaking the message.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	message := err.Error()
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
		code = "UNAUTHORIZED"
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
		code = "FORBIDDEN"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, domain.ErrTaskActiveExists):
		status = http.StatusConflict
		code = "TASK_ACTIVE_EXISTS"
	case errors.Is(err, domain.ErrTaskNotCancellable):
		status = http.StatusConflict
		code = "TASK_NOT_CANCELLABLE"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		code = "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
		code = "RATE_LIMITED"
	case errors.Is(err, domain.ErrAuthenticationFailed):
		status = http.StatusBadGateway
		code = "PLATFORM_AUTH_FAILED"
	case errors.Is(err, domain.ErrPlatformUnavailable):
		status = http.StatusBadGateway
		code = "PLATFORM_UNAVAILABLE"
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		status = http.StatusServiceUnavailable
		code = "UPSTREAM_RATE_LIMIT"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		status = http.StatusServiceUnavailable
		code = "UPSTREAM_TIMEOUT"
	case errors.Is(err, domain.ErrMissingPlatformContext):
		status = http.StatusBadRequest
		code = "PLATFORM_CONTEXT_REQUIRED"
	default:
		message = "internal error"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message, Details: details}})
}
