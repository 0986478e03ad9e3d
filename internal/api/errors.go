package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/jimmypocock/reporeconnoiter.com/internal/identity"
	"github.com/jimmypocock/reporeconnoiter.com/internal/ledger"
	"github.com/jimmypocock/reporeconnoiter.com/internal/progress"
	"github.com/jimmypocock/reporeconnoiter.com/internal/quota"
	"github.com/jimmypocock/reporeconnoiter.com/internal/service"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

// Error types of the JSON error envelope.
const (
	errInvalidRequest = "invalid_request_error"
	errAuthentication = "authentication_error"
	errPermission     = "permission_error"
	errRateLimit      = "rate_limit_error"
	errThrottled      = "throttled"
	errBudgetExceeded = "budget_exceeded"
	errNotFound       = "not_found"
	errAPI            = "api_error"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// retryAfterSeconds rounds d up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(max(int(math.Ceil(d.Seconds())), 1))
}

// writeDomainError maps a domain error to its HTTP status. Unknown errors
// are logged and reported as a generic 500.
func (h *handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrUnauthenticated):
		httpError(w, http.StatusUnauthorized, errAuthentication, "invalid or missing api key")
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, progress.ErrInvalidInput), errors.Is(err, ledger.ErrUnknownKind):
		httpError(w, http.StatusBadRequest, errInvalidRequest, "%s", err.Error())
	case errors.Is(err, quota.ErrRateLimitExceeded):
		httpError(w, http.StatusTooManyRequests, errRateLimit, "daily limit reached, try again tomorrow")
	case errors.Is(err, ledger.ErrBudgetExceeded):
		w.Header().Set("Retry-After", retryAfterSeconds(h.deps.Ledger.RetryAfter()))
		httpError(w, http.StatusServiceUnavailable, errBudgetExceeded, "daily budget exhausted, try again after the reset")
	case errors.Is(err, progress.ErrAuthorizationDenied):
		httpError(w, http.StatusForbidden, errPermission, "subscription rejected")
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, errNotFound, "not found")
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpError(w, http.StatusInternalServerError, errAPI, "internal error")
	}
}
