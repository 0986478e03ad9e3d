package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jimmypocock/reporeconnoiter.com/internal/identity"
)

// Authenticator resolves a raw API key to a caller.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*identity.Caller, error)
}

// RequireCaller authenticates the bearer token, or the token query parameter
// for websocket upgrades that cannot set headers, and stores the caller in
// the request context.
func RequireCaller(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				httpError(w, http.StatusUnauthorized, errAuthentication, "invalid or missing api key")
				return
			}
			caller, err := auth.Authenticate(r.Context(), raw)
			if err != nil {
				if !errors.Is(err, identity.ErrUnauthenticated) {
					httpError(w, http.StatusInternalServerError, errAPI, "authentication unavailable")
					return
				}
				httpError(w, http.StatusUnauthorized, errAuthentication, "invalid or missing api key")
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithCaller(r.Context(), caller)))
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return r.URL.Query().Get("token")
}
