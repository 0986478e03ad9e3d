package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jimmypocock/reporeconnoiter.com/internal/identity"
)

// idleLimiterTTL is how long an unused client limiter is kept.
const idleLimiterTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// throttle applies a token bucket per client. Authenticated clients are
// keyed by user, anonymous ones by remote address.
type throttle struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientLimiter
	swept   time.Time
}

func newThrottle(rps float64, burst int) *throttle {
	if burst <= 0 {
		burst = 1
	}
	return &throttle{rps: rate.Limit(rps), burst: burst, clients: make(map[string]*clientLimiter)}
}

func (t *throttle) allow(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.swept) > idleLimiterTTL {
		for k, c := range t.clients {
			if now.Sub(c.lastSeen) > idleLimiterTTL {
				delete(t.clients, k)
			}
		}
		t.swept = now
	}

	c, ok := t.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(t.rps, t.burst)}
		t.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (t *throttle) middleware(next http.Handler) http.Handler {
	if t == nil || t.rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.allow(clientKey(r), time.Now()) {
			w.Header().Set("Retry-After", "1")
			httpError(w, http.StatusTooManyRequests, errThrottled, "too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if c := identity.FromContext(r.Context()); c.Authenticated() {
		return "user:" + c.UserID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}
