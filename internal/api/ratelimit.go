package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lightbase/lpc-backend/internal/apperr"
)

// Rate-limit tuning for the password route family: a bucket of 11 tokens
// refilling over 60 seconds, a login costing two, and a 10-minute block
// once the bucket runs dry.
const (
	rateBucketSize    = 11
	rateWindow        = 60 * time.Second
	rateLoginCost     = 2
	rateBlockDuration = 10 * time.Minute

	// Entries idle this long are swept lazily.
	rateEntryLifetime = 20 * time.Minute
)

type rateEntry struct {
	limiter      *rate.Limiter
	blockedUntil time.Time
	lastSeen     time.Time
}

// rateLimiter is the per-process token bucket keyed by client IP. Running
// multiple instances weakens the guarantee proportionally, which is an
// accepted property of this design.
type rateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateEntry
	now     func() time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		entries: make(map[string]*rateEntry),
		now:     time.Now,
	}
}

// allow consumes cost tokens for the key, returning false when the caller
// is blocked or just exhausted the bucket.
func (l *rateLimiter) allow(key string, cost int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	entry, ok := l.entries[key]
	if !ok {
		entry = &rateEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(rateBucketSize)/rateWindow.Seconds()), rateBucketSize),
		}
		l.entries[key] = entry
	}
	entry.lastSeen = now

	if now.Before(entry.blockedUntil) {
		return false
	}

	if !entry.limiter.AllowN(now, cost) {
		entry.blockedUntil = now.Add(rateBlockDuration)
		return false
	}
	return true
}

// sweep drops idle entries; runs under the lock and is cheap because the
// map only holds recently active clients.
func (l *rateLimiter) sweep(now time.Time) {
	if len(l.entries) < 1024 {
		return
	}
	for key, entry := range l.entries {
		if now.Sub(entry.lastSeen) > rateEntryLifetime && now.After(entry.blockedUntil) {
			delete(l.entries, key)
		}
	}
}

// limitPasswordRoutes applies the limiter to mutating requests under the
// password route family.
func (s *Server) limitPasswordRoutes(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			next.ServeHTTP(w, r)
			return
		}

		cost := 1
		if strings.HasSuffix(r.URL.Path, "/login") {
			cost = rateLoginCost
		}

		if !s.limiter.allow(clientIPFromContext(r.Context()), cost) {
			s.respondError(w, r, apperr.RateLimited("server.internal.rateLimit"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
