package auth

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"visitor-access/internal/observability"
)

// LoginRateLimiter throttles login requests per client IP with a token
// bucket refilling maxHits tokens per window. It complements, and does not
// replace, per-account lockout. X-Forwarded-For is only consulted when
// trustForwarded is set.
type LoginRateLimiter struct {
	mu             sync.Mutex
	maxHits        int
	window         time.Duration
	trustForwarded bool
	limiters       map[string]*ipLimiter
	maxMemory      int
	clock          clockwork.Clock
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLoginRateLimiter(maxHits int, window time.Duration, trustForwarded bool, clock clockwork.Clock) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &LoginRateLimiter{
		maxHits:        maxHits,
		window:         window,
		trustForwarded: trustForwarded,
		limiters:       make(map[string]*ipLimiter),
		maxMemory:      5000,
		clock:          clock,
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(observability.ClientIP(r, l.trustForwarded), l.clock.Now())
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *LoginRateLimiter) allow(ip string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[ip]
	if !ok {
		every := rate.Every(l.window / time.Duration(l.maxHits))
		entry = &ipLimiter{limiter: rate.NewLimiter(every, l.maxHits)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		if delay < time.Second {
			delay = time.Second
		}
		return false, delay
	}

	if len(l.limiters) > l.maxMemory {
		l.evictIdle(now)
	}

	return true, 0
}

// evictIdle drops limiters that have been idle long enough to be full again.
func (l *LoginRateLimiter) evictIdle(now time.Time) {
	threshold := now.Add(-l.window)
	for key, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}
