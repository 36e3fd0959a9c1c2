package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/ragkb-go/internal/logging"
)

const (
	// defaultRateLimit is the sustained per-IP request rate (req/s) on
	// rate-limited endpoints when the config leaves it zero.
	defaultRateLimit = 10
	// defaultRateBurst is the per-IP burst capacity when the config leaves
	// it zero. Short spikes pass; sustained floods do not.
	defaultRateBurst = 20

	// evictInterval is how often stale per-IP buckets are swept.
	evictInterval = time.Minute
	// evictAfter is how long an IP may stay idle before its bucket is dropped.
	evictAfter = 5 * time.Minute
)

// ipLimiter pairs one IP's token bucket with its last activity time so the
// sweep can drop idle entries.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter applies a token-bucket limit per remote IP. The bucket map
// grows with distinct clients and is bounded by the background sweep.
type rateLimiter struct {
	// mu protects limiters.
	mu       sync.Mutex
	limiters map[string]*ipLimiter

	rps   rate.Limit
	burst int
	log   *slog.Logger
}

// newRateLimiter builds a rateLimiter and starts its sweep goroutine. The
// returned stop function terminates the goroutine.
func newRateLimiter(rps float64, burst int, log *slog.Logger) (*rateLimiter, func()) {
	rl := &rateLimiter{
		limiters: make(map[string]*ipLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		log:      log,
	}

	stopCh := make(chan struct{})
	go rl.evictLoop(stopCh)

	return rl, func() { close(stopCh) }
}

// getLimiter returns ip's bucket, creating it on first sight, and refreshes
// its activity timestamp.
func (rl *rateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// evictLoop sweeps idle buckets until stopCh closes.
func (rl *rateLimiter) evictLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			rl.evict()
		}
	}
}

// evict drops buckets idle longer than evictAfter.
func (rl *rateLimiter) evict() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-evictAfter)
	for ip, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
		}
	}
}

// middleware rejects over-limit requests with 429 and a Retry-After header
// before they reach next.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		if !rl.getLimiter(ip).Allow() {
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from RemoteAddr. X-Forwarded-For is deliberately
// not consulted: the server binds to localhost and a spoofable header must
// not select the bucket.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
