package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/ragent/internal/logging"
)

// Per-client limits for POST /api/chat. A single chat turn can run up to
// MaxRounds model calls plus retrieval, so the budget is deliberately small.
const (
	defaultRateLimit = 10
	defaultRateBurst = 20
)

// Idle clients are forgotten after bucketIdleTTL; the sweep runs every
// sweepInterval.
const (
	bucketIdleTTL = 5 * time.Minute
	sweepInterval = time.Minute
)

// bucket is one client's token bucket.
type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// rateLimiter throttles chat requests per client address.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
	log     *slog.Logger
}

// newRateLimiter returns a limiter and a stop function for its sweeper.
func newRateLimiter(rps float64, burst int, log *slog.Logger) (*rateLimiter, func()) {
	rl := &rateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		log:     log,
	}

	done := make(chan struct{})
	go func() {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				rl.sweep()
			}
		}
	}()

	var once sync.Once
	return rl, func() { once.Do(func() { close(done) }) }
}

func (rl *rateLimiter) bucketFor(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.buckets[client]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[client] = b
	}
	b.seen = rl.now()
	return b.lim
}

// sweep drops buckets idle for longer than bucketIdleTTL and returns how many
// remain.
func (rl *rateLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-bucketIdleTTL)
	for client, b := range rl.buckets {
		if b.seen.Before(cutoff) {
			delete(rl.buckets, client)
		}
	}
	return len(rl.buckets)
}

// middleware rejects over-limit requests with 429, a Retry-After header and
// the same JSON error body the chat handler uses.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)
		now := rl.now()
		res := rl.bucketFor(client).ReserveN(now, 1)
		delay := res.DelayFrom(now)
		if !res.OK() || delay > 0 {
			res.CancelAt(now)
			logging.FromContext(r.Context()).Warn("server: chat rate limited",
				slog.String("client", client),
				slog.Duration("retry_after", delay),
			)
			w.Header().Set("Retry-After", retryAfter(delay, res.OK()))
			writeError(r.Context(), w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfter renders a reservation delay as whole seconds, never below one.
// A reservation that can never be satisfied gets a flat minute.
func retryAfter(delay time.Duration, ok bool) string {
	if !ok || delay == rate.InfDuration {
		return "60"
	}
	return strconv.Itoa(max(1, int(math.Ceil(delay.Seconds()))))
}

// clientIP is the request's remote host. X-Forwarded-For is ignored; put a
// proxy in front only if it rewrites RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	if i := strings.LastIndexByte(r.RemoteAddr, ':'); i >= 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}
