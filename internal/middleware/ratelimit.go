package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// TokenBucket refills continuously at rate tokens per second up to burst.
type TokenBucket struct {
	mu       sync.Mutex
	burst    float64
	rate     float64
	tokens   float64
	last     time.Time
	lastSeen time.Time
}

func NewTokenBucket(burst int, rate float64) *TokenBucket {
	now := time.Now()
	return &TokenBucket{burst: float64(burst), rate: rate, tokens: float64(burst), last: now, lastSeen: now}
}

// Allow takes a token if one is available. The second result is how long
// until the next token when it is not.
func (tb *TokenBucket) Allow() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}
	tb.last = now
	tb.lastSeen = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	if tb.rate <= 0 {
		return false, time.Minute
	}
	return false, time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastSeen
}

// RateLimiter keeps one bucket per project and client host.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	burst   int
	rate    float64
}

func NewRateLimiter(burst int, rate float64) *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*TokenBucket), burst: burst, rate: rate}
}

func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = NewTokenBucket(rl.burst, rl.rate)
		rl.buckets[key] = b
	}
	rl.mu.Unlock()
	return b.Allow()
}

// Sweep drops buckets nobody used for idle.
func (rl *RateLimiter) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for key, b := range rl.buckets {
		if b.idleSince().Before(cutoff) {
			delete(rl.buckets, key)
			n++
		}
	}
	return n
}

// RunSweeper sweeps every five minutes until stop is closed.
func (rl *RateLimiter) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.Sweep(10 * time.Minute)
		}
	}
}

// RateLimit limits scan submissions per project + client host. Mount it
// on the routes that create work.
func RateLimit(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := r.RemoteAddr
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}
			ok, wait := limiter.Allow(chi.URLParam(r, "project") + "|" + host)
			if !ok {
				secs := int(wait.Seconds() + 0.999)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				http.Error(w, "too many scan submissions", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
