package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientLimits holds one token bucket per client address. Segment uploads
// and artifact verification are the expensive routes it shields: one hashes
// and persists a chunk, the other recomputes a whole chain.
type clientLimits struct {
	rps   rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	clients map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimits(rps, burst int, idle time.Duration) *clientLimits {
	return &clientLimits{
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    idle,
		clients: make(map[string]*clientBucket),
	}
}

// allow takes a token for ip. When none is left it returns the whole seconds
// until the next one.
func (l *clientLimits) allow(ip string, now time.Time) (bool, int) {
	l.mu.Lock()
	b, ok := l.clients[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[ip] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	return false, int(math.Ceil(1 / float64(l.rps)))
}

// sweep drops buckets unused for longer than the idle window.
func (l *clientLimits) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.clients {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.clients, ip)
		}
	}
}

func (l *clientLimits) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// RateLimiter returns a Gin middleware limiting each client IP to rps
// requests per second with the given burst. Idle clients are swept every five
// minutes until ctx ends.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	limits := newClientLimits(rps, burst, 10*time.Minute)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				limits.sweep(now)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(c *gin.Context) {
		ok, retryAfter := limits.allow(c.ClientIP(), time.Now())
		if !ok {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
