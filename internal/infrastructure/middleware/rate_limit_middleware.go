package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"pairline/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ipLimiterStore keeps one token bucket per client IP. Buckets that have
// been idle for longer than idleTTL are dropped on the next sweep so the
// map does not grow without bound.
type ipLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	swept   time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiterStore(limit rate.Limit, burst int) *ipLimiterStore {
	return &ipLimiterStore{
		buckets: make(map[string]*ipBucket),
		limit:   limit,
		burst:   burst,
		idleTTL: 10 * time.Minute,
		swept:   time.Now(),
	}
}

func (s *ipLimiterStore) allow(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.swept) > s.idleTTL {
		for key, b := range s.buckets {
			if now.Sub(b.lastSeen) > s.idleTTL {
				delete(s.buckets, key)
			}
		}
		s.swept = now
	}

	b, ok := s.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

// clientIP extracts the client address, preferring X-Forwarded-For when
// the service sits behind a proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := net.ParseIP(xff); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies IP-based
// rate limiting to the query API.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newIPLimiterStore(
		rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond),
		cfg.RateLimiting.HTTP.Burst,
	)

	return func(c *gin.Context) {
		if !store.allow(clientIP(c.Request)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
