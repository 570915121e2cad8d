package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// visitor tracks the token bucket for one client IP.
type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter returns a gin middleware enforcing a per-IP token bucket. rps
// is the steady-state allowance and burst the short-term ceiling. Idle
// entries are swept inline whenever the table grows past sweepThreshold, so
// the middleware needs no background goroutine.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	const (
		idleEviction   = 10 * time.Minute
		sweepThreshold = 1024
	)

	var mu sync.Mutex
	visitors := make(map[string]*visitor)

	sweep := func(now time.Time) {
		for ip, v := range visitors {
			if now.Sub(v.lastSeen) > idleEviction {
				delete(visitors, ip)
			}
		}
	}

	return func(c *gin.Context) {
		now := time.Now()
		ip := c.ClientIP()

		mu.Lock()
		v, ok := visitors[ip]
		if !ok {
			if len(visitors) >= sweepThreshold {
				sweep(now)
			}
			v = &visitor{bucket: rate.NewLimiter(rate.Limit(rps), burst)}
			visitors[ip] = v
		}
		v.lastSeen = now
		mu.Unlock()

		if !v.bucket.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
