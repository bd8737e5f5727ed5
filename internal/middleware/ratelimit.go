package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Throttles admin endpoints per client IP. Ingestion traffic is governed by the quota gate instead.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewThrottle(perSecond float64, burst int) *Throttle {
	return &Throttle{
		limiters: make(map[string]*clientLimiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (t *Throttle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := t.get(c.ClientIP())

		r := limiter.ReserveN(t.now(), 1)
		if delay := r.DelayFrom(t.now()); delay > 0 {
			r.CancelAt(t.now())

			c.Header("Retry-After", strconv.Itoa(int((delay+time.Second-1)/time.Second)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

func (t *Throttle) get(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	cl, ok := t.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.limiters[key] = cl
	}
	cl.lastSeen = t.now()

	return cl.limiter
}

// Sweep forgets clients that have gone quiet and returns how many were removed.
func (t *Throttle) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for k, cl := range t.limiters {
		if now.Sub(cl.lastSeen) > t.idle {
			delete(t.limiters, k)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (t *Throttle) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Len returns the number of tracked clients.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}
