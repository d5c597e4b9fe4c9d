package api

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"devsuite/internal/auth"
	"devsuite/internal/logging"
)

const requestIDHeader = "X-Request-Id"

// requestLogger tags every request with a request id, installs a request
// logger in the context and writes one access log line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set("request_id", rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		l := logging.Base().With().Str("request_id", rid).Logger()
		c.Request = c.Request.WithContext(logging.WithContext(c.Request.Context(), l))

		start := time.Now()
		c.Next()

		// auth may have replaced the logger with one carrying user_id
		log := logging.FromContext(c.Request.Context())
		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= http.StatusInternalServerError:
			ev = log.Error()
		case status >= http.StatusBadRequest:
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-CSRF-Token", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			// browsers refuse credentials with a wildcard origin
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
			return cors.New(cfg)
		}
	}
	cfg.AllowOrigins = origins
	return cors.New(cfg)
}

// RateLimit configures a per-user token bucket. A zero PerMinute disables
// limiting.
type RateLimit struct {
	PerMinute float64
	Burst     int
}

const (
	limiterSweepSize = 1024
	limiterIdle      = 10 * time.Minute
)

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

type userLimiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	users map[int64]*limiterEntry
}

func newUserLimiter(cfg RateLimit) *userLimiter {
	if cfg.PerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &userLimiter{
		limit: rate.Limit(cfg.PerMinute / 60),
		burst: burst,
		users: make(map[int64]*limiterEntry),
	}
}

// allow takes a token for userID, or reports how long until one is free.
func (l *userLimiter) allow(userID int64) (time.Duration, bool) {
	if l == nil {
		return 0, true
	}
	now := time.Now()
	l.mu.Lock()
	e, ok := l.users[userID]
	if !ok {
		if len(l.users) >= limiterSweepSize {
			for id, old := range l.users {
				if now.Sub(old.seen) > limiterIdle {
					delete(l.users, id)
				}
			}
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = e
	}
	e.seen = now
	l.mu.Unlock()

	r := e.lim.ReserveN(now, 1)
	if !r.OK() {
		return time.Minute, false
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d, false
	}
	return 0, true
}

// middleware must run after auth so the user id is known.
func (l *userLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := auth.UserIDFromContext(c)
		if wait, ok := l.allow(userID); !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"message": "too many requests, please retry later",
				"error":   "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
