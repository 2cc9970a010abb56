package rest

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mirrorfin/copy-executor/internal/store"
)

const apiUserKey = "apiUser"

// RateLimit describes the coarse global per-IP limit applied ahead of all
// handlers.
type RateLimit struct {
	Window      time.Duration
	MaxRequests int
}

// RateLimiter enforces a per-client-IP request budget. Each IP gets its own
// token bucket refilling at MaxRequests per Window.
func RateLimiter(cfg RateLimit) gin.HandlerFunc {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 60
	}

	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	perSecond := rate.Limit(float64(cfg.MaxRequests) / cfg.Window.Seconds())

	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[ip]
		if !ok {
			l = rate.NewLimiter(perSecond, cfg.MaxRequests)
			limiters[ip] = l
		}
		return l
	}

	return func(c *gin.Context) {
		limiter := limiterFor(c.ClientIP())
		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))

		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			retryAfter := int(math.Ceil(delay.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"error":      "Too many requests. Please slow down.",
				"retryAfter": retryAfter,
			})
			return
		}
		c.Next()
	}
}

// SecurityHeaders sets the defensive response headers on every response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Next()
	}
}

// APIKeyAuth resolves the X-API-Key header to an identity before any handler
// logic runs. Missing or unknown keys fail the request.
func APIKeyAuth(keys store.APIKeyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Missing API key. Include X-API-Key header.",
			})
			return
		}

		identity, err := keys.Get(c.Request.Context(), apiKey)
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid API key.",
			})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "Failed to verify API key",
			})
			return
		}

		c.Set(apiUserKey, *identity)
		c.Next()
	}
}

// RequireAdmin gates an endpoint on the admin permission. Must run after
// APIKeyAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := currentUser(c)
		if !ok || !identity.Admin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "Admin permission required",
			})
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) (store.APIKeyIdentity, bool) {
	v, ok := c.Get(apiUserKey)
	if !ok {
		return store.APIKeyIdentity{}, false
	}
	identity, ok := v.(store.APIKeyIdentity)
	return identity, ok
}
