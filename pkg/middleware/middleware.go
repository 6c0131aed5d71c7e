package middleware

import (
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/semicrypto-api/internal/auth"
	"github.com/ksred/semicrypto-api/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// InternalKeyHeader carries the shared key for /internal routes
const InternalKeyHeader = "X-Internal-Key"

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits configures requests per minute for each route group
type Limits struct {
	Auth    float64
	Trading float64
	Default float64
}

// DefaultLimits are the production per-client limits
var DefaultLimits = Limits{
	Auth:    10,  // 10 requests per minute
	Trading: 100, // 100 requests per minute
	Default: 1000,
}

// RateLimiter tracks one token bucket per client and route
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   Limits
}

func NewRateLimiter(limits Limits) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limits:   limits,
	}
}

func perMinute(n float64) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(n / 60.0)
}

func (rl *RateLimiter) getLimiter(path, clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientID + ":" + path
	v, exists := rl.visitors[key]

	if !exists {
		var limit float64
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = rl.limits.Auth
		case strings.HasPrefix(path, "/api/v1/orders"):
			limit = rl.limits.Trading
		case strings.HasPrefix(path, "/api/v1/internal"), path == "/health":
			limit = 0 // No limit
		default:
			limit = rl.limits.Default
		}

		burst := int(limit / 10)
		if burst < 1 {
			burst = 1
		}
		v = &visitor{
			limiter:  rate.NewLimiter(perMinute(limit), burst),
			lastSeen: time.Now(),
		}
		rl.visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup forgets clients idle for longer than maxIdle
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > maxIdle {
			delete(rl.visitors, key)
			removed++
		}
	}
	return removed
}

// RunCleanup periodically forgets idle clients until stop is closed
func (rl *RateLimiter) RunCleanup(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.Cleanup(3 * time.Minute)
		}
	}
}

// Middleware limits each authenticated user, or client IP, per route
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("userID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := rl.getLimiter(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenValidator checks bearer access tokens
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// JWTAuth resolves the caller from a bearer access token and stores the
// user id under "userID"
func JWTAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("userID", claims.UserID)
		c.Set("email", claims.Email)
		c.Next()
	}
}

// InternalAuth guards internal routes with a shared key
func InternalAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(InternalKeyHeader)
		if provided == "" {
			if bearer := strings.Split(c.GetHeader("Authorization"), " "); len(bearer) == 2 && strings.EqualFold(bearer[0], "bearer") {
				provided = bearer[1]
			}
		}

		if key == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			response.Forbidden(c, "Internal access required")
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequestLogger logs one line per request
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("user_id", c.GetString("userID")).
			Msg("request handled")
	}
}
