package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/anthropics/kiro-gateway/internal/claude"
	"github.com/anthropics/kiro-gateway/internal/store"
)

// keyContextKey is where the authenticated key row is stashed.
const keyContextKey = "apiKey"

// extractKey pulls the presented key from the request. The x-api-key
// header wins over an Authorization bearer token.
func extractKey(c *gin.Context) string {
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

// adminKeyRow is the attribution row for requests made with the admin key.
func adminKeyRow() *store.APIKey {
	return &store.APIKey{ID: store.AdminKeyID, Name: "admin", Enabled: true}
}

// authMiddleware authenticates caller-surface requests against the admin
// key and the stored key table.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := extractKey(c)
		if presented == "" {
			abortWithError(c, claude.NewAuthenticationError("missing API key"))
			return
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.adminKey)) == 1 {
			c.Set(keyContextKey, adminKeyRow())
			c.Next()
			return
		}

		key, err := s.db.VerifyKey(presented)
		if err != nil {
			s.logger.Error("api key lookup failed", "error", err)
			abortWithError(c, claude.NewAPIError("internal error"))
			return
		}
		if key == nil {
			abortWithError(c, claude.NewAuthenticationError("invalid API key"))
			return
		}

		c.Set(keyContextKey, key)
		c.Next()
	}
}

// authedKey returns the key row set by authMiddleware.
func authedKey(c *gin.Context) *store.APIKey {
	v, ok := c.Get(keyContextKey)
	if !ok {
		return nil
	}
	key, _ := v.(*store.APIKey)
	return key
}

// adminAuthMiddleware guards the admin surface with the configured key.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := extractKey(c)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.adminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "invalid admin key",
			})
			return
		}
		c.Next()
	}
}

// keyLimiters holds one token bucket per rate-limited key.
type keyLimiters struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

func newKeyLimiters() *keyLimiters {
	return &keyLimiters{limiters: make(map[int64]*rate.Limiter)}
}

// get returns the limiter for a key, creating it on first sight. The
// per-minute budget becomes a per-second refill with a full-minute burst.
func (kl *keyLimiters) get(keyID, perMinute int64) *rate.Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	if lim, ok := kl.limiters[keyID]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), int(perMinute))
	kl.limiters[keyID] = lim
	return lim
}

// rateLimitMiddleware enforces each key's per-minute budget. Keys with no
// budget are unlimited.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := authedKey(c)
		if key == nil || key.RateLimit == nil || *key.RateLimit <= 0 {
			c.Next()
			return
		}

		if !s.limiters.get(key.ID, *key.RateLimit).Allow() {
			abortWithError(c, claude.NewRateLimitError("rate limit exceeded"))
			return
		}
		c.Next()
	}
}

// corsMiddleware answers preflight and tags responses for browser callers.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key, anthropic-version")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger logs one line per request.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// abortWithError writes a Claude error envelope and stops the chain.
func abortWithError(c *gin.Context, apiErr *claude.APIError) {
	c.AbortWithStatusJSON(apiErr.StatusCode, apiErr.Response())
}
