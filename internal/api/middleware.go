package api

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fabian4/servicegate/internal/handler"
	"github.com/fabian4/servicegate/internal/ratelimit"
)

// Recovery turns a panic into a 500 envelope and logs the stack.
func Recovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic", "method", c.Request.Method, "path", c.Request.URL.Path, "panic", r, "stack", string(debug.Stack()))
				c.AbortWithStatusJSON(http.StatusInternalServerError, handler.Envelope{
					Status:  "error",
					Message: "An unexpected error occurred.",
				})
			}
		}()
		c.Next()
	}
}

// RequestID keeps an incoming X-Request-ID or assigns a new one, on the request (so the
// dispatcher logs and forwards it) and on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(handler.HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Request.Header.Set(handler.HeaderRequestID, id)
		c.Header(handler.HeaderRequestID, id)
		c.Next()
	}
}

// CORS allows the listed origins; "*" allows any origin. Preflight requests are
// answered here and never reach a backend.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	anyOrigin := false
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			anyOrigin = true
		}
		originsSet[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if _, ok := originsSet[origin]; ok || anyOrigin {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				c.Header("Access-Control-Max-Age", "86400")
				c.Header("Vary", "Origin")
			}
		}

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// SecurityHeaders sets the usual hardening headers unless a backend already chose them.
func SecurityHeaders() gin.HandlerFunc {
	defaults := [][2]string{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "no-referrer"},
		{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range defaults {
			h.Set(kv[0], kv[1])
		}
		c.Next()
	}
}

// Throttle limits a route per client IP with token buckets.
func Throttle(b *ratelimit.Buckets, name string, cfg ratelimit.BucketConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.RequestsPerSecond <= 0 {
			c.Next()
			return
		}
		if !b.Allow(name+"|"+c.ClientIP(), cfg) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, handler.Envelope{
				Status:  "error",
				Message: "Too Many Requests",
			})
			return
		}
		c.Next()
	}
}
