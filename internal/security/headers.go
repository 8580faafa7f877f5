// Package security provides response hardening and CORS middleware.
package security

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// hardening is applied to every response. The API serves JSON and a
// WebSocket stream only, so nothing may be framed, sniffed or cached.
var hardening = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
}

// HeadersMiddleware sets the hardening headers.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, h := range hardening {
			c.Header(h[0], h[1])
		}
		c.Next()
	}
}

var baseAllowHeaders = []string{"Authorization", "Content-Type", "X-Request-ID"}

// CORSMiddleware answers cross-origin requests from allowedOrigins ("*"
// admits any origin). extraHeaders widen the allowed request headers.
// Preflight requests stop here with 204.
func CORSMiddleware(allowedOrigins []string, extraHeaders ...string) gin.HandlerFunc {
	wildcard := slices.Contains(allowedOrigins, "*")
	allowHeaders := strings.Join(append(slices.Clone(baseAllowHeaders), extraHeaders...), ", ")

	allowed := func(origin string) bool {
		return wildcard || (origin != "" && slices.Contains(allowedOrigins, origin))
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowed(origin) {
			h := c.Writer.Header()
			if origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Expose-Headers", "X-Request-ID")
			h.Set("Access-Control-Max-Age", "86400")
			if !wildcard {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
