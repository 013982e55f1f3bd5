// Package security hardens HTTP responses and screens service endpoints
// before they are published to the marketplace.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/payment"
	"github.com/agenthub/agenthub/internal/sensors"
	"github.com/agenthub/agenthub/internal/validation"
)

// Headers agents send: identity plus the proof of an x402 payment.
var requestHeaders = strings.Join([]string{
	"Authorization",
	"Content-Type",
	"X-Request-ID",
	sensors.AgentHeader,
	validation.CallerHeader,
	payment.HeaderVerified,
	payment.HeaderTx,
	payment.HeaderAmount,
	payment.HeaderToken,
}, ", ")

// Headers a browser client must read to answer a 402.
var responseHeaders = strings.Join([]string{
	"X-Request-ID",
	payment.HeaderAcceptPayment,
	payment.HeaderAmount,
	payment.HeaderChain,
	payment.HeaderTier,
}, ", ")

// HeadersMiddleware sets the hardening headers of a JSON-only API.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cross-Origin-Resource-Policy", "same-site")
		c.Next()
	}
}

// CORSMiddleware answers cross-origin requests from allowedOrigins. An empty
// list reflects any origin; "*" does too but never with credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	_, wildcard := allowed["*"]
	open := len(allowed) == 0 || wildcard

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		_, listed := allowed[origin]

		if origin != "" && (open || listed) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", requestHeaders)
			h.Set("Access-Control-Expose-Headers", responseHeaders)
			h.Set("Access-Control-Max-Age", "600")
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
