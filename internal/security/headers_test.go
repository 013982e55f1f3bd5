package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/protected/premium-data", func(c *gin.Context) {
		c.Status(http.StatusPaymentRequired)
	})

	req := httptest.NewRequest(method, "/protected/premium-data", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "")

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORSMiddleware_Origins(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		reflect bool
	}{
		{"listed origin", []string{"https://dash.agenthub.example"}, "https://dash.agenthub.example", true},
		{"listed with trailing slash", []string{"https://dash.agenthub.example/"}, "https://dash.agenthub.example", true},
		{"unlisted origin", []string{"https://dash.agenthub.example"}, "https://evil.example", false},
		{"wildcard", []string{"*"}, "https://anything.example", true},
		{"empty list is open", nil, "https://anything.example", true},
		{"no origin header", []string{"*"}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tc.allowed), http.MethodGet, tc.origin)
			got := w.Header().Get("Access-Control-Allow-Origin")
			if tc.reflect {
				assert.Equal(t, tc.origin, got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://app.example")

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))
}

func TestCORSMiddleware_PaymentHeaders(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodGet, "https://app.example")
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	exposed := w.Header().Get("Access-Control-Expose-Headers")
	for _, h := range []string{"X-Accept-Payment", "X-Payment-Amount", "X-Payment-Chain", "X-Payment-Tier"} {
		assert.Contains(t, exposed, h)
	}
	allowed := w.Header().Get("Access-Control-Allow-Headers")
	assert.Contains(t, allowed, "X-Agent-ID")
	assert.Contains(t, allowed, "X-Caller-Address")
	assert.Contains(t, allowed, "X-Payment-Tx")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"), "wildcard never allows credentials")
}

func TestCORSMiddleware_CredentialsForListedOrigins(t *testing.T) {
	w := serve(CORSMiddleware([]string{"https://dash.agenthub.example"}), http.MethodGet, "https://dash.agenthub.example")
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
}
