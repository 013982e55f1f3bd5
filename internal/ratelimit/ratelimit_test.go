package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *clock) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newLimiter(cfg, clk.now), clk
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clk := newTestLimiter(Config{Rate: 2, Burst: 3})

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("k")
		require.True(t, ok, "request %d is within burst", i)
	}
	ok, wait := l.Allow("k")
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	clk.advance(500 * time.Millisecond)
	ok, _ = l.Allow("k")
	assert.True(t, ok, "one token after half a second at 2/s")
	ok, _ = l.Allow("k")
	assert.False(t, ok)
}

func TestAllow_RefillCapsAtBurst(t *testing.T) {
	l, clk := newTestLimiter(Config{Rate: 10, Burst: 2})
	l.Allow("k")
	clk.advance(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("k"); ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{Rate: 1, Burst: 1})

	ok, _ := l.Allow("caller:0xaa")
	require.True(t, ok)
	ok, _ = l.Allow("caller:0xaa")
	assert.False(t, ok)

	ok, _ = l.Allow("caller:0xbb")
	assert.True(t, ok)
}

func TestSweep_DropsIdleBuckets(t *testing.T) {
	l, clk := newTestLimiter(Config{Rate: 1, Burst: 1, Idle: time.Minute})
	l.Allow("old")
	clk.advance(2 * time.Minute)
	l.Allow("fresh")

	l.sweep()
	assert.Equal(t, 1, l.Len())
}

func TestStop_Idempotent(t *testing.T) {
	l := New(FromRPS(5))
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestFromRPS(t *testing.T) {
	cfg := FromRPS(25)
	assert.Equal(t, 25.0, cfg.Rate)
	assert.Equal(t, 50, cfg.Burst)

	assert.Equal(t, FromRPS(10), FromRPS(0))
	assert.Equal(t, FromRPS(10), FromRPS(-3))
}

func setupRouter(l *Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(l.Middleware("/health"))
	ok := func(c *gin.Context) { c.String(http.StatusOK, "ok") }
	r.GET("/services", ok)
	r.GET("/health", ok)
	return r
}

func get(r http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_RejectsWith429(t *testing.T) {
	l, _ := newTestLimiter(Config{Rate: 0.5, Burst: 1})
	r := setupRouter(l)
	caller := map[string]string{"X-Caller-Address": "0xAbC0000000000000000000000000000000000001"}

	assert.Equal(t, http.StatusOK, get(r, "/services", caller).Code)

	w := get(r, "/services", caller)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit_exceeded", body["error"])
	assert.EqualValues(t, 2, body["retry_after"])
}

func TestMiddleware_CallerAddressIsCaseInsensitive(t *testing.T) {
	l, _ := newTestLimiter(Config{Rate: 1, Burst: 1})
	r := setupRouter(l)

	get(r, "/services", map[string]string{"X-Caller-Address": "0xABCD"})
	w := get(r, "/services", map[string]string{"X-Caller-Address": "0xabcd"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestMiddleware_AgentsBehindOneIP(t *testing.T) {
	l, _ := newTestLimiter(Config{Rate: 1, Burst: 1})
	r := setupRouter(l)

	assert.Equal(t, http.StatusOK, get(r, "/services", map[string]string{"X-Agent-ID": "0x01"}).Code)
	assert.Equal(t, http.StatusOK, get(r, "/services", map[string]string{"X-Agent-ID": "0x02"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, "/services", map[string]string{"X-Agent-ID": "0x01"}).Code)
}

func TestMiddleware_FallsBackToIP(t *testing.T) {
	l, _ := newTestLimiter(Config{Rate: 1, Burst: 1})
	r := setupRouter(l)

	assert.Equal(t, http.StatusOK, get(r, "/services", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, "/services", nil).Code)
}

func TestMiddleware_SkipPrefixes(t *testing.T) {
	l, _ := newTestLimiter(Config{Rate: 1, Burst: 1})
	r := setupRouter(l)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(r, "/health", nil).Code)
	}
	assert.Equal(t, 0, l.Len())
}

func TestKeyFor_Precedence(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header.Set("X-Agent-ID", "0x01")
	c.Request.Header.Set("X-Caller-Address", " 0xAA ")

	kind, key := KeyFor(c)
	assert.Equal(t, KindCaller, kind)
	assert.Equal(t, "0xaa", key)

	c.Request.Header.Del("X-Caller-Address")
	kind, key = KeyFor(c)
	assert.Equal(t, KindAgent, kind)
	assert.Equal(t, "0x01", key)
}
