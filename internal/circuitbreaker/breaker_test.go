package circuitbreaker

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/metrics"
)

// clock is a manually advanced time source.
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

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func newBreaker(threshold int) (*Breaker, *clock) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	return New(threshold, time.Minute, WithClock(clk.now)), clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newBreaker(3)

	assert.True(t, b.Allow("gemini-2.5-flash"))
	b.RecordFailure("gemini-2.5-flash")
	b.RecordFailure("gemini-2.5-flash")
	assert.True(t, b.Allow("gemini-2.5-flash"), "below threshold")

	b.RecordFailure("gemini-2.5-flash")
	assert.False(t, b.Allow("gemini-2.5-flash"))
	assert.Equal(t, StateOpen, b.State("gemini-2.5-flash"))
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, clk := newBreaker(2)
	b.RecordFailure("m")
	b.RecordFailure("m")

	clk.advance(59 * time.Second)
	assert.False(t, b.Allow("m"), "still cooling down")

	clk.advance(time.Second)
	assert.True(t, b.Allow("m"), "one trial call after cooldown")
	assert.Equal(t, StateHalfOpen, b.State("m"))
	assert.False(t, b.Allow("m"), "second call while probing")

	b.RecordSuccess("m")
	assert.Equal(t, StateClosed, b.State("m"))
	assert.True(t, b.Allow("m"))
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, clk := newBreaker(2)
	b.RecordFailure("m")
	b.RecordFailure("m")
	clk.advance(time.Minute)
	require.True(t, b.Allow("m"))

	b.RecordFailure("m")
	assert.Equal(t, StateOpen, b.State("m"))

	// The cooldown restarts from the failed trial call.
	clk.advance(30 * time.Second)
	assert.False(t, b.Allow("m"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newBreaker(3)
	b.RecordFailure("m")
	b.RecordFailure("m")
	b.RecordSuccess("m")
	b.RecordFailure("m")
	assert.True(t, b.Allow("m"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newBreaker(1)
	b.RecordFailure("gemini-2.5-pro")

	assert.False(t, b.Allow("gemini-2.5-pro"))
	assert.True(t, b.Allow("gemini-2.0-flash"))
	assert.Equal(t, StateClosed, b.State("unknown"))
	assert.Equal(t, map[string]State{"gemini-2.5-pro": StateOpen}, b.States())
}

func TestBreaker_RecordsTransitions(t *testing.T) {
	b, _ := newBreaker(1)
	c := metrics.BreakerTransitionsTotal.WithLabelValues("metrics-test", "closed", "open")
	before := counterValue(t, c)

	b.RecordFailure("metrics-test")
	b.RecordFailure("metrics-test") // already open

	assert.Equal(t, before+1, counterValue(t, c))
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b, _ := newBreaker(5)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if b.Allow("m") {
				if i%2 == 0 {
					b.RecordFailure("m")
				} else {
					b.RecordSuccess("m")
				}
			}
			_ = b.States()
		}(i)
	}
	wg.Wait()
}

func TestState_JSON(t *testing.T) {
	out, err := json.Marshal(map[string]State{"a": StateHalfOpen})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"half_open"}`, string(out))
	assert.Equal(t, "unknown", State(99).String())
}
