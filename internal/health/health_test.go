package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func TestCheckAll_Empty(t *testing.T) {
	rep := NewRegistry(0).CheckAll(context.Background())
	assert.True(t, rep.Healthy)
	assert.False(t, rep.Degraded)
	assert.Empty(t, rep.Checks)
}

func TestCheckAll_CriticalFailure(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("database", ok)
	r.Register("redis", func(context.Context) error { return errors.New("connection refused") })

	rep := r.CheckAll(context.Background())
	assert.False(t, rep.Healthy)
	require.Len(t, rep.Checks, 2)
	assert.Equal(t, "database", rep.Checks[0].Name)
	assert.True(t, rep.Checks[0].Healthy)
	assert.Equal(t, Status{Name: "redis", Critical: true, Detail: "connection refused", LatencyMS: rep.Checks[1].LatencyMS}, rep.Checks[1])
}

func TestCheckAll_OptionalFailureDegrades(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("database", ok)
	r.RegisterOptional("rpc", func(context.Context) error { return errors.New("dial tcp: timeout") })

	rep := r.CheckAll(context.Background())
	assert.True(t, rep.Healthy)
	assert.True(t, rep.Degraded)
	assert.False(t, rep.Checks[1].Critical)
}

func TestCheckAll_TimeoutPerCheck(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	rep := r.CheckAll(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, rep.Healthy)
	assert.Contains(t, rep.Checks[0].Detail, "deadline exceeded")
}

func TestCheckAll_RunsConcurrently(t *testing.T) {
	r := NewRegistry(time.Second)
	var started sync.WaitGroup
	started.Add(2)
	barrier := func(context.Context) error {
		started.Done()
		started.Wait() // deadlocks unless both checks run at once
		return nil
	}
	r.Register("a", barrier)
	r.Register("b", barrier)

	assert.True(t, r.CheckAll(context.Background()).Healthy)
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("check", ok)
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
	assert.Len(t, r.CheckAll(context.Background()).Checks, 10)
}
