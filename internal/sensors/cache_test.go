package sensors

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/agenthub/agenthub/internal/testutil"
)

func reading(agentID string, n int) Reading {
	return Reading{
		ID:         fmt.Sprintf("r-%d", n),
		AgentID:    agentID,
		Timestamp:  int64(n),
		ReceivedAt: time.UnixMilli(int64(n)).UTC(),
		Values:     map[string]any{"seq": float64(n)},
	}
}

func seqs(t *testing.T, rs []Reading) []int {
	t.Helper()
	out := make([]int, len(rs))
	for i, r := range rs {
		out[i] = int(r.Values["seq"].(float64))
	}
	return out
}

func testCacheFIFO(t *testing.T, c Cache) {
	ctx := context.Background()

	for i := 1; i <= DefaultCapacity+1; i++ {
		require.NoError(t, c.Append(ctx, "dev-1", reading("dev-1", i)))
	}
	require.NoError(t, c.Append(ctx, "dev-2", reading("dev-2", 500)))

	got, err := c.List(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, got, DefaultCapacity)
	assert.Equal(t, 2, seqs(t, got)[0], "oldest reading evicted")
	assert.Equal(t, DefaultCapacity+1, seqs(t, got)[DefaultCapacity-1])
	assert.Equal(t, "r-2", got[0].ID)
	assert.Equal(t, "dev-1", got[0].AgentID)

	other, err := c.List(ctx, "dev-2")
	require.NoError(t, err)
	assert.Equal(t, []int{500}, seqs(t, other))

	empty, err := c.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryCache_FIFO(t *testing.T) {
	testCacheFIFO(t, NewMemoryCache(0))
}

func TestMemoryCache_KeepsLastN(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 20).Draw(t, "capacity")
		n := rapid.IntRange(0, 60).Draw(t, "appends")

		c := NewMemoryCache(capacity)
		for i := 0; i < n; i++ {
			_ = c.Append(context.Background(), "a", reading("a", i))
		}
		got, _ := c.List(context.Background(), "a")

		want := n
		if want > capacity {
			want = capacity
		}
		if len(got) != want {
			t.Fatalf("len = %d, want %d", len(got), want)
		}
		for i, r := range got {
			if seq := int(r.Values["seq"].(float64)); seq != n-want+i {
				t.Fatalf("got[%d] = %d, want %d", i, seq, n-want+i)
			}
		}
	})
}

func TestMemoryCache_ConcurrentAppends(t *testing.T) {
	c := NewMemoryCache(50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				_ = c.Append(ctx, "shared", reading("shared", w*1000+i))
			}
		}(w)
	}
	wg.Wait()

	got, err := c.List(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, got, 50)
}

func TestRedisCache_FIFO(t *testing.T) {
	client := testutil.RedisTest(t)

	c := NewRedisCache(client, 0)
	assert.Equal(t, "redis", c.Backend())
	testCacheFIFO(t, c)

	got, err := c.List(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.True(t, time.UnixMilli(2).Equal(got[0].ReceivedAt))
}
