package sensors

import (
	"context"
	"sync"

	"github.com/agenthub/agenthub/internal/syncutil"
)

// Compile-time assertion.
var _ Cache = (*MemoryCache)(nil)

// ring is a fixed-capacity FIFO buffer.
type ring struct {
	buf  []Reading
	head int // index of the oldest reading
	size int
}

func (r *ring) push(rd Reading) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = rd
		r.size++
		return
	}
	r.buf[r.head] = rd
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) items() []Reading {
	out := make([]Reading, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// MemoryCache keeps readings in process memory. State is lost on restart.
type MemoryCache struct {
	capacity int
	mu       sync.RWMutex // guards rings
	rings    map[string]*ring
	locks    syncutil.ShardedMutex
}

// NewMemoryCache creates a cache holding capacity readings per agent.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryCache{capacity: capacity, rings: make(map[string]*ring)}
}

func (c *MemoryCache) Backend() string { return "memory" }

func (c *MemoryCache) Append(ctx context.Context, agentID string, rd Reading) error {
	r := c.ring(agentID)

	unlock, err := c.locks.LockContext(ctx, agentID)
	if err != nil {
		return err
	}
	defer unlock()
	r.push(rd)
	return nil
}

func (c *MemoryCache) List(ctx context.Context, agentID string) ([]Reading, error) {
	c.mu.RLock()
	r, ok := c.rings[agentID]
	c.mu.RUnlock()
	if !ok {
		return []Reading{}, nil
	}

	unlock, err := c.locks.LockContext(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.items(), nil
}

func (c *MemoryCache) ring(agentID string) *ring {
	c.mu.RLock()
	r, ok := c.rings[agentID]
	c.mu.RUnlock()
	if ok {
		return r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok = c.rings[agentID]; !ok {
		r = &ring{buf: make([]Reading, c.capacity)}
		c.rings[agentID] = r
	}
	return r
}
