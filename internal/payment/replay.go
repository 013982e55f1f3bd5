package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time assertions.
var (
	_ ReplayStore = (*MemoryReplayStore)(nil)
	_ ReplayStore = (*RedisReplayStore)(nil)
)

// MemoryReplayStore keeps spent hashes in process memory.
type MemoryReplayStore struct {
	mu   sync.Mutex
	used map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryReplayStore creates a replay store. With ttl <= 0 a spent hash
// stays spent for the life of the process.
func NewMemoryReplayStore(ttl time.Duration) *MemoryReplayStore {
	return &MemoryReplayStore{used: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (s *MemoryReplayStore) Use(_ context.Context, txHash string) (bool, error) {
	key := strings.ToLower(txHash)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl > 0 {
		cutoff := now.Add(-s.ttl)
		for k, at := range s.used {
			if at.Before(cutoff) {
				delete(s.used, k)
			}
		}
	}
	if _, ok := s.used[key]; ok {
		return false, nil
	}
	s.used[key] = now
	return true, nil
}

// RedisReplayStore shares spent hashes between instances.
type RedisReplayStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReplayStore creates a Redis-backed replay store. With ttl <= 0
// keys never expire.
func NewRedisReplayStore(client *redis.Client, ttl time.Duration) *RedisReplayStore {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisReplayStore{client: client, ttl: ttl}
}

func (s *RedisReplayStore) Use(ctx context.Context, txHash string) (bool, error) {
	ok, err := s.client.SetNX(ctx, "x402:used:"+strings.ToLower(txHash), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay store: %w", err)
	}
	return ok, nil
}
