package sensors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Compile-time assertion.
var _ Cache = (*RedisCache)(nil)

// RedisCache keeps each agent's readings in a capped Redis list, so every
// instance behind a load balancer sees the same buffer.
type RedisCache struct {
	client   *redis.Client
	capacity int64
	prefix   string
}

// NewRedisCache creates a Redis-backed cache holding capacity readings per
// agent.
func NewRedisCache(client *redis.Client, capacity int) *RedisCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RedisCache{client: client, capacity: int64(capacity), prefix: "sensors:"}
}

func (c *RedisCache) Backend() string { return "redis" }

// Append pushes and trims in one MULTI/EXEC so concurrent writers never
// observe an over-full list.
func (c *RedisCache) Append(ctx context.Context, agentID string, rd Reading) error {
	data, err := json.Marshal(rd)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	key := c.prefix + agentID
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -c.capacity, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append reading: %w", err)
	}
	return nil
}

func (c *RedisCache) List(ctx context.Context, agentID string) ([]Reading, error) {
	raw, err := c.client.LRange(ctx, c.prefix+agentID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	out := make([]Reading, 0, len(raw))
	for _, item := range raw {
		var rd Reading
		if err := json.Unmarshal([]byte(item), &rd); err != nil {
			return nil, fmt.Errorf("decode reading: %w", err)
		}
		out = append(out, rd)
	}
	return out, nil
}
