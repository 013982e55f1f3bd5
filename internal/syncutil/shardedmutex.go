// Package syncutil provides per-key locking for ledger and cache mutations.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex serializes work per key over a fixed pool of locks, so memory
// stays bounded however many agents or services are seen. Keys that hash to
// the same shard share a lock. The zero value is ready to use.
type ShardedMutex struct {
	once   sync.Once
	shards [shardCount]chan struct{}
}

// Lock blocks until key's shard is free and returns its unlock function.
func (m *ShardedMutex) Lock(key string) func() {
	shard := m.shard(key)
	<-shard
	return func() { shard <- struct{}{} }
}

// LockContext is Lock that gives up when ctx is done.
func (m *ShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shard(key)
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ShardedMutex) shard(key string) chan struct{} {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}
