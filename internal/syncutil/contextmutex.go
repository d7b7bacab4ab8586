// Package syncutil provides per-key locking for user-scoped mutations.
package syncutil

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ContextShardedMutex provides a fixed-size pool of channel-based mutexes
// keyed by user id. Callers can bail out if their context is cancelled while
// waiting. Memory is bounded regardless of how many ids are seen, at the
// cost of occasional false sharing between ids in the same shard.
type ContextShardedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function that the caller MUST call.
// On cancellation it returns nil and the context error.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key int64) (func(), error) {
	m.init()
	shard := &m.shards[ShardIndex(key)]

	// Fail fast on an already-cancelled context even if the shard is free.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-shard.ch:
		var once sync.Once
		return func() { once.Do(func() { shard.ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ShardIndex returns the shard that guards key.
func ShardIndex(key int64) uint32 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(key))
	h := fnv.New32a()
	_, _ = h.Write(b[:])
	return h.Sum32() % shardCount
}
