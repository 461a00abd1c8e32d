// Package syncutil holds small concurrency helpers shared across services.
package syncutil

import (
	"context"
	"hash/fnv"
)

const keyMutexShards = 128

// KeyMutex serializes work per string key. Keys are hashed onto a fixed
// pool of channel-backed locks, so two distinct keys may occasionally
// contend, but a given key always maps to the same lock. Waiters can
// abandon acquisition when their context is cancelled.
type KeyMutex struct {
	shards [keyMutexShards]chan struct{}
}

// NewKeyMutex returns a KeyMutex with all locks available.
func NewKeyMutex() *KeyMutex {
	m := &KeyMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the lock for key, blocking until it is available or ctx
// is done. On success it returns a release function, which the caller
// must invoke exactly once.
func (m *KeyMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % keyMutexShards
}
