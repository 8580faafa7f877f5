// Package syncutil provides locking primitives for per-record critical sections.
package syncutil

import (
	"context"
	"sync"
)

const shardCount = 256

// KeyedMutex provides a fixed-size pool of channel-based mutexes keyed by a
// record id. Callers can bail out if their context is cancelled while waiting.
// Ids are sequential, so consecutive records land on different shards; two ids
// that share a shard are serialized, which is safe but slower.
type KeyedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewKeyedMutex creates a new context-aware keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function the caller MUST call.
func (m *KeyedMutex) LockContext(ctx context.Context, key uint64) (func(), error) {
	m.init()
	return m.shards[key%shardCount].lock(ctx)
}

func (c *chanMutex) lock(ctx context.Context) (func(), error) {
	select {
	case <-c.ch:
		return func() { c.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Mutex is a single context-aware mutex. Creation uses it to serialize
// counter reservation globally.
type Mutex struct {
	m    chanMutex
	once sync.Once
}

// LockContext acquires the mutex, respecting context cancellation.
func (m *Mutex) LockContext(ctx context.Context) (func(), error) {
	m.once.Do(func() {
		m.m.ch = make(chan struct{}, 1)
		m.m.ch <- struct{}{}
	})
	return m.m.lock(ctx)
}
