package durablestore

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyedLock hands out one binary semaphore per key, lazily, so that
// validate-then-commit sequences for the same (stream path, producer id)
// never interleave (spec §4.3.1: "serialised per (path, producerId):
// ... two in-flight requests with the same key cannot both read
// state.lastSeq before either commits"). Entries are never removed; the
// process lifetime of a producer key set is bounded by practical
// cardinality, not by this map.
type keyedLock struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newKeyedLock() *keyedLock {
	return &keyedLock{sems: make(map[string]*semaphore.Weighted)}
}

func (k *keyedLock) get(key string) *semaphore.Weighted {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.sems[key]
	if !ok {
		s = semaphore.NewWeighted(1)
		k.sems[key] = s
	}
	return s
}

// Lock blocks until key's slot is free or ctx is cancelled.
func (k *keyedLock) Lock(ctx context.Context, key string) error {
	return k.get(key).Acquire(ctx, 1)
}

// Unlock releases key's slot.
func (k *keyedLock) Unlock(key string) {
	k.get(key).Release(1)
}
