package ingest

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// lockEntry is one reference-counted single-permit lock. refs counts the
// holder plus all waiters, so refs == 0 means the entry is idle and safe
// to drop from the map.
type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// keyedLocks is a concurrent map of reference-counted single-permit locks
// keyed by package name. Entries are created lazily on first acquisition
// and removed by Sweep once idle; the reference count prevents a sweep
// from detaching a lock another goroutine is about to acquire.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{
		locks: make(map[string]*lockEntry),
	}
}

// Acquire takes the single permit for key, suspending the calling goroutine
// until it is available or the context ends. The returned release function
// must be deferred by the caller.
func (k *keyedLocks) Acquire(ctx context.Context, key string) (release func(), err error) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{sem: semaphore.NewWeighted(1)}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		k.unref(entry)
		return nil, err
	}

	return func() {
		entry.sem.Release(1)
		k.unref(entry)
	}, nil
}

// unref drops one reference; the idle map entry itself is collected by Sweep.
func (k *keyedLocks) unref(entry *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
}

// Sweep removes idle entries: zero references means no holder and no
// waiter. Held or contended locks are retained.
func (k *keyedLocks) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	removed := 0
	for key, entry := range k.locks {
		if entry.refs == 0 {
			delete(k.locks, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live lock entries.
func (k *keyedLocks) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
