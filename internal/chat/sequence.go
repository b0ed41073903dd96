package chat

import (
	"sync"
	"time"
)

// SequenceAllocator mints the key shared by a user turn and its reply.
//
// Keys are wall-clock milliseconds read once per submission. When the clock
// has not moved past the previous key the allocator bumps by one, so keys
// from one client are strictly increasing and a pending key is never handed
// out twice.
type SequenceAllocator struct {
	mu      sync.Mutex
	now     func() time.Time
	last    int64
	pending map[int64]struct{}
}

// NewSequenceAllocator returns an allocator reading the given clock.
// A nil clock uses time.Now.
func NewSequenceAllocator(now func() time.Time) *SequenceAllocator {
	if now == nil {
		now = time.Now
	}
	return &SequenceAllocator{now: now, pending: make(map[int64]struct{})}
}

// Next reserves and returns a fresh key.
func (a *SequenceAllocator) Next() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := a.now().UnixMilli()
	if key <= a.last {
		key = a.last + 1
	}
	for {
		if _, busy := a.pending[key]; !busy {
			break
		}
		key++
	}
	a.last = key
	a.pending[key] = struct{}{}
	return key
}

// Reserve claims a caller-chosen key. A key that is still pending is
// rejected with ErrDuplicateKey rather than shared.
func (a *SequenceAllocator) Reserve(key int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, busy := a.pending[key]; busy {
		return ErrDuplicateKey
	}
	a.pending[key] = struct{}{}
	if key > a.last {
		a.last = key
	}
	return nil
}

// Release frees a key once its turn has settled or failed for good.
func (a *SequenceAllocator) Release(key int64) {
	a.mu.Lock()
	delete(a.pending, key)
	a.mu.Unlock()
}

// Pending reports whether key is still in flight.
func (a *SequenceAllocator) Pending(key int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, busy := a.pending[key]
	return busy
}
