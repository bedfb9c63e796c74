// Package ringbuf provides a bounded, FIFO-evicting buffer of log entries.
//
// The buffer is the storage backend when persistence is disabled and a fast
// staging area for recency queries when it is enabled. It has its own lock,
// independent of any paged-store locking.
package ringbuf

import (
	"sync"
	"time"

	"github.com/hupe1980/statelog/model"
)

// DefaultMaxEntries is the capacity used when none is configured.
const DefaultMaxEntries = 1000

// Buffer is a bounded FIFO buffer of entries. Safe for concurrent use.
type Buffer struct {
	mu      sync.RWMutex
	entries []*model.LogEntry // circular, entries[head] is the oldest
	head    int
	size    int
}

// New creates a buffer holding at most maxEntries entries.
// Non-positive capacities fall back to DefaultMaxEntries.
func New(maxEntries int) *Buffer {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Buffer{entries: make([]*model.LogEntry, maxEntries)}
}

// Append inserts an entry, evicting the oldest one first when the buffer is
// at capacity. O(1). Entries are never mutated in place.
func (b *Buffer) Append(e *model.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == len(b.entries) {
		// Overwrite the oldest slot and advance head.
		b.entries[b.head] = e
		b.head = (b.head + 1) % len(b.entries)
		return
	}
	b.entries[(b.head+b.size)%len(b.entries)] = e
	b.size++
}

// Recent returns the last k entries in insertion order, oldest first.
// k is clamped to the current length.
func (b *Buffer) Recent(k int) []*model.LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if k > b.size {
		k = b.size
	}
	if k <= 0 {
		return nil
	}
	out := make([]*model.LogEntry, k)
	start := b.size - k
	for i := 0; i < k; i++ {
		out[i] = b.entries[(b.head+start+i)%len(b.entries)]
	}
	return out
}

// Get returns the buffered entry with the given ID, if present.
func (b *Buffer) Get(id model.EntryID) (*model.LogEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i := 0; i < b.size; i++ {
		e := b.entries[(b.head+i)%len(b.entries)]
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}

// RangeByTime returns the IDs of buffered entries created within [from, to],
// in insertion order.
func (b *Buffer) RangeByTime(from, to time.Time) []model.EntryID {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []model.EntryID
	for i := 0; i < b.size; i++ {
		e := b.entries[(b.head+i)%len(b.entries)]
		if e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
			continue
		}
		out = append(out, e.ID)
	}
	return out
}

// Len returns the current number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.entries) }
