package paged

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// gcState is the collector's state machine: IDLE -> SCANNING -> COMPACTING
// -> IDLE. Any IO error during COMPACTING aborts cleanly back to IDLE and
// leaves the affected region where it was; the next pass retries.
type gcState int32

const (
	gcIdle gcState = iota
	gcScanning
	gcCompacting
)

func (s gcState) String() string {
	switch s {
	case gcIdle:
		return "idle"
	case gcScanning:
		return "scanning"
	case gcCompacting:
		return "compacting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// GCStats accumulates collector activity over the store lifetime.
type GCStats struct {
	Passes           int64
	EntriesReclaimed int64
	PagesReclaimed   int64
	EntriesMoved     int64
	Aborts           int64
}

// GCResult reports the outcome of a single pass.
type GCResult struct {
	Triggered        bool
	EntriesReclaimed int
	PagesReclaimed   int
	EntriesMoved     int
}

// collector implements occupancy-triggered, LRU-ranked reclamation and
// block compaction. It shares only the allocation lock with writers; readers
// are protected by page pins, never by blocking.
type collector struct {
	store   *Store
	limiter *rate.Limiter // nil when unpaced

	state atomic.Int32

	mu     sync.Mutex // guards start/stop
	stopCh chan struct{}
	done   chan struct{}

	passes           atomic.Int64
	entriesReclaimed atomic.Int64
	pagesReclaimed   atomic.Int64
	entriesMoved     atomic.Int64
	aborts           atomic.Int64
}

func newCollector(s *Store) *collector {
	c := &collector{store: s}
	if s.opts.GCIOBytesPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.GCIOBytesPerSec), s.opts.GCIOBytesPerSec)
	}
	return c
}

func (c *collector) start(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})

	go func(stopCh, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				c.runOnce(context.Background())
			}
		}
	}(c.stopCh, c.done)
}

func (c *collector) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.done
	c.stopCh = nil
	c.done = nil
}

func (c *collector) stats() GCStats {
	return GCStats{
		Passes:           c.passes.Load(),
		EntriesReclaimed: c.entriesReclaimed.Load(),
		PagesReclaimed:   c.pagesReclaimed.Load(),
		EntriesMoved:     c.entriesMoved.Load(),
		Aborts:           c.aborts.Load(),
	}
}

// runOnce performs at most one bounded pass. Concurrent calls collapse: a
// pass already in flight wins.
func (c *collector) runOnce(ctx context.Context) GCResult {
	s := c.store
	occupied, total := s.alloc.occupancy()
	if total == 0 || float64(occupied)/float64(total) < s.opts.GCThreshold {
		return GCResult{}
	}
	if !c.state.CompareAndSwap(int32(gcIdle), int32(gcScanning)) {
		return GCResult{}
	}
	defer c.state.Store(int32(gcIdle))

	c.passes.Add(1)
	deadline := time.Now().Add(s.opts.GCPassBudget)
	result := GCResult{Triggered: true}

	// SCANNING: rank by last access, select a bounded victim batch whose
	// pages bring occupancy back under the threshold.
	rows := s.idx.rowsByLastAccess()
	targetPages := uint64(s.opts.GCThreshold * float64(total))
	var victims []indexRow
	var reclaim uint64
	for _, row := range rows {
		if len(victims) >= s.opts.GCMaxVictims || time.Now().After(deadline) {
			break
		}
		if s.pins.overlaps(row.Range) {
			continue
		}
		victims = append(victims, row)
		reclaim += uint64(row.Range.Count)
		if occupied-reclaim < targetPages {
			break
		}
	}

	for _, v := range victims {
		if s.pins.overlaps(v.Range) {
			continue
		}
		if err := s.idx.remove(v.ID); err != nil {
			c.aborts.Add(1)
			s.opts.Logger.Warn("gc victim removal failed, aborting pass", "entry", uint64(v.ID), "error", err)
			return result
		}
		s.alloc.release(v.Range)
		if s.cache != nil {
			s.cache.Remove(v.ID)
		}
		result.EntriesReclaimed++
		result.PagesReclaimed += int(v.Range.Count)
	}
	c.entriesReclaimed.Add(int64(result.EntriesReclaimed))
	c.pagesReclaimed.Add(int64(result.PagesReclaimed))

	// COMPACTING: migrate live entries out of fragmented blocks into denser
	// ones, highest blocks first so first-fit allocation drains the tail.
	c.state.Store(int32(gcCompacting))
	moved, err := c.compact(ctx, deadline)
	result.EntriesMoved = moved
	c.entriesMoved.Add(int64(moved))
	if err != nil {
		c.aborts.Add(1)
		s.opts.Logger.Warn("gc compaction aborted", "moved", moved, "error", err)
		return result
	}

	if err := s.idx.saveSnapshot(); err != nil {
		s.opts.Logger.Warn("gc snapshot save failed", "error", err)
	}
	s.opts.Logger.Debug("gc pass complete",
		"reclaimed_entries", result.EntriesReclaimed,
		"reclaimed_pages", result.PagesReclaimed,
		"moved_entries", result.EntriesMoved,
	)
	return result
}

// compact relocates live entries from partially-freed blocks. Every move is
// pages-first: the new range is written and synced before the index is
// repointed, and the old range is freed only after the index flush, so a
// crash at any point leaves a readable entry.
func (c *collector) compact(ctx context.Context, deadline time.Time) (int, error) {
	s := c.store
	moved := 0

	byBlock := make(map[uint32][]indexRow)
	for _, row := range s.idx.snapshotRows() {
		byBlock[s.blocks.blockOf(row.Range.First)] = append(byBlock[s.blocks.blockOf(row.Range.First)], row)
	}

	for b := int(s.alloc.blockCount()) - 1; b >= 0; b-- {
		block := uint32(b)
		live := byBlock[block]
		if len(live) == 0 || s.alloc.freeInBlock(block) == 0 {
			continue // fully free or fully dense, nothing to gain
		}
		for _, row := range live {
			if time.Now().After(deadline) {
				return moved, nil
			}
			if err := ctx.Err(); err != nil {
				return moved, err
			}
			if s.pins.overlaps(row.Range) {
				continue
			}
			// Re-check the row: a concurrent reader may have touched it, a
			// previous iteration may have removed it.
			cur, ok := s.idx.lookup(row.ID)
			if !ok || cur != row.Range {
				continue
			}

			raw, err := s.blocks.readRange(row.Range)
			if err != nil {
				return moved, err
			}
			if c.limiter != nil {
				if err := c.limiter.WaitN(ctx, len(raw)); err != nil {
					return moved, err
				}
			}

			dst, err := s.alloc.allocate(row.Range.Count)
			if err != nil {
				// No denser placement available; leave the block as is.
				return moved, nil
			}
			if s.blocks.blockOf(dst.First) >= block {
				// Placement is not denser. Undo and stop working this block.
				s.alloc.release(dst)
				break
			}

			if err := s.blocks.writeRange(dst, raw); err != nil {
				s.alloc.release(dst)
				return moved, err
			}
			if err := s.blocks.syncRange(dst); err != nil {
				s.alloc.release(dst)
				return moved, err
			}
			if err := s.idx.update(row.ID, dst); err != nil {
				s.alloc.release(dst)
				return moved, err
			}
			s.alloc.release(row.Range)
			if s.cache != nil {
				s.cache.Remove(row.ID) // cached ref is stale after the move
			}
			moved++
		}
	}
	return moved, nil
}
