package paged

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/statelog/model"
)

// allocator hands out contiguous page runs within blocks. It is the single
// serialization point shared by writers and the garbage collector; the lock
// covers only bitmap bookkeeping, never IO.
//
// Page IDs are global: page p lives in block p/blockPages at slot
// p%blockPages. The free set tracks free pages of allocated blocks only;
// unallocated blocks are implicit capacity.
type allocator struct {
	mu         sync.Mutex
	blockPages uint32
	maxBlocks  uint32
	blocks     uint32 // allocated block count
	free       *roaring.Bitmap
}

func newAllocator(blockPages, maxBlocks uint32) *allocator {
	return &allocator{
		blockPages: blockPages,
		maxBlocks:  maxBlocks,
		free:       roaring.New(),
	}
}

// allocate reserves n contiguous pages inside a single block. It prefers
// existing free runs (first fit, lowest pages first, which keeps the store
// dense) and grows a new block only when no run is available. Returns
// ErrEntryTooLarge when n exceeds a block and ErrCapacityExhausted when the
// store is at its configured maximum size.
func (a *allocator) allocate(n uint32) (model.PageRange, error) {
	if n == 0 || n > a.blockPages {
		return model.PageRange{}, ErrEntryTooLarge
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if first, ok := a.findRun(n); ok {
		a.free.RemoveRange(uint64(first), uint64(first)+uint64(n))
		return model.PageRange{First: uint64(first), Count: n}, nil
	}

	if a.blocks >= a.maxBlocks {
		return model.PageRange{}, ErrCapacityExhausted
	}

	first := a.blocks * a.blockPages
	a.blocks++
	// The tail of the fresh block beyond the run is free.
	a.free.AddRange(uint64(first)+uint64(n), uint64(first)+uint64(a.blockPages))
	return model.PageRange{First: uint64(first), Count: n}, nil
}

// findRun scans the free set for n contiguous pages within one block.
func (a *allocator) findRun(n uint32) (uint32, bool) {
	var (
		runStart uint32
		runLen   uint32
		prev     uint32
		have     bool
	)
	it := a.free.Iterator()
	for it.HasNext() {
		p := it.Next()
		if have && p == prev+1 && p/a.blockPages == runStart/a.blockPages {
			runLen++
		} else {
			runStart = p
			runLen = 1
			have = true
		}
		prev = p
		if runLen >= n {
			return runStart, true
		}
	}
	return 0, false
}

// release returns a page range to the free set.
func (a *allocator) release(r model.PageRange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free.AddRange(r.First, r.End())
}

// occupancy returns the number of occupied pages and the total page capacity
// of the store (configured maximum, not just allocated blocks).
func (a *allocator) occupancy() (occupied, total uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	occupied = uint64(a.blocks)*uint64(a.blockPages) - a.free.GetCardinality()
	total = uint64(a.maxBlocks) * uint64(a.blockPages)
	return occupied, total
}

// blockCount returns the number of allocated blocks.
func (a *allocator) blockCount() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocks
}

// freeInBlock returns how many pages of block b are free.
func (a *allocator) freeInBlock(b uint32) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	lo := uint64(b) * uint64(a.blockPages)
	return uint32(rangeCardinality(a.free, lo, lo+uint64(a.blockPages)))
}

// reset reinitializes the allocator to the given number of allocated blocks
// with every page free. Used by the recovery scan before re-marking live
// ranges.
func (a *allocator) reset(blocks uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocks = blocks
	a.free = roaring.New()
	a.free.AddRange(0, uint64(blocks)*uint64(a.blockPages))
}

// markUsed removes a range from the free set. Returns false if any page of
// the range was already in use, which signals an inconsistent index.
func (a *allocator) markUsed(r model.PageRange) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rangeCardinality(a.free, r.First, r.End()) != uint64(r.Count) {
		return false
	}
	a.free.RemoveRange(r.First, r.End())
	return true
}

// rangeCardinality counts set bits in [lo, hi) via rank queries.
func rangeCardinality(bm *roaring.Bitmap, lo, hi uint64) uint64 {
	if hi <= lo {
		return 0
	}
	count := bm.Rank(uint32(hi - 1))
	if lo > 0 {
		count -= bm.Rank(uint32(lo - 1))
	}
	return count
}
