package paged

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/statelog/model"
)

func TestAllocateGrowsBlocks(t *testing.T) {
	a := newAllocator(4, 2)

	r1, err := a.allocate(3)
	require.NoError(t, err)
	assert.Equal(t, model.PageRange{First: 0, Count: 3}, r1)
	assert.Equal(t, uint32(1), a.blockCount())

	// 2 pages do not fit the 1-page tail of block 0; a new block grows.
	r2, err := a.allocate(2)
	require.NoError(t, err)
	assert.Equal(t, model.PageRange{First: 4, Count: 2}, r2)
	assert.Equal(t, uint32(2), a.blockCount())

	// The 1-page tail of block 0 is still usable.
	r3, err := a.allocate(1)
	require.NoError(t, err)
	assert.Equal(t, model.PageRange{First: 3, Count: 1}, r3)
}

func TestAllocateNeverOverlaps(t *testing.T) {
	a := newAllocator(8, 4)

	var ranges []model.PageRange
	for i := 0; i < 12; i++ {
		r, err := a.allocate(uint32(1 + i%3))
		require.NoError(t, err)
		for _, prev := range ranges {
			require.False(t, r.Overlaps(prev), "range %v overlaps %v", r, prev)
		}
		ranges = append(ranges, r)
	}
}

func TestAllocateWithinSingleBlock(t *testing.T) {
	a := newAllocator(4, 4)

	for i := 0; i < 8; i++ {
		r, err := a.allocate(2)
		require.NoError(t, err)
		assert.Equal(t, r.First/4, (r.End()-1)/4, "run must not straddle blocks")
	}
}

func TestAllocateCapacityExhausted(t *testing.T) {
	a := newAllocator(4, 2)

	for i := 0; i < 8; i++ {
		_, err := a.allocate(1)
		require.NoError(t, err)
	}
	_, err := a.allocate(1)
	require.ErrorIs(t, err, ErrCapacityExhausted)

	occupied, total := a.occupancy()
	assert.Equal(t, uint64(8), occupied)
	assert.Equal(t, uint64(8), total)
}

func TestAllocateEntryTooLarge(t *testing.T) {
	a := newAllocator(4, 2)
	_, err := a.allocate(5)
	require.ErrorIs(t, err, ErrEntryTooLarge)
	_, err = a.allocate(0)
	require.ErrorIs(t, err, ErrEntryTooLarge)
}

func TestReleaseAndReuse(t *testing.T) {
	a := newAllocator(4, 1)

	r1, err := a.allocate(2)
	require.NoError(t, err)
	r2, err := a.allocate(2)
	require.NoError(t, err)

	_, err = a.allocate(1)
	require.ErrorIs(t, err, ErrCapacityExhausted)

	a.release(r1)
	got, err := a.allocate(2)
	require.NoError(t, err)
	assert.Equal(t, r1, got, "freed run is reused first-fit")

	a.release(r2)
	occupied, _ := a.occupancy()
	assert.Equal(t, uint64(2), occupied)
}

func TestOccupancyCountsConfiguredCapacity(t *testing.T) {
	// Occupancy is measured against the configured maximum, not the blocks
	// allocated so far.
	a := newAllocator(4, 4)
	_, err := a.allocate(4)
	require.NoError(t, err)

	occupied, total := a.occupancy()
	assert.Equal(t, uint64(4), occupied)
	assert.Equal(t, uint64(16), total)
}

func TestMarkUsedDetectsOverlap(t *testing.T) {
	a := newAllocator(8, 2)
	a.reset(1)

	require.True(t, a.markUsed(model.PageRange{First: 0, Count: 3}))
	assert.False(t, a.markUsed(model.PageRange{First: 2, Count: 2}), "overlapping row must be rejected")
	require.True(t, a.markUsed(model.PageRange{First: 3, Count: 2}))

	occupied, _ := a.occupancy()
	assert.Equal(t, uint64(5), occupied)
}

func TestFreeInBlock(t *testing.T) {
	a := newAllocator(4, 2)
	_, err := a.allocate(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), a.freeInBlock(0))

	_, err = a.allocate(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), a.freeInBlock(1))
}
