package ringbuf

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/statelog/model"
)

func entry(id uint64, at time.Time) *model.LogEntry {
	return &model.LogEntry{ID: model.EntryID(id), CreatedAt: at}
}

func TestAppendAndRecent(t *testing.T) {
	b := New(10)
	now := time.Now()

	for i := uint64(1); i <= 5; i++ {
		b.Append(entry(i, now))
	}
	require.Equal(t, 5, b.Len())

	recent := b.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, model.EntryID(3), recent[0].ID)
	assert.Equal(t, model.EntryID(5), recent[2].ID)

	// k beyond length clamps.
	assert.Len(t, b.Recent(100), 5)
	assert.Nil(t, b.Recent(0))
}

func TestEvictsOldestFirst(t *testing.T) {
	b := New(3)
	now := time.Now()

	for i := uint64(1); i <= 5; i++ {
		b.Append(entry(i, now))
	}

	require.Equal(t, 3, b.Len())
	recent := b.Recent(3)
	assert.Equal(t, model.EntryID(3), recent[0].ID)
	assert.Equal(t, model.EntryID(4), recent[1].ID)
	assert.Equal(t, model.EntryID(5), recent[2].ID)

	_, ok := b.Get(1)
	assert.False(t, ok, "entry 1 must have been evicted")
	_, ok = b.Get(3)
	assert.True(t, ok)
}

func TestCapacityNeverExceeded(t *testing.T) {
	b := New(4)
	now := time.Now()
	for i := uint64(0); i < 100; i++ {
		b.Append(entry(i, now))
		require.LessOrEqual(t, b.Len(), 4)
	}
	assert.Equal(t, 4, b.Cap())
}

func TestDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultMaxEntries, New(0).Cap())
	assert.Equal(t, DefaultMaxEntries, New(-5).Cap())
}

func TestRangeByTime(t *testing.T) {
	b := New(10)
	base := time.Unix(1000, 0)

	for i := 0; i < 5; i++ {
		b.Append(entry(uint64(i+1), base.Add(time.Duration(i)*time.Minute)))
	}

	ids := b.RangeByTime(base.Add(time.Minute), base.Add(3*time.Minute))
	assert.Equal(t, []model.EntryID{2, 3, 4}, ids)

	assert.Empty(t, b.RangeByTime(base.Add(time.Hour), base.Add(2*time.Hour)))
}

func TestConcurrentAppendAndRead(t *testing.T) {
	b := New(64)
	var wg sync.WaitGroup
	now := time.Now()

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.Append(entry(uint64(w*1000+i), now))
				b.Recent(10)
				b.Len()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 64, b.Len())
}
