package paged

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/statelog/internal/fs"
	"github.com/hupe1980/statelog/model"
)

// Small geometry so capacity and GC behavior are easy to reason about:
// 4096-byte pages, 4 pages per block, 4 blocks, 16 pages total.
func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		RootDir:     t.TempDir(),
		PageBytes:   4096,
		BlockPages:  4,
		MaxBlocks:   4,
		Compression: CompressionNone,
		GCThreshold: 0.35,
	}
}

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// putVector appends a one-page entry with n float32 elements.
func putVector(t *testing.T, s *Store, n int) *model.LogEntry {
	t.Helper()
	e := &model.LogEntry{
		ID:        s.AllocateID(),
		Vector:    make([]float32, n),
		Shape:     model.ShapeTag{Kind: model.KindVector},
		CreatedAt: time.Now(),
	}
	for i := range e.Vector {
		e.Vector[i] = float32(uint64(e.ID)*1000 + uint64(i))
	}
	_, err := s.Put(context.Background(), e)
	require.NoError(t, err)
	return e
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t, testOptions(t))
	ctx := context.Background()

	e := &model.LogEntry{
		ID:     s.AllocateID(),
		Vector: []float32{1.5, -2.25, 3.75},
		Shape:  model.ShapeTag{Kind: model.KindGrid, Shape: []int{3, 1}, FlattenOrder: model.ColumnMajor},
		Provenance: model.Provenance{
			InputHash:  []byte{1, 2},
			OutputHash: []byte{3, 4, 5},
		},
		Metrics:   map[string]float64{"loss": 0.5},
		CreatedAt: time.Now(),
	}
	r, err := s.Put(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r.Count)

	ref, ok := e.Ref()
	require.True(t, ok)
	assert.Equal(t, r, ref)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Vector, got.Vector)
	assert.Equal(t, e.Shape, got.Shape)
	assert.Equal(t, e.Provenance, got.Provenance)
	assert.Equal(t, e.Metrics, got.Metrics)
}

func TestGetUnknownID(t *testing.T) {
	s := openTestStore(t, testOptions(t))
	_, err := s.Get(context.Background(), 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutSurvivesReopen(t *testing.T) {
	opts := testOptions(t)
	s := openTestStore(t, opts)

	var ids []model.EntryID
	for i := 0; i < 3; i++ {
		ids = append(ids, putVector(t, s, 64).ID)
	}
	require.NoError(t, s.Close())

	s2 := openTestStore(t, opts)
	for _, id := range ids {
		got, err := s2.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Len(t, got.Vector, 64)
	}
	assert.Greater(t, uint64(s2.AllocateID()), uint64(ids[2]), "ID numbering continues across reopen")
}

func TestReopenGeometryMismatch(t *testing.T) {
	opts := testOptions(t)
	s := openTestStore(t, opts)
	putVector(t, s, 8)
	require.NoError(t, s.Close())

	bad := opts
	bad.PageBytes = 8192
	_, err := Open(context.Background(), bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "geometry mismatch")
}

func TestPutCapacityExhausted(t *testing.T) {
	s := openTestStore(t, testOptions(t))

	for i := 0; i < 16; i++ {
		putVector(t, s, 64)
	}
	stats := s.Stats()
	assert.Equal(t, uint64(16), stats.OccupiedPages)
	assert.Equal(t, 1.0, stats.Occupancy())

	e := &model.LogEntry{
		ID:        s.AllocateID(),
		Vector:    make([]float32, 64),
		Shape:     model.ShapeTag{Kind: model.KindVector},
		CreatedAt: time.Now(),
	}
	_, err := s.Put(context.Background(), e)
	require.ErrorIs(t, err, ErrCapacityExhausted)

	_, ok := e.Ref()
	assert.False(t, ok, "a failed put must not attach a reference")
}

func TestPutEntryTooLarge(t *testing.T) {
	s := openTestStore(t, testOptions(t))

	// 4500 incompressible-enough floats need 5 pages; a block holds 4.
	e := &model.LogEntry{
		ID:        s.AllocateID(),
		Vector:    make([]float32, 4500),
		Shape:     model.ShapeTag{Kind: model.KindVector},
		CreatedAt: time.Now(),
	}
	_, err := s.Put(context.Background(), e)
	require.ErrorIs(t, err, ErrEntryTooLarge)
}

func TestMultiPageEntry(t *testing.T) {
	s := openTestStore(t, testOptions(t))
	ctx := context.Background()

	e := &model.LogEntry{
		ID:        s.AllocateID(),
		Vector:    make([]float32, 2500), // ~10KB raw, 3 pages
		Shape:     model.ShapeTag{Kind: model.KindVector},
		CreatedAt: time.Now(),
	}
	for i := range e.Vector {
		e.Vector[i] = float32(i)
	}
	r, err := s.Put(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), r.Count)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Vector, got.Vector)
}

func TestCompressedRoundTrip(t *testing.T) {
	for _, codec := range []Compression{CompressionLZ4, CompressionZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			opts := testOptions(t)
			opts.Compression = codec
			s := openTestStore(t, opts)
			ctx := context.Background()

			// Highly compressible: 3 raw pages collapse into one.
			e := &model.LogEntry{
				ID:        s.AllocateID(),
				Vector:    make([]float32, 2500),
				Shape:     model.ShapeTag{Kind: model.KindVector},
				CreatedAt: time.Now(),
			}
			r, err := s.Put(ctx, e)
			require.NoError(t, err)
			assert.Equal(t, uint32(1), r.Count)

			got, err := s.Get(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, e.Vector, got.Vector)
		})
	}
}

func TestCorruptPayloadDetected(t *testing.T) {
	opts := testOptions(t)
	s := openTestStore(t, opts)
	e := putVector(t, s, 64)
	require.NoError(t, s.Close())

	// Flip one payload byte of the entry's first page.
	path := filepath.Join(opts.RootDir, blocksDirName, "B-000000.blk")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[recordHeaderSize+10] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s2 := openTestStore(t, opts)
	_, err = s2.Get(context.Background(), e.ID)

	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, IsCorruption(err))
	assert.Equal(t, e.ID, ce.EntryID)
	assert.Equal(t, int64(1), s2.Stats().Corruptions)
}

func TestCorruptHeaderDetected(t *testing.T) {
	opts := testOptions(t)
	s := openTestStore(t, opts)
	e := putVector(t, s, 64)

	// Reading through a fresh store avoids the decoded-entry cache.
	require.NoError(t, s.Close())

	path := filepath.Join(opts.RootDir, blocksDirName, "B-000000.blk")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xff // magic
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s2 := openTestStore(t, opts)
	_, err = s2.Get(context.Background(), e.ID)
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Detail, "invalid record header")
}

func TestPutPageSyncFailureReleasesPages(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	opts := testOptions(t)
	opts.FS = faulty
	s := openTestStore(t, opts)

	faulty.FailFile("B-", fs.Fault{FailSync: true})

	e := &model.LogEntry{
		ID:        s.AllocateID(),
		Vector:    make([]float32, 64),
		Shape:     model.ShapeTag{Kind: model.KindVector},
		CreatedAt: time.Now(),
	}
	_, err := s.Put(context.Background(), e)
	require.ErrorIs(t, err, fs.ErrInjected)

	assert.Equal(t, uint64(0), s.Stats().OccupiedPages, "failed put must release its pages")
	assert.False(t, s.Contains(e.ID))
}

func TestRangeByTimeThroughStore(t *testing.T) {
	s := openTestStore(t, testOptions(t))

	before := time.Now().Add(-time.Minute)
	e1 := putVector(t, s, 8)
	e2 := putVector(t, s, 8)
	after := time.Now().Add(time.Minute)

	ids := s.RangeByTime(before, after)
	assert.Equal(t, []model.EntryID{e1.ID, e2.ID}, ids)

	assert.Empty(t, s.RangeByTime(after, after.Add(time.Minute)))
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := openTestStore(t, testOptions(t))
	e := putVector(t, s, 8)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	_, err := s.Get(context.Background(), e.ID)
	require.ErrorIs(t, err, ErrClosed)

	_, err = s.Put(context.Background(), &model.LogEntry{ID: 99, CreatedAt: time.Now()})
	require.ErrorIs(t, err, ErrClosed)
}

func TestGetDuringGCNeverMisreads(t *testing.T) {
	opts := testOptions(t)
	opts.GCMaxVictims = 2
	s := openTestStore(t, opts)
	ctx := context.Background()

	entries := make([]*model.LogEntry, 7)
	for i := range entries {
		entries[i] = putVector(t, s, 64)
	}

	// Readers race reclamation and compaction. A reader may lose an entry
	// to the collector, but a moved or reused range must never be read back
	// as the wrong content.
	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 50; i++ {
			s.RunGC(ctx)
		}
		return nil
	})
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				e := entries[i%len(entries)]
				got, err := s.Get(ctx, e.ID)
				if err != nil {
					if errors.Is(err, ErrNotFound) {
						continue
					}
					return err
				}
				if !assert.ObjectsAreEqual(e.Vector, got.Vector) {
					return fmt.Errorf("entry %d read back with wrong content", e.ID)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestReadDisagreementTriggersRecovery(t *testing.T) {
	s := openTestStore(t, testOptions(t))
	ctx := context.Background()

	keep := putVector(t, s, 64)
	victim := putVector(t, s, 64)

	// Overwrite the victim's pages with a valid record owned by another
	// entry, as a misdirected write would.
	r, ok := s.idx.lookup(victim.ID)
	require.True(t, ok)
	imposter := &model.LogEntry{
		ID:        model.EntryID(uint64(victim.ID) + 100),
		Vector:    []float32{1, 2, 3},
		Shape:     model.ShapeTag{Kind: model.KindVector},
		CreatedAt: time.Now(),
	}
	writeRawRecord(t, s, imposter, r)

	_, err := s.Get(ctx, victim.ID)
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Detail, "owned by entry")

	// The disagreement rebuilt the index from the page headers: the stale
	// row is gone and the surviving entries stay readable.
	assert.False(t, s.Contains(victim.ID))
	assert.True(t, s.Contains(imposter.ID))
	assert.Equal(t, 2, s.Stats().Entries)
	got, err := s.Get(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, keep.Vector, got.Vector)
}

func TestStatsCountsActivity(t *testing.T) {
	s := openTestStore(t, testOptions(t))
	ctx := context.Background()

	e1 := putVector(t, s, 8)
	putVector(t, s, 8)
	_, err := s.Get(ctx, e1.ID)
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(2), stats.Puts)
	assert.Equal(t, int64(1), stats.Gets)
	assert.Equal(t, uint32(1), stats.Blocks)
	assert.InDelta(t, 2.0/16.0, stats.Occupancy(), 1e-9)
}
