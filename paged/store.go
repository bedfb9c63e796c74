package paged

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"path/filepath"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/hupe1980/statelog/internal/fs"
	"github.com/hupe1980/statelog/model"
)

// Store is the append-only, page-organized persistent backend. Entries are
// compressed, checksummed and written to contiguous page runs; the index
// update is flushed before Put returns, so a successful Put is a durability
// guarantee.
type Store struct {
	opts   Options
	fsys   fs.FileSystem
	alloc  *allocator
	blocks *blockManager
	idx    *index
	pins   *pinTable
	cache  *lru.Cache // entry ID -> *model.LogEntry, nil when disabled
	gc     *collector

	closed atomic.Bool

	puts        atomic.Int64
	gets        atomic.Int64
	corruptions atomic.Int64
}

// Stats is a point-in-time view of store occupancy and activity.
type Stats struct {
	Entries       int
	OccupiedPages uint64
	TotalPages    uint64
	Blocks        uint32
	Puts          int64
	Gets          int64
	Corruptions   int64
	GC            GCStats
}

// Occupancy returns the occupied fraction of the configured capacity.
func (s Stats) Occupancy() float64 {
	if s.TotalPages == 0 {
		return 0
	}
	return float64(s.OccupiedPages) / float64(s.TotalPages)
}

// Open creates or reopens a store rooted at opts.RootDir. On reopen the
// geometry must match the persisted descriptor. An index that disagrees with
// the pages on disk is rebuilt by the recovery scan before Open returns.
func Open(ctx context.Context, opts Options) (*Store, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	fsys := opts.FS

	for _, dir := range []string{
		opts.RootDir,
		filepath.Join(opts.RootDir, metadataDirName),
		filepath.Join(opts.RootDir, blocksDirName),
		filepath.Join(opts.RootDir, manifestsDirName),
	} {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("paged: create %s: %w", dir, err)
		}
	}

	want := descriptor{pageBytes: uint32(opts.PageBytes), blockPages: uint32(opts.BlockPages)}
	have, exists, err := readDescriptor(fsys, opts.RootDir)
	if err != nil {
		return nil, fmt.Errorf("paged: read descriptor: %w", err)
	}
	if exists && have != want {
		return nil, fmt.Errorf("paged: geometry mismatch: store has page=%d block=%d, config wants page=%d block=%d",
			have.pageBytes, have.blockPages, want.pageBytes, want.blockPages)
	}
	if !exists {
		if err := writeDescriptor(fsys, opts.RootDir, want); err != nil {
			return nil, fmt.Errorf("paged: write descriptor: %w", err)
		}
	}

	idx, err := openIndex(fsys, filepath.Join(opts.RootDir, manifestsDirName))
	if err != nil {
		return nil, fmt.Errorf("paged: open index: %w", err)
	}

	s := &Store{
		opts:   opts,
		fsys:   fsys,
		alloc:  newAllocator(uint32(opts.BlockPages), uint32(opts.MaxBlocks)),
		blocks: newBlockManager(fsys, filepath.Join(opts.RootDir, blocksDirName), uint32(opts.PageBytes), uint32(opts.BlockPages)),
		idx:    idx,
		pins:   newPinTable(),
	}
	if opts.CacheEntries > 0 {
		s.cache, _ = lru.New(opts.CacheEntries)
	}
	s.gc = newCollector(s)

	if err := s.rebuildAllocator(ctx); err != nil {
		idx.close()
		s.blocks.closeAll()
		return nil, err
	}

	if opts.GCInterval > 0 {
		s.gc.start(opts.GCInterval)
	}
	return s, nil
}

// rebuildAllocator reconciles the allocator with the index and block files,
// falling back to the recovery scan when they disagree.
func (s *Store) rebuildAllocator(ctx context.Context) error {
	onDisk, err := s.blocks.list()
	if err != nil {
		return fmt.Errorf("paged: list blocks: %w", err)
	}
	var blocks uint32
	if n := len(onDisk); n > 0 {
		blocks = onDisk[n-1] + 1
	}
	s.alloc.reset(blocks)

	consistent := !s.idx.isDamaged()
	if s.idx.isFresh() && blocks > 0 {
		// Block files without any index state: the manifests are gone.
		consistent = false
	}
	if consistent {
		for _, row := range s.idx.snapshotRows() {
			if row.Range.Count == 0 || row.Range.End() > uint64(blocks)*uint64(s.opts.BlockPages) {
				consistent = false
				break
			}
			if !s.alloc.markUsed(row.Range) {
				// Overlapping ranges: the index lies about the pages.
				consistent = false
				break
			}
		}
	}
	if consistent {
		return nil
	}

	s.opts.Logger.Warn("index inconsistent with pages, rebuilding from page headers")
	return s.recoverScan(ctx, false)
}

// AllocateID hands out the next entry ID.
func (s *Store) AllocateID() model.EntryID {
	return s.idx.nextEntryID()
}

// Put persists an entry and returns its storage reference. The write path:
// encode, compress (failure is non-fatal, falls back to raw), checksum,
// allocate a contiguous page run, write+sync the pages, then append+fsync
// the index record. Only after the index flush is the entry durable; a crash
// before it leaves an orphaned, invisible page run.
func (s *Store) Put(ctx context.Context, e *model.LogEntry) (model.PageRange, error) {
	if s.closed.Load() {
		return model.PageRange{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return model.PageRange{}, err
	}

	raw, err := model.EncodeEntry(e)
	if err != nil {
		return model.PageRange{}, err
	}
	stored, codec := compressPayload(raw, s.opts.Compression)

	pageBytes := s.opts.PageBytes
	total := recordHeaderSize + len(stored)
	pages := uint32((total + pageBytes - 1) / pageBytes)

	r, err := s.alloc.allocate(pages)
	if err != nil {
		return model.PageRange{}, err
	}

	hdr := recordHeader{
		entryID:    e.ID,
		createdAt:  e.CreatedAt.UnixNano(),
		pageCount:  pages,
		payloadLen: uint32(len(stored)),
		rawLen:     uint32(len(raw)),
		codec:      codec,
		checksum:   crc32.Checksum(stored, crc32cTable),
	}
	buf := make([]byte, int(pages)*pageBytes)
	copy(buf, hdr.encode())
	copy(buf[recordHeaderSize:], stored)

	if err := s.blocks.writeRange(r, buf); err != nil {
		s.alloc.release(r)
		return model.PageRange{}, fmt.Errorf("paged: write pages: %w", err)
	}
	if err := s.blocks.syncRange(r); err != nil {
		s.alloc.release(r)
		return model.PageRange{}, fmt.Errorf("paged: sync pages: %w", err)
	}

	row := indexRow{
		ID:         e.ID,
		Range:      r,
		CreatedAt:  e.CreatedAt.UnixNano(),
		LastAccess: time.Now().UnixNano(),
	}
	if err := s.idx.add(row); err != nil {
		// The pages are on disk but unreferenced: invisible to readers and
		// reclaimed by the next recovery scan.
		s.alloc.release(r)
		return model.PageRange{}, fmt.Errorf("paged: index update: %w", err)
	}

	e.SetRef(r)
	if s.cache != nil {
		s.cache.Add(e.ID, e)
	}
	s.puts.Add(1)
	return r, nil
}

// Get reads an entry by ID: locate via index, pin the range, verify the
// header and checksum, decompress and decode. A checksum or header mismatch
// returns a CorruptionError and never partial data.
func (s *Store) Get(ctx context.Context, id model.EntryID) (*model.LogEntry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, ok := s.idx.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	s.idx.touch(id)

	if s.cache != nil {
		if v, ok := s.cache.Get(id); ok {
			s.gets.Add(1)
			return v.(*model.LogEntry), nil
		}
	}

	// Pin, then confirm the index still points at the pinned range: the GC
	// may move the entry between lookup and pin, and a vacated range can be
	// reused by a concurrent write. Retry until the pin covers the current
	// range.
	for {
		s.pins.pin(r)
		cur, ok := s.idx.lookup(id)
		if !ok {
			s.pins.unpin(r)
			return nil, ErrNotFound
		}
		if cur == r {
			break
		}
		s.pins.unpin(r)
		r = cur
	}
	defer s.pins.unpin(r)

	e, err := s.readEntry(id, r)
	if err != nil {
		if errors.Is(err, errPageOwnerMismatch) {
			// The index references pages it does not own. Rebuild it from
			// the page headers before the next read trips over the same row.
			if rerr := s.recoverScan(ctx, false); rerr != nil {
				s.opts.Logger.Error("recovery scan after index disagreement failed", "error", rerr)
			}
		}
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(id, e)
	}
	s.gets.Add(1)
	return e, nil
}

// ReadAt reads an entry directly from a storage reference, bypassing the
// index. The caller is responsible for the reference's validity.
func (s *Store) ReadAt(ctx context.Context, r model.PageRange) (*model.LogEntry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.pins.pin(r)
	defer s.pins.unpin(r)
	return s.readEntry(0, r)
}

// readEntry performs the verified read of a pinned range. wantID 0 skips the
// index/header identity check.
func (s *Store) readEntry(wantID model.EntryID, r model.PageRange) (*model.LogEntry, error) {
	raw, err := s.blocks.readRange(r)
	if err != nil {
		return nil, fmt.Errorf("paged: read pages: %w", err)
	}

	hdr, err := decodeRecordHeader(raw)
	if err != nil {
		s.corruptions.Add(1)
		ce := &CorruptionError{EntryID: wantID, Page: r.First, Detail: "invalid record header", cause: err}
		s.opts.Logger.Error("corrupt page header", "entry", uint64(wantID), "page", r.First)
		return nil, ce
	}
	if wantID != 0 && hdr.entryID != wantID {
		s.corruptions.Add(1)
		ce := &CorruptionError{
			EntryID: wantID,
			Page:    r.First,
			Detail:  fmt.Sprintf("page owned by entry %d, index says %d", hdr.entryID, wantID),
			cause:   errPageOwnerMismatch,
		}
		s.opts.Logger.Error("index and page header disagree", "entry", uint64(wantID), "page", r.First, "owner", uint64(hdr.entryID))
		return nil, ce
	}
	if int(hdr.payloadLen) > len(raw)-recordHeaderSize {
		s.corruptions.Add(1)
		return nil, &CorruptionError{EntryID: wantID, Page: r.First, Detail: "payload length exceeds page range"}
	}

	stored := raw[recordHeaderSize : recordHeaderSize+int(hdr.payloadLen)]
	if crc32.Checksum(stored, crc32cTable) != hdr.checksum {
		s.corruptions.Add(1)
		ce := &CorruptionError{EntryID: hdr.entryID, Page: r.First, Detail: "payload checksum mismatch"}
		s.opts.Logger.Error("payload checksum mismatch", "entry", uint64(hdr.entryID), "page", r.First)
		return nil, ce
	}

	payload, err := decompressPayload(stored, hdr.codec, int(hdr.rawLen))
	if err != nil {
		s.corruptions.Add(1)
		return nil, &CorruptionError{EntryID: hdr.entryID, Page: r.First, Detail: "decompression failed", cause: err}
	}

	e, err := model.DecodeEntry(payload)
	if err != nil {
		s.corruptions.Add(1)
		return nil, &CorruptionError{EntryID: hdr.entryID, Page: r.First, Detail: "entry decode failed", cause: err}
	}
	e.SetRef(r)
	return e, nil
}

// RangeByTime returns the IDs of entries created within [from, to], ordered
// by creation time.
func (s *Store) RangeByTime(from, to time.Time) []model.EntryID {
	return s.idx.rangeByTime(from, to)
}

// Contains reports whether the index knows the entry.
func (s *Store) Contains(id model.EntryID) bool {
	_, ok := s.idx.lookup(id)
	return ok
}

// RunGC triggers one garbage collection pass if occupancy is at or above the
// threshold. It never returns victim-level errors; a failed pass is logged
// and retried on the next interval.
func (s *Store) RunGC(ctx context.Context) GCResult {
	return s.gc.runOnce(ctx)
}

// Stats returns a point-in-time snapshot of store state.
func (s *Store) Stats() Stats {
	occupied, total := s.alloc.occupancy()
	return Stats{
		Entries:       s.idx.count(),
		OccupiedPages: occupied,
		TotalPages:    total,
		Blocks:        s.alloc.blockCount(),
		Puts:          s.puts.Load(),
		Gets:          s.gets.Load(),
		Corruptions:   s.corruptions.Load(),
		GC:            s.gc.stats(),
	}
}

// Close stops the GC loop, persists an index snapshot (folding the journal
// and the in-memory access times) and closes all files.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.gc.stop()

	var firstErr error
	if err := s.idx.saveSnapshot(); err != nil {
		firstErr = err
	}
	if err := s.idx.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.blocks.closeAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
