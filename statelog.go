package statelog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/statelog/model"
	"github.com/hupe1980/statelog/paged"
	"github.com/hupe1980/statelog/ringbuf"
	"github.com/hupe1980/statelog/state"
)

// Storage is the caller-facing façade over the ring buffer and the paged
// store. In buffer mode entries live only in the bounded ring; in paged
// mode they are persisted, with the ring doubling as a staging area for
// recency queries.
//
// The paged backend is constructed lazily on the first operation that needs
// it, so enabling persistence costs nothing up front. If construction fails,
// the failure is logged once and the Storage degrades to buffer-only mode
// for the rest of the process lifetime; callers never see that error.
type Storage struct {
	cfg      Config
	opts     options
	contract state.Contract
	buf      *ringbuf.Buffer

	mu       sync.Mutex // guards lazy backend init
	store    *paged.Store
	inited   bool
	fellBack bool

	nextID atomic.Uint64
	closed atomic.Bool
}

// New creates a Storage from the configuration. Contract and configuration
// errors surface here; backend availability does not (see Append).
func New(cfg Config, optFns ...Option) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	contract, err := cfg.contract()
	if err != nil {
		return nil, err
	}
	return &Storage{
		cfg:      cfg,
		opts:     applyOptions(optFns),
		contract: contract,
		buf:      ringbuf.New(cfg.Buffer.MaxEntries),
	}, nil
}

// AppendOption attaches optional entry fields.
type AppendOption func(*appendFields)

type appendFields struct {
	provenance model.Provenance
	metrics    map[string]float64
}

// WithProvenance attaches caller-supplied input/output content hashes.
func WithProvenance(inputHash, outputHash []byte) AppendOption {
	return func(f *appendFields) {
		f.provenance = model.Provenance{InputHash: inputHash, OutputHash: outputHash}
	}
}

// WithMetricValues attaches named scalar metrics to the entry.
func WithMetricValues(metrics map[string]float64) AppendOption {
	return func(f *appendFields) {
		f.metrics = metrics
	}
}

// Append validates a snapshot against the configured contract, flattens it,
// wraps it into an immutable entry and routes it to the active backend.
// ValidationError and ErrCapacityExhausted are surfaced to the caller;
// backend unavailability is not (buffer fallback instead).
func (s *Storage) Append(ctx context.Context, v state.StateValue, optFns ...AppendOption) (*model.LogEntry, error) {
	start := time.Now()
	entry, persisted, err := s.append(ctx, v, optFns...)
	s.opts.metrics.RecordAppend(time.Since(start), persisted, err)
	if err != nil {
		s.opts.logger.LogAppend(0, 0, false, err)
		return nil, err
	}
	s.opts.logger.LogAppend(uint64(entry.ID), len(entry.Vector), persisted, nil)
	return entry, nil
}

func (s *Storage) append(ctx context.Context, v state.StateValue, optFns ...AppendOption) (*model.LogEntry, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	vec, err := s.contract.Flatten(v)
	if err != nil {
		return nil, false, err
	}

	var fields appendFields
	for _, fn := range optFns {
		fn(&fields)
	}
	if fields.provenance.OutputHash == nil {
		// Default provenance: strong content address of the snapshot.
		if digest, err := state.ComputeHash(v, state.AlgHighway); err == nil {
			fields.provenance.OutputHash = digest
		}
	}

	entry := &model.LogEntry{
		Vector:     vec,
		Shape:      s.contract.Tag(),
		Provenance: fields.provenance,
		Metrics:    fields.metrics,
		CreatedAt:  time.Now(),
	}

	if store := s.backend(ctx); store != nil {
		entry.ID = store.AllocateID()
		if _, err := store.Put(ctx, entry); err != nil {
			return nil, false, translateError(err)
		}
		s.buf.Append(entry)
		return entry, true, nil
	}

	entry.ID = model.EntryID(s.nextID.Add(1))
	s.buf.Append(entry)
	return entry, false, nil
}

// backend returns the paged store, initializing it on first use (whether
// that use is an append or a read of previously persisted entries). Returns
// nil in buffer mode and after a fallback.
func (s *Storage) backend(ctx context.Context) *paged.Store {
	if s.cfg.Mode != ModePaged {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inited {
		return s.store
	}
	s.inited = true

	popts := s.cfg.pagedOptions()
	popts.FS = s.opts.fsys
	popts.Logger = s.opts.logger.Logger

	store, err := paged.Open(ctx, popts)
	if err != nil {
		// Degrade silently: logged once, never surfaced.
		s.fellBack = true
		s.opts.logger.LogFallback(s.cfg.Paged.RootDir, err)
		s.opts.metrics.RecordFallback()
		return nil
	}
	s.store = store
	return store
}

// Get returns the entry with the given ID. In paged mode the read is
// verified against the page checksum; corrupted entries are unreadable and
// return a paged.CorruptionError.
func (s *Storage) Get(ctx context.Context, id model.EntryID) (*model.LogEntry, error) {
	start := time.Now()
	entry, err := s.get(ctx, id)
	s.opts.metrics.RecordGet(time.Since(start), err)
	return entry, err
}

func (s *Storage) get(ctx context.Context, id model.EntryID) (*model.LogEntry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if store := s.backend(ctx); store != nil {
		e, err := store.Get(ctx, id)
		return e, translateError(err)
	}
	if e, ok := s.buf.Get(id); ok {
		return e, nil
	}
	return nil, ErrNotFound
}

// Value reconstructs the snapshot value of an entry from its flattened
// vector and shape tag: the vector itself for scalar-vector entries, the
// original grid for grid entries.
func (s *Storage) Value(e *model.LogEntry) (state.StateValue, error) {
	return state.Restore(state.Vector(e.Vector), e.Shape)
}

// Recent returns the last k appended entries in insertion order, from the
// staging buffer. k is clamped to the buffered length.
func (s *Storage) Recent(k int) []*model.LogEntry {
	return s.buf.Recent(k)
}

// RangeByTime returns the IDs of entries created within [from, to]. Served
// by the index in paged mode, by the buffer otherwise.
func (s *Storage) RangeByTime(from, to time.Time) []model.EntryID {
	if store := s.backend(context.Background()); store != nil {
		return store.RangeByTime(from, to)
	}
	return s.buf.RangeByTime(from, to)
}

// RunGC triggers one garbage collection pass on the paged backend. A no-op
// in buffer mode. GC outcomes are logged, never returned as errors.
func (s *Storage) RunGC(ctx context.Context) {
	if store := s.activeStore(); store != nil {
		start := time.Now()
		res := store.RunGC(ctx)
		if res.Triggered {
			s.opts.logger.LogGC(res.EntriesReclaimed, res.PagesReclaimed, res.EntriesMoved, time.Since(start))
		}
	}
}

// StorageStats is a point-in-time view of the façade and its backend.
type StorageStats struct {
	Mode     Mode
	Buffered int
	FellBack bool
	Paged    *paged.Stats
}

// Stats returns current storage statistics.
func (s *Storage) Stats() StorageStats {
	stats := StorageStats{
		Mode:     s.cfg.Mode,
		Buffered: s.buf.Len(),
	}
	s.mu.Lock()
	stats.FellBack = s.fellBack
	store := s.store
	s.mu.Unlock()
	if store != nil {
		ps := store.Stats()
		stats.Paged = &ps
	}
	return stats
}

// activeStore returns the initialized paged store, or nil.
func (s *Storage) activeStore() *paged.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// Close stops background work and closes the paged backend. Idempotent.
func (s *Storage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if store := s.activeStore(); store != nil {
		return store.Close()
	}
	return nil
}
