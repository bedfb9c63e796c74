// Package statelog provides an embedded, dense-state log storage engine for Go.
//
// Statelog captures numeric state snapshots (flat vectors or N-dimensional
// grids), validates them against a shape contract, and stores them as
// immutable log entries. Two backends are available:
//
//   - Buffer mode: a bounded in-memory ring that overwrites the oldest entry
//   - Paged mode: a page-oriented, checksummed on-disk store with an
//     allocation bitmap, a journaled index, LRU-ranked garbage collection
//     with compaction, and full recovery from raw pages
//
// # Quick Start
//
// In-memory ring buffer:
//
//	ctx := context.Background()
//	log, _ := statelog.New(statelog.DefaultConfig())
//	entry, _ := log.Append(ctx, state.Vector{0.1, 0.2, 0.3})
//	recent := log.Recent(10)
//
// Persistent paged store:
//
//	cfg := statelog.DefaultConfig()
//	cfg.Mode = statelog.ModePaged
//	cfg.Paged.RootDir = "./data"
//	log, _ := statelog.New(cfg, statelog.WithLogger(statelog.NewTextLogger(slog.LevelInfo)))
//	defer log.Close()
//
//	entry, err := log.Append(ctx, state.Vector{0.1, 0.2, 0.3})
//	got, err := log.Get(ctx, entry.ID)
//
// Grid-shaped state with a contract:
//
//	cfg.Grid = &statelog.GridConfig{Shape: []int{4, 8}, FlattenOrder: "column_major"}
//	grid, _ := state.NewGrid([]int{4, 8}, model.ColumnMajor, data)
//	entry, _ := log.Append(ctx, grid)
//	value, _ := log.Value(entry) // reconstructs the original grid exactly
//
// # Durability and Degradation
//
// The paged backend is created lazily on the first Append. If it cannot be
// created (unwritable directory, corrupt metadata that recovery cannot fix),
// the failure is logged once and the log degrades to buffer-only mode for
// the rest of the process; appends keep working. When the store fills up and
// garbage collection cannot free enough pages, Append returns
// ErrCapacityExhausted immediately rather than blocking.
//
// Entries are persisted with CRC32-C checksums on header and payload.
// Payloads are optionally compressed (LZ4 or Zstandard) with automatic
// fallback to raw storage when compression does not help. Reads verify
// checksums and fail with a CorruptionError instead of returning bad data.
package statelog
