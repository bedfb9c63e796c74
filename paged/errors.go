package paged

import (
	"errors"
	"fmt"

	"github.com/hupe1980/statelog/model"
)

var (
	// ErrCapacityExhausted is returned by Put when no block has enough
	// contiguous free pages and the store is at its configured maximum
	// size. Put never blocks or retries internally; the caller decides
	// whether to wait for a GC pass or drop the entry.
	ErrCapacityExhausted = errors.New("paged: capacity exhausted")

	// ErrNotFound is returned when an entry is not in the index.
	ErrNotFound = errors.New("paged: entry not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("paged: store closed")

	// ErrEntryTooLarge is returned when an encoded entry does not fit in a
	// single block.
	ErrEntryTooLarge = errors.New("paged: entry larger than one block")
)

// errPageOwnerMismatch marks a CorruptionError whose page header names a
// different entry than the index. The index is out of step with the pages
// and must be rebuilt by the recovery scan.
var errPageOwnerMismatch = errors.New("paged: page owner mismatch")

// CorruptionError indicates that page contents disagree with the index or
// with their own checksum. The affected entry is unreadable; the store
// itself stays usable and a recovery scan can rebuild the index from the
// surviving page headers.
type CorruptionError struct {
	EntryID model.EntryID
	Page    uint64
	Detail  string
	cause   error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption detected: entry %d page %d: %s", e.EntryID, e.Page, e.Detail)
}

func (e *CorruptionError) Unwrap() error { return e.cause }

// IsCorruption reports whether err is (or wraps) a CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}
