// Package model defines the shared types of the statelog storage engine:
// entry identifiers, the immutable log entry, shape tags and page ranges.
//
// The package is a leaf: it must not import any other statelog package.
package model

import (
	"fmt"
	"time"
)

// EntryID is a dense, monotonically increasing identifier for a log entry.
// IDs are assigned once at append time and never reused.
type EntryID uint64

// Order is the traversal convention used to linearize a grid into a vector.
type Order uint8

const (
	// RowMajor linearizes with the last axis varying fastest (C order).
	RowMajor Order = iota
	// ColumnMajor linearizes with the first axis varying fastest (Fortran order).
	ColumnMajor
)

func (o Order) String() string {
	switch o {
	case RowMajor:
		return "row"
	case ColumnMajor:
		return "column"
	default:
		return fmt.Sprintf("order(%d)", uint8(o))
	}
}

// ShapeKind discriminates the closed set of shape contracts.
type ShapeKind uint8

const (
	// KindVector tags a flat scalar-vector snapshot.
	KindVector ShapeKind = iota
	// KindGrid tags a multi-dimensional grid snapshot.
	KindGrid
)

// ShapeTag records how an entry's flattened vector maps back to its
// original shape. For KindVector, Shape and FlattenOrder are unused.
type ShapeTag struct {
	Kind         ShapeKind
	Shape        []int
	FlattenOrder Order
}

// Provenance carries the caller-supplied content hashes of the snapshot's
// input and output. Both are opaque digests; the engine never interprets them.
type Provenance struct {
	InputHash  []byte
	OutputHash []byte
}

// PageRange is an opaque storage reference: a contiguous run of pages
// holding one entry's record.
type PageRange struct {
	First uint64
	Count uint32
}

// End returns the first page after the range.
func (r PageRange) End() uint64 { return r.First + uint64(r.Count) }

// Overlaps reports whether two ranges share any page.
func (r PageRange) Overlaps(o PageRange) bool {
	return r.First < o.End() && o.First < r.End()
}

// LogEntry is one durable state snapshot. Entries are immutable after
// creation; the only field written later is the storage reference, which the
// persisting backend fills in exactly once.
type LogEntry struct {
	ID         EntryID
	Vector     []float32
	Shape      ShapeTag
	Provenance Provenance
	Metrics    map[string]float64
	CreatedAt  time.Time

	ref *PageRange
}

// SetRef records the storage location of a persisted entry. It returns false
// if a reference was already set; the first write always wins.
func (e *LogEntry) SetRef(r PageRange) bool {
	if e.ref != nil {
		return false
	}
	e.ref = &r
	return true
}

// Ref returns the storage reference and whether the entry has been persisted.
func (e *LogEntry) Ref() (PageRange, bool) {
	if e.ref == nil {
		return PageRange{}, false
	}
	return *e.ref, true
}
