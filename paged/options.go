package paged

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hupe1980/statelog/internal/fs"
)

// Default geometry and policy values.
const (
	DefaultPageBytes    = 4096
	DefaultBlockPages   = 256
	DefaultMaxBlocks    = 1024
	DefaultGCThreshold  = 0.35
	DefaultGCInterval   = 30 * time.Second
	DefaultGCMaxVictims = 64
	DefaultGCPassBudget = 200 * time.Millisecond
	DefaultCacheEntries = 256
)

// Options configures a Store. The zero value plus RootDir is usable;
// setDefaults fills the rest.
type Options struct {
	// RootDir is the store root directory. Required.
	RootDir string

	// PageBytes is the fixed page size. Fixed at store creation.
	PageBytes int

	// BlockPages is the number of pages per block. Fixed at store creation.
	BlockPages int

	// MaxBlocks caps the store size at MaxBlocks*BlockPages pages.
	MaxBlocks int

	// Compression is the page payload codec.
	Compression Compression

	// GCThreshold is the occupancy fraction that triggers garbage
	// collection. Must be in (0, 1).
	GCThreshold float64

	// GCInterval is the background GC poll interval. Zero disables the
	// background loop; RunGC can still be called explicitly.
	GCInterval time.Duration

	// GCMaxVictims bounds the victims reclaimed per pass.
	GCMaxVictims int

	// GCPassBudget bounds the wall-clock time of one pass.
	GCPassBudget time.Duration

	// GCIOBytesPerSec paces compaction IO. Zero means unpaced.
	GCIOBytesPerSec int

	// CacheEntries sizes the decoded-entry read cache. Zero disables it.
	CacheEntries int

	// FS overrides the file system, for fault-injection tests.
	FS fs.FileSystem

	// Logger receives store and GC events. Nil discards.
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.PageBytes <= 0 {
		o.PageBytes = DefaultPageBytes
	}
	if o.BlockPages <= 0 {
		o.BlockPages = DefaultBlockPages
	}
	if o.MaxBlocks <= 0 {
		o.MaxBlocks = DefaultMaxBlocks
	}
	if o.GCThreshold <= 0 || o.GCThreshold >= 1 {
		o.GCThreshold = DefaultGCThreshold
	}
	if o.GCInterval < 0 {
		o.GCInterval = 0
	}
	if o.GCMaxVictims <= 0 {
		o.GCMaxVictims = DefaultGCMaxVictims
	}
	if o.GCPassBudget <= 0 {
		o.GCPassBudget = DefaultGCPassBudget
	}
	if o.FS == nil {
		o.FS = fs.Default
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

func (o Options) validate() error {
	if o.RootDir == "" {
		return fmt.Errorf("paged: RootDir is required")
	}
	if o.PageBytes < recordHeaderSize+1 {
		return fmt.Errorf("paged: PageBytes %d too small for a record header", o.PageBytes)
	}
	switch o.Compression {
	case CompressionNone, CompressionLZ4, CompressionZstd:
	default:
		return fmt.Errorf("paged: unknown compression codec %d", o.Compression)
	}
	return nil
}
