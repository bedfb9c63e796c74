package statelog

import (
	"fmt"
	"time"

	"github.com/hupe1980/statelog/model"
	"github.com/hupe1980/statelog/paged"
	"github.com/hupe1980/statelog/ringbuf"
	"github.com/hupe1980/statelog/state"
)

// Mode selects the storage backend.
type Mode string

const (
	// ModeBuffer keeps entries only in the bounded in-memory ring buffer.
	ModeBuffer Mode = "buffer"
	// ModePaged persists entries to the page-organized store.
	ModePaged Mode = "paged"
)

// GridConfig declares a grid shape contract. When nil, the contract is a
// flat scalar vector.
type GridConfig struct {
	// Shape is the fixed grid shape, e.g. [8, 8, 8].
	Shape []int
	// FlattenOrder is the linearization convention, model.RowMajor or
	// model.ColumnMajor.
	FlattenOrder model.Order
}

// PagedConfig configures the persistent backend.
type PagedConfig struct {
	// RootDir is the store root directory. Required in ModePaged.
	RootDir string
	// PageBytes is the page size (default 4096).
	PageBytes int
	// BlockPages is the pages-per-block count (default 256).
	BlockPages int
	// MaxBlocks caps total store size (default 1024 blocks).
	MaxBlocks int
	// Compression names the payload codec: "none", "lz4" or "zstd".
	Compression string
	// Checksum names the page checksum algorithm. Only "crc32c" is
	// supported; the empty string means crc32c.
	Checksum string
	// GCThreshold is the occupancy fraction triggering GC (default 0.35).
	GCThreshold float64
	// GCInterval is the background GC poll interval. Zero uses the
	// default; negative disables the background loop.
	GCInterval time.Duration
	// GCMaxVictims bounds victims per GC pass.
	GCMaxVictims int
	// GCPassBudget bounds the wall-clock time of one GC pass.
	GCPassBudget time.Duration
	// GCIOBytesPerSec paces compaction IO. Zero means unpaced.
	GCIOBytesPerSec int
	// CacheEntries sizes the decoded-entry read cache.
	CacheEntries int
}

// BufferConfig configures the ring buffer.
type BufferConfig struct {
	// MaxEntries is the buffer capacity (default 1000).
	MaxEntries int
}

// Config is the caller-facing configuration of a Storage.
type Config struct {
	// Mode selects buffer-only or paged persistence.
	Mode Mode
	// VectorDim pins the vector length for scalar-vector contracts.
	// Zero accepts any length.
	VectorDim int
	// Grid switches the contract to a grid of the given shape.
	Grid *GridConfig
	// AllowNonFinite permits NaN/Inf elements in snapshots.
	AllowNonFinite bool
	// Paged configures the persistent backend (ModePaged only).
	Paged PagedConfig
	// Buffer configures the ring buffer.
	Buffer BufferConfig
}

// DefaultConfig returns a buffer-mode configuration with the documented
// defaults.
func DefaultConfig() Config {
	return Config{
		Mode: ModeBuffer,
		Paged: PagedConfig{
			PageBytes:   paged.DefaultPageBytes,
			BlockPages:  paged.DefaultBlockPages,
			MaxBlocks:   paged.DefaultMaxBlocks,
			Compression: "zstd",
			Checksum:    "crc32c",
			GCThreshold: paged.DefaultGCThreshold,
			GCInterval:  paged.DefaultGCInterval,
		},
		Buffer: BufferConfig{MaxEntries: ringbuf.DefaultMaxEntries},
	}
}

// Validate checks the configuration. Contract errors surface here, at
// construction time, never at append time.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeBuffer, ModePaged:
	default:
		return fmt.Errorf("statelog: unknown mode %q", c.Mode)
	}
	if c.Mode == ModePaged && c.Paged.RootDir == "" {
		return fmt.Errorf("statelog: paged mode requires Paged.RootDir")
	}
	if c.Paged.GCThreshold != 0 && (c.Paged.GCThreshold <= 0 || c.Paged.GCThreshold >= 1) {
		return fmt.Errorf("statelog: GCThreshold must be in (0, 1), got %v", c.Paged.GCThreshold)
	}
	if _, ok := paged.CompressionByName(c.Paged.Compression); !ok {
		return fmt.Errorf("statelog: unknown compression %q", c.Paged.Compression)
	}
	if c.Paged.Checksum != "" && c.Paged.Checksum != "crc32c" {
		return fmt.Errorf("statelog: unsupported checksum %q", c.Paged.Checksum)
	}
	if _, err := c.contract(); err != nil {
		return err
	}
	return nil
}

// contract builds the shape contract declared by the configuration.
func (c Config) contract() (state.Contract, error) {
	if c.Grid == nil {
		return state.VectorContract{Dim: c.VectorDim, AllowNonFinite: c.AllowNonFinite}, nil
	}
	return state.NewGridContract(c.Grid.Shape, c.Grid.FlattenOrder, c.AllowNonFinite)
}

// pagedOptions maps the configuration to backend options.
func (c Config) pagedOptions() paged.Options {
	compression, _ := paged.CompressionByName(c.Paged.Compression)
	interval := c.Paged.GCInterval
	switch {
	case interval == 0:
		interval = paged.DefaultGCInterval
	case interval < 0:
		interval = 0 // background loop disabled
	}
	return paged.Options{
		RootDir:         c.Paged.RootDir,
		PageBytes:       c.Paged.PageBytes,
		BlockPages:      c.Paged.BlockPages,
		MaxBlocks:       c.Paged.MaxBlocks,
		Compression:     compression,
		GCThreshold:     c.Paged.GCThreshold,
		GCInterval:      interval,
		GCMaxVictims:    c.Paged.GCMaxVictims,
		GCPassBudget:    c.Paged.GCPassBudget,
		GCIOBytesPerSec: c.Paged.GCIOBytesPerSec,
		CacheEntries:    c.Paged.CacheEntries,
	}
}
