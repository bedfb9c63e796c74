package paged

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hupe1980/statelog/internal/fs"
	"github.com/hupe1980/statelog/model"
)

// blockManager owns the block files under blocks/. One block per file, each
// preallocated to its full fixed size so page offsets never move.
type blockManager struct {
	fsys       fs.FileSystem
	dir        string
	pageBytes  uint32
	blockPages uint32

	mu    sync.Mutex
	files map[uint32]fs.File
}

func newBlockManager(fsys fs.FileSystem, dir string, pageBytes, blockPages uint32) *blockManager {
	return &blockManager{
		fsys:       fsys,
		dir:        dir,
		pageBytes:  pageBytes,
		blockPages: blockPages,
		files:      make(map[uint32]fs.File),
	}
}

func (m *blockManager) path(block uint32) string {
	return filepath.Join(m.dir, fmt.Sprintf("B-%06d.blk", block))
}

func (m *blockManager) blockSize() int64 {
	return int64(m.pageBytes) * int64(m.blockPages)
}

// ensure opens (creating and preallocating if needed) the file for a block.
func (m *blockManager) ensure(block uint32) (fs.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.files[block]; ok {
		return f, nil
	}
	f, err := m.fsys.OpenFile(m.path(block), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() != m.blockSize() {
		if err := f.Truncate(m.blockSize()); err != nil {
			f.Close()
			return nil, err
		}
	}
	m.files[block] = f
	return f, nil
}

func (m *blockManager) blockOf(page uint64) uint32 {
	return uint32(page / uint64(m.blockPages))
}

// writeRange writes data to the pages of r. The range must lie inside one
// block and data must cover it exactly.
func (m *blockManager) writeRange(r model.PageRange, data []byte) error {
	if len(data) != int(r.Count)*int(m.pageBytes) {
		return fmt.Errorf("paged: write of %d bytes does not cover %d pages", len(data), r.Count)
	}
	block := m.blockOf(r.First)
	if m.blockOf(r.End()-1) != block {
		return fmt.Errorf("paged: page range %d+%d crosses block boundary", r.First, r.Count)
	}
	f, err := m.ensure(block)
	if err != nil {
		return err
	}
	off := int64(r.First%uint64(m.blockPages)) * int64(m.pageBytes)
	_, err = f.WriteAt(data, off)
	return err
}

// syncRange fsyncs the block file holding r.
func (m *blockManager) syncRange(r model.PageRange) error {
	f, err := m.ensure(m.blockOf(r.First))
	if err != nil {
		return err
	}
	return f.Sync()
}

// readRange reads the raw bytes of the pages of r.
func (m *blockManager) readRange(r model.PageRange) ([]byte, error) {
	block := m.blockOf(r.First)
	if r.Count == 0 || m.blockOf(r.End()-1) != block {
		return nil, fmt.Errorf("paged: invalid page range %d+%d", r.First, r.Count)
	}
	f, err := m.ensure(block)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, int(r.Count)*int(m.pageBytes))
	off := int64(r.First%uint64(m.blockPages)) * int64(m.pageBytes)
	if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// list returns the block numbers present on disk, ascending.
func (m *blockManager) list() ([]uint32, error) {
	entries, err := m.fsys.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var blocks []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "B-") || !strings.HasSuffix(name, ".blk") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "B-"), ".blk"), 10, 32)
		if err != nil {
			continue
		}
		blocks = append(blocks, uint32(n))
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	return blocks, nil
}

func (m *blockManager) closeAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, f := range m.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.files = make(map[uint32]fs.File)
	return firstErr
}
