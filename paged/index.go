package paged

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/statelog/internal/fs"
	"github.com/hupe1980/statelog/model"
)

// The index maps entry IDs to page ranges. It is persisted as a binary
// snapshot plus an append-only journal:
//
//	manifests/INDEX-%06d.bin   snapshot (magic, version, CRC framed)
//	manifests/CURRENT          name of the current snapshot
//	manifests/index.log        CRC-framed add/remove/update records
//
// Put appends an add record and fsyncs it before returning, which is the
// durability point of a write. Snapshots fold the journal in; the journal is
// truncated afterwards. A torn journal tail is truncated on replay.
//
// The index locates content; the journal decides commit membership. When
// index and pages disagree, the store falls back to the recovery scan, which
// trusts the pages wholesale only if the index itself is lost or damaged.
//
// Last-access timestamps feed the GC's LRU policy. They are updated in
// memory on every read but persisted only with snapshots; losing recent
// access times in a crash is accepted.

const (
	indexMagic   = uint32(0x534C4958) // "SLIX"
	indexVersion = uint32(1)

	currentFileName = "CURRENT"
	journalFileName = "index.log"

	journalAdd    = uint8(1)
	journalRemove = uint8(2)
	journalUpdate = uint8(3)

	// journal framing: CRC32C (4) + type (1) + payload length (4)
	journalFrameSize = 9

	indexRowSize = 8 + 8 + 4 + 8 + 8

	// maxJournalPayload guards replay against garbage lengths.
	maxJournalPayload = 1 << 20
)

type indexRow struct {
	ID         model.EntryID
	Range      model.PageRange
	CreatedAt  int64 // UnixNano
	LastAccess int64 // UnixNano
}

type index struct {
	fsys fs.FileSystem
	dir  string

	mu         sync.RWMutex
	rows       map[model.EntryID]*indexRow
	nextID     uint64
	snapshotID uint64
	journal    fs.File
	journalLen int64
	damaged    bool // journal replay hit a non-truncatable inconsistency
	fresh      bool // neither snapshot nor journal existed on open
}

// openIndex loads the snapshot named by CURRENT, replays the journal on top
// and opens the journal for append.
func openIndex(fsys fs.FileSystem, dir string) (*index, error) {
	idx := &index{
		fsys: fsys,
		dir:  dir,
		rows: make(map[model.EntryID]*indexRow),
	}

	snapshotMissing := false
	if err := idx.loadSnapshot(); err != nil {
		// A missing snapshot means a fresh store; anything else marks the
		// index damaged so the store runs the recovery scan.
		if os.IsNotExist(err) {
			snapshotMissing = true
		} else {
			idx.damaged = true
		}
	}
	journalExisted, err := idx.replayJournal()
	if err != nil {
		idx.damaged = true
	}
	idx.fresh = snapshotMissing && !journalExisted && !idx.damaged

	journal, err := fsys.OpenFile(filepath.Join(dir, journalFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := journal.Stat()
	if err != nil {
		journal.Close()
		return nil, err
	}
	// Drop any torn tail found during replay.
	if idx.journalLen < info.Size() {
		if err := journal.Truncate(idx.journalLen); err != nil {
			journal.Close()
			return nil, err
		}
	}
	idx.journal = journal
	return idx, nil
}

func (idx *index) isDamaged() bool { return idx.damaged }

// isFresh reports that neither a snapshot nor a journal existed on open. A
// fresh index next to existing block files means the manifests were lost.
func (idx *index) isFresh() bool { return idx.fresh }

// nextEntryID hands out the next dense entry ID.
func (idx *index) nextEntryID() model.EntryID {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.nextID++
	return model.EntryID(idx.nextID)
}

// add registers a new entry and appends+fsyncs its journal record. Only
// after the fsync succeeds is the entry committed.
func (idx *index) add(row indexRow) error {
	payload := make([]byte, indexRowSize)
	encodeIndexRow(payload, row)
	if err := idx.appendJournal(journalAdd, payload); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	r := row
	idx.rows[row.ID] = &r
	if uint64(row.ID) > idx.nextID {
		idx.nextID = uint64(row.ID)
	}
	return nil
}

// remove drops an entry. Used only by the garbage collector.
func (idx *index) remove(id model.EntryID) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(id))
	if err := idx.appendJournal(journalRemove, payload); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.rows, id)
	return nil
}

// update rewrites an entry's page range after compaction moved it.
func (idx *index) update(id model.EntryID, r model.PageRange) error {
	idx.mu.RLock()
	row, ok := idx.rows[id]
	if !ok {
		idx.mu.RUnlock()
		return ErrNotFound
	}
	updated := *row
	updated.Range = r
	idx.mu.RUnlock()

	payload := make([]byte, indexRowSize)
	encodeIndexRow(payload, updated)
	if err := idx.appendJournal(journalUpdate, payload); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if row, ok := idx.rows[id]; ok {
		row.Range = r
	}
	return nil
}

// lookup returns the page range of an entry.
func (idx *index) lookup(id model.EntryID) (model.PageRange, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	row, ok := idx.rows[id]
	if !ok {
		return model.PageRange{}, false
	}
	return row.Range, true
}

// touch updates the in-memory last-access timestamp for LRU ranking.
func (idx *index) touch(id model.EntryID) {
	now := time.Now().UnixNano()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if row, ok := idx.rows[id]; ok {
		row.LastAccess = now
	}
}

// rangeByTime returns the IDs of entries created within [from, to], ordered
// by creation time.
func (idx *index) rangeByTime(from, to time.Time) []model.EntryID {
	lo, hi := from.UnixNano(), to.UnixNano()

	idx.mu.RLock()
	matched := make([]*indexRow, 0)
	for _, row := range idx.rows {
		if row.CreatedAt >= lo && row.CreatedAt <= hi {
			matched = append(matched, row)
		}
	}
	idx.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt < matched[j].CreatedAt
		}
		return matched[i].ID < matched[j].ID
	})
	out := make([]model.EntryID, len(matched))
	for i, row := range matched {
		out[i] = row.ID
	}
	return out
}

// rowsByLastAccess returns a copy of all rows, least recently accessed
// first. This is the GC's victim ranking.
func (idx *index) rowsByLastAccess() []indexRow {
	idx.mu.RLock()
	rows := make([]indexRow, 0, len(idx.rows))
	for _, row := range idx.rows {
		rows = append(rows, *row)
	}
	idx.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].LastAccess != rows[j].LastAccess {
			return rows[i].LastAccess < rows[j].LastAccess
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

// snapshotRows returns a copy of all rows in page order.
func (idx *index) snapshotRows() []indexRow {
	idx.mu.RLock()
	rows := make([]indexRow, 0, len(idx.rows))
	for _, row := range idx.rows {
		rows = append(rows, *row)
	}
	idx.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Range.First < rows[j].Range.First })
	return rows
}

func (idx *index) count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.rows)
}

// replaceAll swaps in a freshly rebuilt row set. Used by the recovery scan.
// The ID counter never regresses, so IDs handed out before the scan are not
// reissued within the process.
func (idx *index) replaceAll(rows []indexRow, nextID uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.rows = make(map[model.EntryID]*indexRow, len(rows))
	for _, row := range rows {
		r := row
		idx.rows[row.ID] = &r
	}
	if nextID > idx.nextID {
		idx.nextID = nextID
	}
	idx.damaged = false
	idx.fresh = false
}

func (idx *index) close() error {
	if idx.journal != nil {
		return idx.journal.Close()
	}
	return nil
}

// appendJournal frames, appends and fsyncs one journal record.
func (idx *index) appendJournal(typ uint8, payload []byte) error {
	if idx.journal == nil {
		return ErrClosed
	}

	frame := make([]byte, journalFrameSize+len(payload))
	frame[4] = typ
	binary.LittleEndian.PutUint32(frame[5:9], uint32(len(payload)))
	copy(frame[journalFrameSize:], payload)
	binary.LittleEndian.PutUint32(frame[0:4], crc32.Checksum(frame[4:], crc32cTable))

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, err := idx.journal.Write(frame); err != nil {
		return err
	}
	if err := idx.journal.Sync(); err != nil {
		return err
	}
	idx.journalLen += int64(len(frame))
	return nil
}

// replayJournal applies journal records on top of the loaded snapshot and
// records the offset of the last intact record. A torn or corrupt tail stops
// replay; everything before it remains applied. The bool reports whether a
// journal file existed at all.
func (idx *index) replayJournal() (bool, error) {
	path := filepath.Join(idx.dir, journalFileName)
	f, err := idx.fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return true, err
	}
	data := make([]byte, info.Size())
	if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
		return true, err
	}

	var off int64
	torn := false
	for int(off)+journalFrameSize <= len(data) {
		frame := data[off:]
		sum := binary.LittleEndian.Uint32(frame[0:4])
		typ := frame[4]
		length := binary.LittleEndian.Uint32(frame[5:9])
		if length > maxJournalPayload || int(off)+journalFrameSize+int(length) > len(data) {
			torn = true
			break
		}
		record := frame[4 : journalFrameSize+length]
		if crc32.Checksum(record, crc32cTable) != sum {
			torn = true
			break
		}
		payload := frame[journalFrameSize : journalFrameSize+length]

		switch typ {
		case journalAdd, journalUpdate:
			if len(payload) != indexRowSize {
				idx.journalLen = off
				return true, fmt.Errorf("paged: malformed journal row of %d bytes", len(payload))
			}
			row := decodeIndexRow(payload)
			r := row
			idx.rows[row.ID] = &r
			if uint64(row.ID) > idx.nextID {
				idx.nextID = uint64(row.ID)
			}
		case journalRemove:
			if len(payload) != 8 {
				idx.journalLen = off
				return true, fmt.Errorf("paged: malformed journal remove of %d bytes", len(payload))
			}
			delete(idx.rows, model.EntryID(binary.LittleEndian.Uint64(payload)))
		default:
			idx.journalLen = off
			return true, fmt.Errorf("paged: unknown journal record type %d", typ)
		}
		off += int64(journalFrameSize) + int64(length)
	}
	idx.journalLen = off

	// A torn tail is the expected crash artifact and is simply truncated.
	// Intact records AFTER the bad region mean mid-journal corruption, which
	// would silently drop committed entries; that is damage.
	if torn && hasIntactRecordAfter(data, off) {
		return true, fmt.Errorf("paged: journal corrupted at offset %d with intact records after it", off)
	}
	return true, nil
}

// hasIntactRecordAfter scans [from, end) for any offset holding a record that
// frames and checksums correctly.
func hasIntactRecordAfter(data []byte, from int64) bool {
	for off := from + 1; int(off)+journalFrameSize <= len(data); off++ {
		frame := data[off:]
		length := binary.LittleEndian.Uint32(frame[5:9])
		if length > maxJournalPayload || int(off)+journalFrameSize+int(length) > len(data) {
			continue
		}
		sum := binary.LittleEndian.Uint32(frame[0:4])
		if crc32.Checksum(frame[4:journalFrameSize+length], crc32cTable) == sum {
			return true
		}
	}
	return false
}

// saveSnapshot writes a new snapshot (temp file + rename), repoints CURRENT
// and truncates the journal.
func (idx *index) saveSnapshot() error {
	idx.mu.Lock()
	rows := make([]indexRow, 0, len(idx.rows))
	for _, row := range idx.rows {
		rows = append(rows, *row)
	}
	nextID := idx.nextID
	idx.snapshotID++
	snapshotID := idx.snapshotID
	idx.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	payload := make([]byte, 8+4+len(rows)*indexRowSize)
	binary.LittleEndian.PutUint64(payload[0:8], nextID)
	binary.LittleEndian.PutUint32(payload[8:12], uint32(len(rows)))
	for i, row := range rows {
		encodeIndexRow(payload[12+i*indexRowSize:], row)
	}

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], indexMagic)
	binary.LittleEndian.PutUint32(header[4:8], indexVersion)
	binary.LittleEndian.PutUint32(header[8:12], crc32.Checksum(payload, crc32cTable))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))

	name := fmt.Sprintf("INDEX-%06d.bin", snapshotID)
	path := filepath.Join(idx.dir, name)
	tmp := path + ".tmp"

	f, err := idx.fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(header); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := idx.fsys.Rename(tmp, path); err != nil {
		return err
	}

	// Repoint CURRENT, then fold the journal into the snapshot.
	currentPath := filepath.Join(idx.dir, currentFileName)
	currentTmp := currentPath + ".tmp"
	cf, err := idx.fsys.OpenFile(currentTmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := cf.Write([]byte(name)); err != nil {
		cf.Close()
		return err
	}
	if err := cf.Sync(); err != nil {
		cf.Close()
		return err
	}
	if err := cf.Close(); err != nil {
		return err
	}
	if err := idx.fsys.Rename(currentTmp, currentPath); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.journal != nil {
		if err := idx.journal.Truncate(0); err != nil {
			return err
		}
		idx.journalLen = 0
	}
	if snapshotID > 1 {
		// Best effort: stale snapshots are garbage, not state.
		_ = idx.fsys.Remove(filepath.Join(idx.dir, fmt.Sprintf("INDEX-%06d.bin", snapshotID-1)))
	}
	return nil
}

// loadSnapshot reads the snapshot named by CURRENT.
func (idx *index) loadSnapshot() error {
	current, err := idx.fsys.OpenFile(filepath.Join(idx.dir, currentFileName), os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	info, err := current.Stat()
	if err != nil {
		current.Close()
		return err
	}
	nameBuf := make([]byte, info.Size())
	if _, err := current.ReadAt(nameBuf, 0); err != nil && err != io.EOF {
		current.Close()
		return err
	}
	current.Close()

	name := string(nameBuf)
	f, err := idx.fsys.OpenFile(filepath.Join(idx.dir, name), os.O_RDONLY, 0)
	if err != nil {
		// CURRENT points at a snapshot that is gone: that is damage, not a
		// fresh store.
		return fmt.Errorf("paged: snapshot %s unreadable: %w", name, err)
	}
	defer f.Close()

	finfo, err := f.Stat()
	if err != nil {
		return err
	}
	data := make([]byte, finfo.Size())
	if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
		return err
	}

	if len(data) < 16 {
		return io.ErrUnexpectedEOF
	}
	if binary.LittleEndian.Uint32(data[0:4]) != indexMagic {
		return fmt.Errorf("paged: invalid index snapshot magic")
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != indexVersion {
		return fmt.Errorf("paged: unsupported index snapshot version %d", v)
	}
	sum := binary.LittleEndian.Uint32(data[8:12])
	length := binary.LittleEndian.Uint32(data[12:16])
	if int(length)+16 > len(data) {
		return io.ErrUnexpectedEOF
	}
	payload := data[16 : 16+length]
	if crc32.Checksum(payload, crc32cTable) != sum {
		return fmt.Errorf("paged: index snapshot checksum mismatch")
	}
	if len(payload) < 12 {
		return io.ErrUnexpectedEOF
	}

	nextID := binary.LittleEndian.Uint64(payload[0:8])
	count := binary.LittleEndian.Uint32(payload[8:12])
	if int(count)*indexRowSize+12 > len(payload) {
		return io.ErrUnexpectedEOF
	}

	rows := make(map[model.EntryID]*indexRow, count)
	for i := 0; i < int(count); i++ {
		row := decodeIndexRow(payload[12+i*indexRowSize:])
		r := row
		rows[row.ID] = &r
	}

	idx.rows = rows
	idx.nextID = nextID

	// Continue numbering after the loaded snapshot.
	var snapID uint64
	if _, err := fmt.Sscanf(name, "INDEX-%06d.bin", &snapID); err == nil {
		idx.snapshotID = snapID
	}
	return nil
}

func encodeIndexRow(buf []byte, row indexRow) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(row.ID))
	binary.LittleEndian.PutUint64(buf[8:16], row.Range.First)
	binary.LittleEndian.PutUint32(buf[16:20], row.Range.Count)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(row.CreatedAt))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(row.LastAccess))
}

func decodeIndexRow(buf []byte) indexRow {
	return indexRow{
		ID:         model.EntryID(binary.LittleEndian.Uint64(buf[0:8])),
		Range:      model.PageRange{First: binary.LittleEndian.Uint64(buf[8:16]), Count: binary.LittleEndian.Uint32(buf[16:20])},
		CreatedAt:  int64(binary.LittleEndian.Uint64(buf[20:28])),
		LastAccess: int64(binary.LittleEndian.Uint64(buf[28:36])),
	}
}
