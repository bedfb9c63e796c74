package paged

import (
	"context"
	"hash/crc32"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/statelog/model"
)

// Recover reconciles the index with the self-describing page headers. While
// the index is intact it stays the commit authority: a valid record it does
// not confirm is an orphan of a crash between the page write and the index
// flush, or a stale copy left behind by compaction or reclamation, and its
// pages stay free. Only when the index is lost or damaged are the pages
// trusted wholesale and the index rebuilt from them.
//
// Running Recover on a consistent store is idempotent: it produces the same
// entry set and page ranges the index already has.
func (s *Store) Recover(ctx context.Context) error {
	return s.recoverScan(ctx, !s.idx.isDamaged() && !s.idx.isFresh())
}

func (s *Store) recoverScan(ctx context.Context, trustIndex bool) error {
	if s.closed.Load() {
		return ErrClosed
	}

	blocks, err := s.blocks.list()
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		rows []indexRow
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, block := range blocks {
		block := block
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			found, err := s.scanBlock(block)
			if err != nil {
				return err
			}
			mu.Lock()
			rows = append(rows, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var (
		kept  []indexRow
		maxID uint64
	)
	if trustIndex {
		// The index decides what is committed. A record it does not confirm
		// never reached its index flush and must not be promoted; its pages
		// stay free. A committed row whose record no longer verifies is
		// unreadable and dropped.
		committed := make(map[model.EntryID]indexRow, s.idx.count())
		for _, row := range s.idx.snapshotRows() {
			committed[row.ID] = row
		}
		confirmed := make(map[model.EntryID]bool, len(committed))
		for _, row := range rows {
			have, ok := committed[row.ID]
			if !ok || have.Range != row.Range {
				s.opts.Logger.Warn("uncommitted record during recovery, pages stay free",
					"entry", uint64(row.ID), "page", row.Range.First)
				continue
			}
			confirmed[row.ID] = true
			kept = append(kept, have)
			if uint64(row.ID) > maxID {
				maxID = uint64(row.ID)
			}
		}
		for id := range committed {
			if !confirmed[id] {
				s.opts.Logger.Warn("committed entry failed page verification, dropping",
					"entry", uint64(id))
			}
		}
	} else {
		// No trustworthy index. An interrupted compaction can leave the same
		// entry at two locations with identical content; keep the lowest
		// copy, the other pages stay free.
		sort.Slice(rows, func(i, j int) bool { return rows[i].Range.First < rows[j].Range.First })
		seen := make(map[model.EntryID]bool, len(rows))
		for _, row := range rows {
			if seen[row.ID] {
				s.opts.Logger.Warn("duplicate record during recovery, discarding higher copy",
					"entry", uint64(row.ID), "page", row.Range.First)
				continue
			}
			seen[row.ID] = true
			kept = append(kept, row)
			if uint64(row.ID) > maxID {
				maxID = uint64(row.ID)
			}
		}
	}

	var blockCount uint32
	if n := len(blocks); n > 0 {
		blockCount = blocks[n-1] + 1
	}
	s.alloc.reset(blockCount)
	for _, row := range kept {
		s.alloc.markUsed(row.Range)
	}
	s.idx.replaceAll(kept, maxID)
	if s.cache != nil {
		s.cache.Purge()
	}

	if err := s.idx.saveSnapshot(); err != nil {
		return err
	}
	s.opts.Logger.Info("recovery scan complete", "blocks", len(blocks), "entries", len(kept))
	return nil
}

// scanBlock walks one block page by page. A page either starts a valid
// record (header magic, header CRC and payload CRC all check out), in which
// case the scan skips the record's page run, or it is treated as free space.
func (s *Store) scanBlock(block uint32) ([]indexRow, error) {
	blockPages := uint32(s.opts.BlockPages)
	pageBytes := s.opts.PageBytes
	base := uint64(block) * uint64(blockPages)

	data, err := s.blocks.readRange(model.PageRange{First: base, Count: blockPages})
	if err != nil {
		return nil, err
	}

	var rows []indexRow
	for p := uint32(0); p < blockPages; {
		off := int(p) * pageBytes
		hdr, err := decodeRecordHeader(data[off:])
		if err != nil {
			p++
			continue
		}
		if hdr.pageCount == 0 || p+hdr.pageCount > blockPages ||
			int(hdr.payloadLen) > int(hdr.pageCount)*pageBytes-recordHeaderSize {
			p++
			continue
		}
		payload := data[off+recordHeaderSize : off+recordHeaderSize+int(hdr.payloadLen)]
		if crc32.Checksum(payload, crc32cTable) != hdr.checksum {
			p++
			continue
		}
		rows = append(rows, indexRow{
			ID:         hdr.entryID,
			Range:      model.PageRange{First: base + uint64(p), Count: hdr.pageCount},
			CreatedAt:  hdr.createdAt,
			LastAccess: hdr.createdAt,
		})
		p += hdr.pageCount
	}
	return rows, nil
}
