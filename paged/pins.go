package paged

import (
	"sync"

	"github.com/hupe1980/statelog/model"
)

// pinTable tracks page ranges with reads in progress. The garbage collector
// never frees or moves a pinned range; a pin is held only for the duration
// of a single read.
type pinTable struct {
	mu   sync.Mutex
	pins map[uint64]*pinnedRange // keyed by first page
}

type pinnedRange struct {
	r    model.PageRange
	refs int
}

func newPinTable() *pinTable {
	return &pinTable{pins: make(map[uint64]*pinnedRange)}
}

func (t *pinTable) pin(r model.PageRange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pins[r.First]; ok {
		p.refs++
		return
	}
	t.pins[r.First] = &pinnedRange{r: r, refs: 1}
}

func (t *pinTable) unpin(r model.PageRange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pins[r.First]
	if !ok {
		return
	}
	p.refs--
	if p.refs <= 0 {
		delete(t.pins, r.First)
	}
}

// overlaps reports whether any pinned range shares a page with r.
func (t *pinTable) overlaps(r model.PageRange) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pins {
		if p.r.Overlaps(r) {
			return true
		}
	}
	return false
}
