// Package paged implements the persistent backend of the statelog engine:
// an append-only, page/block-organized store with compression, inline
// checksums, a journaled index, occupancy-triggered LRU garbage collection
// and a page-header recovery scan.
//
// Geometry is fixed at store creation: pages of PageBytes bytes grouped into
// blocks of BlockPages pages, one block per file, capped at MaxBlocks. An
// entry occupies a contiguous page run inside a single block; the first page
// carries a self-describing record header, which makes the index strictly a
// cache of the pages.
package paged
