// ABOUTME: sparse per-page version index mapping state numbers to records
// ABOUTME: Implements Serialize/Deserialize in freelist.go's fixed-layout style

package pagestore

import (
	"encoding/binary"
	"sort"
)

// indexEntryKind mirrors the record kind stored at Offset, duplicated
// here so a lookup can decide base-vs-diff without re-reading the file.
type indexEntryKind byte

const (
	entryBase     indexEntryKind = 1
	entryDiff     indexEntryKind = 2
	entryZeroDiff indexEntryKind = 3
)

// indexEntry locates one committed version of one page.
type indexEntry struct {
	State  uint64
	Offset uint64
	Kind   indexEntryKind
}

// pageIndex is the in-memory sparse version index: for each page
// number, the list of committed (state, offset, kind) entries sorted
// ascending by State.
type pageIndex struct {
	pages map[uint64][]indexEntry
}

func newPageIndex() *pageIndex {
	return &pageIndex{pages: make(map[uint64][]indexEntry)}
}

// append records a new committed entry for pageNum. Callers must only
// append entries in increasing State order per page.
func (idx *pageIndex) append(pageNum uint64, e indexEntry) {
	idx.pages[pageNum] = append(idx.pages[pageNum], e)
}

// entriesFor returns the full, sorted entry list for a page.
func (idx *pageIndex) entriesFor(pageNum uint64) []indexEntry {
	return idx.pages[pageNum]
}

// upperEqualBound returns the latest entry for pageNum with
// State <= state, if any.
func (idx *pageIndex) upperEqualBound(pageNum, state uint64) (indexEntry, bool) {
	entries := idx.pages[pageNum]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].State > state })
	if i == 0 {
		return indexEntry{}, false
	}
	return entries[i-1], true
}

// pagesTouchedInRange returns, per state in [from, to], the sorted set
// of page numbers that received a new entry at that state.
func (idx *pageIndex) pagesTouchedInRange(from, to uint64) map[uint64][]uint64 {
	out := make(map[uint64][]uint64)
	for pageNum, entries := range idx.pages {
		for _, e := range entries {
			if e.State >= from && e.State <= to {
				out[e.State] = append(out[e.State], pageNum)
			}
		}
	}
	for state := range out {
		sort.Slice(out[state], func(i, j int) bool { return out[state][i] < out[state][j] })
	}
	return out
}

// serializeIndex packs the whole index into a checkpoint payload:
// [pageCount u32] then, per page, [pageNum u64][entryCount u32] then
// per entry [state u64][offset u64][kind u8].
func serializeIndex(idx *pageIndex) []byte {
	pageNums := make([]uint64, 0, len(idx.pages))
	for p := range idx.pages {
		pageNums = append(pageNums, p)
	}
	sort.Slice(pageNums, func(i, j int) bool { return pageNums[i] < pageNums[j] })

	size := 4
	for _, p := range pageNums {
		size += 8 + 4 + len(idx.pages[p])*17
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(pageNums)))
	off += 4
	for _, p := range pageNums {
		entries := idx.pages[p]
		binary.LittleEndian.PutUint64(buf[off:], p)
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(entries)))
		off += 4
		for _, e := range entries {
			binary.LittleEndian.PutUint64(buf[off:], e.State)
			off += 8
			binary.LittleEndian.PutUint64(buf[off:], e.Offset)
			off += 8
			buf[off] = byte(e.Kind)
			off++
		}
	}
	return buf
}

// deserializeIndex is the inverse of serializeIndex.
func deserializeIndex(buf []byte) *pageIndex {
	idx := newPageIndex()
	if len(buf) < 4 {
		return idx
	}
	off := 0
	pageCount := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	for i := uint32(0); i < pageCount; i++ {
		pageNum := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		entryCount := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		entries := make([]indexEntry, entryCount)
		for j := uint32(0); j < entryCount; j++ {
			state := binary.LittleEndian.Uint64(buf[off:])
			off += 8
			offset := binary.LittleEndian.Uint64(buf[off:])
			off += 8
			kind := indexEntryKind(buf[off])
			off++
			entries[j] = indexEntry{State: state, Offset: offset, Kind: kind}
		}
		idx.pages[pageNum] = entries
	}
	return idx
}
