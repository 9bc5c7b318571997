// ABOUTME: versioned, page-addressed, diffed byte store
// ABOUTME: Implements Create/Open/Write/Read/Flush in kv.go's two-phase-fsync style

package pagestore

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/nainya/dbzero/pkg/diffcodec"
)

// ErrNotAPageStore is returned by Open when the file's header magic
// does not match, the same guard kv.go's loadMeta applies to its
// signature bytes.
var ErrNotAPageStore = perr("pagestore: not a page store file")

// ErrPageNotFound is returned by Read when the requested page has no
// committed version at or before the requested state.
var ErrPageNotFound = perr("pagestore: page not found at or before requested state")

// ErrInvalidState is returned by Write when the supplied state number
// is zero (reserved as "invalid") or does not advance the target
// page's history. State numbers are append-only and never reuse.
var ErrInvalidState = perr("pagestore: invalid state number")

// Access describes a caller's intent when reading a page. A read-intent
// lookup of a never-written page fails with ErrPageNotFound; a
// write-intent lookup of the same page yields a zero-filled buffer,
// since the caller is about to produce the page's first contents.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

// PageStore is a versioned, page-addressed, diffed byte store. Writes
// accumulate in memory as pending records; Flush durably commits them
// with a two-phase fsync: write the data-area
// records, fsync, write the header (pointing at the new checkpoint),
// fsync again. A crash between the two fsyncs leaves the store at its
// last durably-flushed state.
type PageStore struct {
	mu sync.Mutex

	fd       *os.File
	path     string
	pageSize uint32

	idx      *pageIndex
	maxState uint64
	dataEnd  uint64

	pending []pendingRecord
}

type pendingRecord struct {
	rec record
}

// Create creates a new, empty page store at path with the given fixed
// page size.
func Create(path string, pageSize uint32) (*PageStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}

	ps := &PageStore{
		fd:       fd,
		path:     path,
		pageSize: pageSize,
		idx:      newPageIndex(),
		dataEnd:  headerSize,
	}
	if err := ps.writeHeader(); err != nil {
		fd.Close()
		return nil, err
	}
	if err := fsyncParentDir(path); err != nil {
		fd.Close()
		return nil, err
	}
	return ps, nil
}

// Open opens an existing page store, loading its header and the
// checkpointed version index.
func Open(path string) (*PageStore, error) {
	fd, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, headerSize)
	if _, err := fd.ReadAt(buf, 0); err != nil {
		fd.Close()
		return nil, err
	}
	h, err := decodeHeader(buf)
	if err != nil {
		fd.Close()
		return nil, err
	}

	ps := &PageStore{
		fd:       fd,
		path:     path,
		pageSize: h.PageSize,
		maxState: h.MaxState,
		dataEnd:  h.DataEnd,
	}

	if h.CheckpointLen == 0 {
		ps.idx = newPageIndex()
	} else {
		cp := make([]byte, h.CheckpointLen)
		if _, err := fd.ReadAt(cp, int64(h.CheckpointOffset)); err != nil {
			fd.Close()
			return nil, err
		}
		ps.idx = deserializeIndex(cp)
	}
	return ps, nil
}

// Close releases the store's file handle without flushing pending
// writes; callers must Flush first if pending writes should persist.
func (ps *PageStore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.fd.Close()
}

// GetPageSize returns the store's fixed page size.
func (ps *PageStore) GetPageSize() uint32 { return ps.pageSize }

// MaxStateNum returns the highest durably-committed state number.
func (ps *PageStore) MaxStateNum() uint64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.maxState
}

// StoreSize returns the current on-disk size of the store, including
// pending unflushed records.
func (ps *PageStore) StoreSize() uint64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	size := ps.dataEnd
	for _, p := range ps.pending {
		size += recordHeaderSize + uint64(len(p.rec.Payload)) + 4
	}
	return size
}

// PageCount returns the number of distinct pages in the flushed page
// index; pages with only pending, unflushed writes are not counted.
func (ps *PageStore) PageCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.idx.pages)
}

// Write stores a new version of pageNum at the caller-supplied state
// number, diffing it against the most recent earlier version of the
// same page when that keeps the record under the page's diff budget
// (75% of page size), and falling back to a full base record
// otherwise. forced marks byte spans that must be treated as changed
// even if byte-identical to the previous version. stateNum must be
// nonzero and strictly greater than the page's latest recorded state;
// distinct pages may share a state number, which is how a commit
// publishes a batch of pages as one state. The write is not durable
// until Flush succeeds.
func (ps *PageStore) Write(pageNum, stateNum uint64, data []byte, forced diffcodec.DiffRangeView) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if uint32(len(data)) != ps.pageSize {
		return perr("pagestore: Write data length must equal page size")
	}
	if stateNum == 0 {
		return ErrInvalidState
	}
	if latest, ok := ps.latestStateFor(pageNum); ok && stateNum <= latest {
		return ErrInvalidState
	}

	prev, havePrev, err := ps.readLocked(pageNum, stateNum-1)
	maxDiff := int(ps.pageSize) * 3 / 4

	var rec record
	switch {
	case havePrev && err == nil:
		if diff, ok := diffcodec.GetDiffs(prev, data, int(ps.pageSize), maxDiff, 0, forced); ok && !diff.Empty() {
			rec = record{Kind: recordDiff, PageNum: pageNum, StateNum: stateNum, Payload: encodeDiffPayload(diff)}
			break
		}
		rec = record{Kind: recordBase, PageNum: pageNum, StateNum: stateNum, Payload: append([]byte(nil), data...)}
	default:
		if diff, ok := diffcodec.GetZeroDiffs(data, int(ps.pageSize), maxDiff, 0, forced); ok {
			rec = record{Kind: recordZeroDiff, PageNum: pageNum, StateNum: stateNum, Payload: encodeDiffPayload(diff)}
			break
		}
		rec = record{Kind: recordBase, PageNum: pageNum, StateNum: stateNum, Payload: append([]byte(nil), data...)}
	}

	ps.pending = append(ps.pending, pendingRecord{rec: rec})
	return nil
}

// latestStateFor returns the most recent recorded state for pageNum
// across both the pending buffer and the durable index.
func (ps *PageStore) latestStateFor(pageNum uint64) (uint64, bool) {
	var latest uint64
	found := false
	if e, ok := ps.idx.upperEqualBound(pageNum, ^uint64(0)); ok {
		latest = e.State
		found = true
	}
	for _, p := range ps.pending {
		if p.rec.PageNum == pageNum && p.rec.StateNum > latest {
			latest = p.rec.StateNum
			found = true
		}
	}
	return latest, found
}

// Read reconstructs pageNum's byte image as of stateNum: the latest
// committed or pending version with state <= stateNum.
func (ps *PageStore) Read(pageNum uint64, stateNum uint64) ([]byte, error) {
	return ps.ReadWithAccess(pageNum, stateNum, AccessRead)
}

// ReadWithAccess is Read with an explicit access intent: a write-intent
// lookup of a page with no recorded version returns a zero-filled
// buffer instead of ErrPageNotFound, ready for the caller's first
// write of that page.
func (ps *PageStore) ReadWithAccess(pageNum, stateNum uint64, access Access) ([]byte, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	data, ok, err := ps.readLocked(pageNum, stateNum)
	if err != nil {
		return nil, err
	}
	if !ok {
		if access == AccessWrite {
			return make([]byte, ps.pageSize), nil
		}
		return nil, ErrPageNotFound
	}
	return data, nil
}

// readLocked resolves pageNum's image at stateNum, walking the pending
// buffer first (most recent, unflushed writes) and falling back to the
// durable index and file.
func (ps *PageStore) readLocked(pageNum, stateNum uint64) ([]byte, bool, error) {
	chain, ok := ps.buildChain(pageNum, stateNum)
	if !ok {
		return nil, false, nil
	}
	img, err := ps.applyChain(chain)
	if err != nil {
		return nil, false, err
	}
	return img, true, nil
}

// buildChain collects the sequence of records needed to reconstruct
// pageNum at stateNum: a base (or zero-diff) record followed by every
// diff record up to and including stateNum, in ascending state order.
func (ps *PageStore) buildChain(pageNum, stateNum uint64) ([]record, bool) {
	var pendingChain []record
	for _, p := range ps.pending {
		if p.rec.PageNum == pageNum && p.rec.StateNum <= stateNum {
			pendingChain = append(pendingChain, p.rec)
		}
	}

	entry, haveDurable := ps.idx.upperEqualBound(pageNum, stateNum)
	var chain []record
	if haveDurable {
		durableChain, ok := ps.durableChain(pageNum, entry)
		if !ok {
			return nil, false
		}
		chain = durableChain
	}
	chain = append(chain, pendingChain...)
	if len(chain) == 0 {
		return nil, false
	}
	// replay only from the most recent full image: a later base (or
	// zero-diff) record supersedes everything before it.
	start := -1
	for i, r := range chain {
		if r.Kind != recordDiff {
			start = i
		}
	}
	if start < 0 {
		// only diffs visible with no base before them; should not
		// happen for a well-formed store, but surfaces as "page not
		// found" rather than panicking.
		return nil, false
	}
	return chain[start:], true
}

// durableChain walks backward from entry through the durable index
// until it finds a base or zero-diff record, then returns every
// durable record from there forward through entry, in ascending order.
func (ps *PageStore) durableChain(pageNum uint64, entry indexEntry) ([]record, bool) {
	entries := ps.idx.entriesFor(pageNum)
	// entries is sorted ascending by State; find entry's position.
	pos := -1
	for i, e := range entries {
		if e.State == entry.State {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, false
	}
	start := pos
	for start > 0 && entries[start].Kind == entryDiff {
		start--
	}
	if entries[start].Kind == entryDiff {
		return nil, false
	}

	var chain []record
	for i := start; i <= pos; i++ {
		rec, err := ps.readRecordAt(entries[i].Offset)
		if err != nil {
			return nil, false
		}
		chain = append(chain, rec)
	}
	return chain, true
}

func (ps *PageStore) readRecordAt(offset uint64) (record, error) {
	// read a generous header span first to learn the payload length,
	// then re-read the exact record length.
	head := make([]byte, recordHeaderSize+4)
	if _, err := ps.fd.ReadAt(head, int64(offset)); err != nil {
		return record{}, err
	}
	payloadLen := int(binary.LittleEndian.Uint32(head[17:21]))
	total := recordHeaderSize + payloadLen + 4
	buf := make([]byte, total)
	if _, err := ps.fd.ReadAt(buf, int64(offset)); err != nil {
		return record{}, err
	}
	rec, _, err := decodeRecord(buf)
	return rec, err
}

// applyChain replays a base/zero-diff record followed by zero or more
// diff records, producing the final page image.
func (ps *PageStore) applyChain(chain []record) ([]byte, error) {
	first := chain[0]
	var img []byte
	switch first.Kind {
	case recordBase:
		img = append([]byte(nil), first.Payload...)
	case recordZeroDiff:
		img = diffcodec.ApplyZero(decodeDiffPayload(first.Payload), int(ps.pageSize))
	default:
		return nil, ErrCorruptRecord
	}

	for _, rec := range chain[1:] {
		if rec.Kind != recordDiff {
			return nil, ErrCorruptRecord
		}
		diff := decodeDiffPayload(rec.Payload)
		img = diffcodec.Apply(img, diff, int(ps.pageSize))
	}
	return img, nil
}

// TryFindMutation reports the most recent state at or before stateNum
// at which pageNum was mutated, if any: the same
// largest-state-at-or-below resolution Read uses to pick a version.
// Pending (unflushed) writes are included.
func (ps *PageStore) TryFindMutation(pageNum, stateNum uint64) (uint64, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	var best uint64
	found := false
	if e, ok := ps.idx.upperEqualBound(pageNum, stateNum); ok {
		best = e.State
		found = true
	}
	for _, p := range ps.pending {
		if p.rec.PageNum != pageNum || p.rec.StateNum > stateNum {
			continue
		}
		if !found || p.rec.StateNum > best {
			best = p.rec.StateNum
			found = true
		}
	}
	return best, found
}

// FindMutation is TryFindMutation but returns ErrPageNotFound instead
// of a boolean when the page has no mutation at or before stateNum.
func (ps *PageStore) FindMutation(pageNum, stateNum uint64) (uint64, error) {
	state, ok := ps.TryFindMutation(pageNum, stateNum)
	if !ok {
		return 0, ErrPageNotFound
	}
	return state, nil
}

// FetchChangeLogs enumerates, for every committed state in [from, to],
// the sorted set of page numbers touched at that state, invoking cb
// once per state encountered. Pending (unflushed) writes are included.
func (ps *PageStore) FetchChangeLogs(from, to uint64, cb func(state uint64, pages []uint64) error) error {
	ps.mu.Lock()
	touched := ps.idx.pagesTouchedInRange(from, to)
	for _, p := range ps.pending {
		if p.rec.StateNum >= from && p.rec.StateNum <= to {
			touched[p.rec.StateNum] = append(touched[p.rec.StateNum], p.rec.PageNum)
		}
	}
	states := make([]uint64, 0, len(touched))
	for s := range touched {
		states = append(states, s)
	}
	ps.mu.Unlock()

	sortUint64(states)
	for _, s := range states {
		pages := touched[s]
		sortUint64(pages)
		if err := cb(s, pages); err != nil {
			return err
		}
	}
	return nil
}

func sortUint64(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Refresh reloads the header and checkpoint from disk, discarding any
// in-memory index state not reflected there. It is meant for a
// read-only handle sharing a file with a separate writer process.
func (ps *PageStore) Refresh() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	buf := make([]byte, headerSize)
	if _, err := ps.fd.ReadAt(buf, 0); err != nil {
		return err
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	ps.maxState = h.MaxState
	ps.dataEnd = h.DataEnd
	if h.CheckpointLen == 0 {
		ps.idx = newPageIndex()
		return nil
	}
	cp := make([]byte, h.CheckpointLen)
	if _, err := ps.fd.ReadAt(cp, int64(h.CheckpointOffset)); err != nil {
		return err
	}
	ps.idx = deserializeIndex(cp)
	return nil
}

// Flush durably commits every pending write: append the records, fsync,
// append a fresh checkpoint and header pointing at it, fsync again. If
// the first fsync fails, pending writes remain pending and MaxStateNum
// stays at the last durably-committed value.
func (ps *PageStore) Flush() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if len(ps.pending) == 0 {
		return nil
	}

	maxState := ps.maxState
	offset := ps.dataEnd
	for _, p := range ps.pending {
		buf := encodeRecord(p.rec)
		if _, err := ps.fd.WriteAt(buf, int64(offset)); err != nil {
			return err
		}
		kind := indexEntryKind(p.rec.Kind)
		ps.idx.append(p.rec.PageNum, indexEntry{State: p.rec.StateNum, Offset: offset, Kind: kind})
		offset += uint64(len(buf))
		if p.rec.StateNum > maxState {
			maxState = p.rec.StateNum
		}
	}

	if err := ps.fd.Sync(); err != nil {
		return err
	}

	checkpoint := serializeIndex(ps.idx)
	checkpointOffset := offset
	if _, err := ps.fd.WriteAt(checkpoint, int64(checkpointOffset)); err != nil {
		return err
	}

	// DataEnd points past the checkpoint so records appended after a
	// reopen can never overwrite a checkpoint the header still
	// references.
	newHeader := header{
		PageSize:         ps.pageSize,
		CheckpointOffset: checkpointOffset,
		CheckpointLen:    uint64(len(checkpoint)),
		MaxState:         maxState,
		DataEnd:          checkpointOffset + uint64(len(checkpoint)),
	}
	if _, err := ps.fd.WriteAt(encodeHeader(newHeader), 0); err != nil {
		return err
	}
	if err := ps.fd.Sync(); err != nil {
		return err
	}

	ps.maxState = maxState
	ps.dataEnd = offset + uint64(len(checkpoint))
	ps.pending = nil
	return nil
}

func (ps *PageStore) writeHeader() error {
	h := header{PageSize: ps.pageSize, DataEnd: ps.dataEnd}
	_, err := ps.fd.WriteAt(encodeHeader(h), 0)
	return err
}

// fsyncParentDir fsyncs the directory containing path so a newly
// created file's directory entry survives a crash, matching kv.go's
// createFileSync discipline.
func fsyncParentDir(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
