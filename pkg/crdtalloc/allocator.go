// ABOUTME: commutative slab allocator over a 32-bit address space
// ABOUTME: Implements the L0-cache/stripe/blank tryAlloc algorithm

// Package crdtalloc implements a commutative, variable-stride slab
// allocator. "Commutative" means applying the same sequence of
// alloc/free operations in a different order (as two replicas racing
// to extend the same address space might) converges to the same set of
// allocated spans, which is why allocation decisions are driven purely
// by sorted-container lookups rather than a single monotonic bump
// pointer.
package crdtalloc

import "github.com/nainya/dbzero/pkg/sgbtree"

// sizeMap holds the candidate unit counts for a
// freshly carved stripe, tried largest first. It does not classify the
// requested size itself: every stripe's stride is the literal
// requested size, unrounded. What varies is how many same-stride units
// get batched into one stripe when it's created, which shrinks from 62
// toward 1 as the blanks available to carve from run low.
var sizeMap = [4]uint32{62, 24, 8, 1}

// L0CacheSize is the number of stride/stripe pairs kept in the
// hot-path cache searched before falling back to the sorted indices.
const L0CacheSize = 4

// Alloc is the allocator's record of one managed stripe: its base
// address, the unit stride it was carved for, and a FillMap tracking
// which of its units are live. A unit is allocated iff its bit is set.
type Alloc struct {
	Addr   uint64
	Stride uint32
	Fill   FillMap
}

// EndAddr returns the address one past the end of the stripe.
func (al Alloc) EndAddr() uint64 {
	return al.Addr + uint64(al.Stride)*uint64(al.Fill.Capacity())
}

// Blank describes a free span available for allocation, indexed by
// (size, address) so the allocator can find both the smallest blank
// that fits a request and the largest blank with one tree lookup.
type Blank struct {
	Addr uint64
	Size uint32
}

// Stripe is a reference into the allocs index for an Alloc that still
// has an open unit, keyed by (stride, address) so same-stride requests
// find a partially-filled stripe without scanning allocs. A Stripe
// exists iff the matching Alloc is non-full.
type Stripe struct {
	Stride uint32
	Addr   uint64
}

type allocCmp struct{}

func (allocCmp) Compare(a, b Alloc) int { return cmpUint64(a.Addr, b.Addr) }

type blankCmp struct{}

func (blankCmp) Compare(a, b Blank) int {
	if a.Size != b.Size {
		return int(a.Size) - int(b.Size)
	}
	return cmpUint64(a.Addr, b.Addr)
}

type stripeCmp struct{}

func (stripeCmp) Compare(a, b Stripe) int {
	if a.Stride != b.Stride {
		return int(a.Stride) - int(b.Stride)
	}
	return cmpUint64(a.Addr, b.Addr)
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// BoundsFunc computes the dynamic upper bound of the address space
// given the current high-water mark, letting callers grow the space
// geometrically instead of allocating a fixed maximum up front.
type BoundsFunc func(currentMax uint64) uint64

// Allocator is a commutative slab allocator backed by three sorted
// indices (allocs by address, blanks by size-then-address, stripes by
// stride-then-address) plus a small fully associative cache, searched
// linearly, for repeat allocations of the same size.
//
// Address zero is never handed out: the first page of the space is
// reserved so callers can use 0 as the null address.
type Allocator struct {
	allocs  *sgbtree.Tree[Alloc]
	blanks  *sgbtree.Tree[Blank]
	stripes *sgbtree.Tree[Stripe]

	pageSize   uint32
	maxAddr    uint64
	allocDelta int64
	boundsFn   BoundsFunc

	cache [L0CacheSize]cacheEntry

	liveUnits  int
	allocCount int64
	freeCount  int64
	oomCount   int64
}

// cacheEntry names a stripe by (stride, base addr) rather than a
// specific unit address, since the cache's job is to skip the
// stripes-tree lookup for the stripe that most recently served this
// stride, not to hand out one address twice. The next free unit is
// re-derived from the stripe's live FillMap on every hit.
type cacheEntry struct {
	stride uint32
	addr   uint64
	valid  bool
}

// ErrOutOfMemory is returned when no blank span can satisfy a request
// even after reclaiming partially-filled stripes and consulting the
// dynamic bound function.
var ErrOutOfMemory = allocErr("crdtalloc: out of memory")

type allocErr string

func (e allocErr) Error() string { return string(e) }

// New creates an allocator over a space of the given page size, with
// the given dynamic-bound function (nil keeps the bound fixed at the
// size passed to SetDynamicBound).
func New(pageSize uint32, boundsFn BoundsFunc) *Allocator {
	return &Allocator{
		allocs:   sgbtree.New[Alloc](allocCmp{}),
		blanks:   sgbtree.New[Blank](blankCmp{}),
		stripes:  sgbtree.New[Stripe](stripeCmp{}),
		pageSize: pageSize,
		boundsFn: boundsFn,
	}
}

// GetMaxAddr returns the current high-water mark of the address space.
func (a *Allocator) GetMaxAddr() uint64 { return a.maxAddr }

// GetAllocDelta returns the net bytes allocated since the allocator
// was created or last committed; positive when allocations outweigh
// frees, negative otherwise.
func (a *Allocator) GetAllocDelta() int64 { return a.allocDelta }

// SetDynamicBound raises the address-space bound to at least target,
// consulting boundsFn if one was supplied, and folds the newly
// admitted region into the blanks index.
func (a *Allocator) SetDynamicBound(target uint64) {
	if a.boundsFn != nil {
		target = a.boundsFn(target)
	}
	a.grow(target)
}

// grow admits [maxAddr, target) into the blanks index, reserving the
// first page when the space is brand new so address 0 stays null.
func (a *Allocator) grow(target uint64) bool {
	start := a.maxAddr
	if start == 0 {
		start = uint64(a.pageSize)
	}
	if target <= start {
		return false
	}
	a.insertBlank(Blank{Addr: start, Size: uint32(target - start)})
	a.maxAddr = target
	return true
}

// Commit clears the running alloc-delta counter, the crdt equivalent
// of a checkpoint: subsequent GetAllocDelta calls measure relative to
// this point.
func (a *Allocator) Commit() {
	a.allocDelta = 0
}

// findOwner resolves the Alloc whose stripe contains addr, via a
// lower-equal window on the address-ordered allocs index.
func (a *Allocator) findOwner(addr uint64) (Alloc, bool) {
	window := a.allocs.LowerEqualWindow(Alloc{Addr: addr})
	cand := window.Match
	if cand == nil {
		cand = window.Prev
	}
	if cand == nil {
		return Alloc{}, false
	}
	al := *cand
	if addr < al.Addr || addr >= al.EndAddr() {
		return Alloc{}, false
	}
	return al, true
}

// GetAllocSize returns the size recorded for the allocation at addr.
func (a *Allocator) GetAllocSize(addr uint64) (uint32, bool) {
	al, ok := a.findOwner(addr)
	if !ok {
		return 0, false
	}
	off := addr - al.Addr
	if off%uint64(al.Stride) != 0 {
		return 0, false
	}
	if !al.Fill.IsSet(uint32(off / uint64(al.Stride))) {
		return 0, false
	}
	return al.Stride, true
}

// Alloc reserves size bytes, growing the address space via the bounds
// function if no existing blank or stripe can serve the request. It
// panics with ErrOutOfMemory only if the bounds function refuses to
// grow further. Callers expecting a recoverable failure should use
// TryAlloc instead.
func (a *Allocator) Alloc(size uint32) uint64 {
	addr, ok := a.TryAlloc(size)
	if !ok {
		panic(ErrOutOfMemory)
	}
	return addr
}

// AllocCount returns the number of successful allocations served over
// the allocator's lifetime.
func (a *Allocator) AllocCount() int64 { return a.allocCount }

// FreeCount returns the number of successful Free calls over the
// allocator's lifetime.
func (a *Allocator) FreeCount() int64 { return a.freeCount }

// OutOfMemoryCount returns how many times Alloc/TryAlloc have failed
// to satisfy a request.
func (a *Allocator) OutOfMemoryCount() int64 { return a.oomCount }

// LiveAllocCount returns the number of allocations currently
// outstanding (allocated and not yet freed).
func (a *Allocator) LiveAllocCount() int { return a.liveUnits }

// RebuildCount returns the total number of scapegoat rebuilds
// performed across the allocator's three backing indices (allocs,
// blanks, stripes).
func (a *Allocator) RebuildCount() int64 {
	return a.allocs.RebuildCount() + a.blanks.RebuildCount() + a.stripes.RebuildCount()
}

// TryAlloc attempts to reserve size bytes without growing the address
// space past its current dynamic bound, following the five-step
// search: L0 cache, same-stride stripe scan, carve a new stripe from
// the blanks index, reclaim-from-stripes retry, grow-and-retry, then
// give up. Every stripe created for this request uses stride == size
// exactly; there is no rounding of the request itself. sizeMap only
// governs how many same-stride units get batched into the stripe that
// backs it, tried largest-batch-first and falling back to smaller
// batches as the available blanks shrink (see tryCreateStripe).
func (a *Allocator) TryAlloc(size uint32) (uint64, bool) {
	if size == 0 {
		return 0, false
	}

	// step 1: L0 cache, the stripe that most recently served this
	// stride, if it still has an open slot.
	if addr, ok := a.tryCache(size); ok {
		a.noteAlloc(size)
		return addr, true
	}

	// step 2: scan stripes of this exact stride for a free slot.
	if addr, ok := a.tryStripeScan(size); ok {
		a.noteAlloc(size)
		return addr, true
	}

	// step 3: carve a brand-new stripe out of the blanks index.
	if addr, ok := a.tryCreateStripe(size); ok {
		a.noteAlloc(size)
		return addr, true
	}

	// step 4: downsize partially-used stripes back into blanks and
	// retry the carve once.
	if a.tryReclaimSpaceFromStripes(size) {
		if addr, ok := a.tryCreateStripe(size); ok {
			a.noteAlloc(size)
			return addr, true
		}
	}

	// step 5: grow the address space via the bounds function, fold the
	// new region into blanks, and retry once more.
	if a.growBlank() {
		if addr, ok := a.tryCreateStripe(size); ok {
			a.noteAlloc(size)
			return addr, true
		}
	}

	a.oomCount++
	return 0, false
}

func (a *Allocator) noteAlloc(stride uint32) {
	a.allocDelta += int64(stride)
	a.allocCount++
	a.liveUnits++
}

// markUnit claims slot within al, replacing the stored record and
// dropping the stripe reference (and any cache entry naming it) the
// instant the stripe becomes full.
func (a *Allocator) markUnit(al Alloc, slot uint32) uint64 {
	updated := al
	updated.Fill = al.Fill.Mark(slot)
	a.allocs.Erase(al)
	a.allocs.Insert(updated)
	if updated.Fill.Full() {
		a.stripes.Erase(Stripe{Stride: al.Stride, Addr: al.Addr})
		a.dropFromCache(al.Stride, al.Addr)
	}
	return al.Addr + uint64(slot)*uint64(al.Stride)
}

func (a *Allocator) tryCache(size uint32) (uint64, bool) {
	for i := range a.cache {
		e := a.cache[i]
		if !e.valid || e.stride != size {
			continue
		}
		al, ok := a.allocs.FindEqual(Alloc{Addr: e.addr})
		if !ok || al.Stride != size {
			a.cache[i].valid = false
			continue
		}
		slot, ok := al.Fill.FirstFree()
		if !ok {
			a.cache[i].valid = false
			continue
		}
		return a.markUnit(al, slot), true
	}
	return 0, false
}

func (a *Allocator) addToCache(stride uint32, addr uint64) {
	for i := range a.cache {
		if a.cache[i].valid && a.cache[i].stride == stride && a.cache[i].addr == addr {
			return
		}
	}
	for i := range a.cache {
		if !a.cache[i].valid {
			a.cache[i] = cacheEntry{stride: stride, addr: addr, valid: true}
			return
		}
	}
	a.cache[0] = cacheEntry{stride: stride, addr: addr, valid: true}
}

func (a *Allocator) dropFromCache(stride uint32, addr uint64) {
	for i := range a.cache {
		if a.cache[i].valid && a.cache[i].stride == stride && a.cache[i].addr == addr {
			a.cache[i].valid = false
		}
	}
}

func (a *Allocator) tryStripeScan(stride uint32) (uint64, bool) {
	for {
		window := a.stripes.LowerEqualWindow(Stripe{Stride: stride})
		cand := window.Match
		if cand == nil {
			cand = window.Next
		}
		if cand == nil || cand.Stride != stride {
			return 0, false
		}
		al, ok := a.allocs.FindEqual(Alloc{Addr: cand.Addr})
		if !ok || al.Stride != stride {
			// stale reference; drop it and rescan.
			a.stripes.Erase(*cand)
			continue
		}
		slot, ok := al.Fill.FirstFree()
		if !ok {
			a.stripes.Erase(*cand)
			continue
		}
		addr := a.markUnit(al, slot)
		a.addToCache(stride, al.Addr)
		return addr, true
	}
}

// tryCreateStripe carves a brand-new stripe of the given stride out of
// the blanks index. It tries sizeMap's unit counts largest first,
// skipping any count whose total byte span (stride * count) exceeds
// the largest blank currently available, so a fresh stripe always
// grabs the biggest batch the blanks can still afford.
func (a *Allocator) tryCreateStripe(stride uint32) (uint64, bool) {
	maxBlank := a.maxBlankSize()
	for _, count := range sizeMap {
		need := uint64(stride) * uint64(count)
		if need == 0 || need > uint64(maxBlank) {
			continue
		}
		addr, ok := a.tryPullBlank(uint32(need))
		if !ok {
			continue
		}
		al := Alloc{Addr: addr, Stride: stride, Fill: NewFillMap(count).Mark(0)}
		a.allocs.Insert(al)
		if !al.Fill.Full() {
			a.stripes.Insert(Stripe{Stride: stride, Addr: addr})
			a.addToCache(stride, addr)
		}
		return addr, true
	}
	return 0, false
}

// maxBlankSize returns the size of the single largest blank span
// currently available, or 0 if the blanks index is empty. Blanks are
// ordered by (size, address), so the tree's maximum is the answer.
func (a *Allocator) maxBlankSize() uint32 {
	b, ok := a.blanks.FindMax()
	if !ok {
		return 0
	}
	return b.Size
}

// tryPullBlank finds the smallest blank span at least need bytes and
// carves need bytes off its front, reinserting whatever remains.
func (a *Allocator) tryPullBlank(need uint32) (uint64, bool) {
	window := a.blanks.LowerEqualWindow(Blank{Size: need})
	candidates := []*Blank{window.Match, window.Next}
	for _, b := range candidates {
		if b == nil || b.Size < need {
			continue
		}
		a.blanks.Erase(*b)
		if b.Size > need {
			remainder := Blank{Addr: b.Addr + uint64(need), Size: b.Size - need}
			a.blanks.Insert(remainder)
		}
		return b.Addr, true
	}
	return 0, false
}

// tryReclaimSpaceFromStripes walks the stripe references from the
// largest stride down, downsizing any whose trailing units are all
// free to the next smaller sizeMap batch and returning the reclaimed
// tail to the blanks index. Reports whether anything was reclaimed.
func (a *Allocator) tryReclaimSpaceFromStripes(minSize uint32) bool {
	refs := a.stripes.Items()
	reclaimed := false
	for i := len(refs) - 1; i >= 0; i-- {
		ref := refs[i]
		al, ok := a.allocs.FindEqual(Alloc{Addr: ref.Addr})
		if !ok || al.Stride != ref.Stride {
			continue
		}
		minUnits := (minSize + al.Stride - 1) / al.Stride
		shrunk, saved, ok := al.Fill.TryDownsize(minUnits)
		if !ok {
			continue
		}
		updated := al
		updated.Fill = shrunk
		a.allocs.Erase(al)
		a.allocs.Insert(updated)
		if updated.Fill.Full() {
			a.stripes.Erase(ref)
			a.dropFromCache(al.Stride, al.Addr)
		}
		a.insertBlank(Blank{Addr: updated.EndAddr(), Size: saved * al.Stride})
		reclaimed = true
	}
	return reclaimed
}

// growBlank asks boundsFn for the address-space ceiling permitted from
// the current high-water mark and, if that leaves any room, folds the
// new region into the blanks index as a single span so a subsequent
// tryCreateStripe can carve a stripe from it. Returns false if the
// bounds function refuses to grow past the current mark.
func (a *Allocator) growBlank() bool {
	if a.boundsFn == nil {
		return false
	}
	return a.grow(a.boundsFn(a.maxAddr))
}

// Free releases the unit at addr. Freeing a unit of a previously-full
// stripe re-registers the stripe reference; freeing the last unit of a
// stripe dissolves the whole stripe back into the blanks index,
// merging with any adjacent blank spans so repeated alloc/free cycles
// don't fragment the space. Returns false if addr does not name a
// live allocation, including a second Free of the same address.
func (a *Allocator) Free(addr uint64) bool {
	al, ok := a.findOwner(addr)
	if !ok {
		return false
	}
	off := addr - al.Addr
	if off%uint64(al.Stride) != 0 {
		return false
	}
	slot := uint32(off / uint64(al.Stride))
	if !al.Fill.IsSet(slot) {
		return false
	}

	wasFull := al.Fill.Full()
	updated := al
	updated.Fill = al.Fill.Unmark(slot)
	a.allocDelta -= int64(al.Stride)
	a.freeCount++
	a.liveUnits--

	if updated.Fill.Empty() {
		a.allocs.Erase(al)
		if !wasFull {
			a.stripes.Erase(Stripe{Stride: al.Stride, Addr: al.Addr})
		}
		a.dropFromCache(al.Stride, al.Addr)
		a.insertBlank(Blank{Addr: al.Addr, Size: al.Stride * al.Fill.Capacity()})
		return true
	}

	a.allocs.Erase(al)
	a.allocs.Insert(updated)
	if wasFull {
		a.stripes.Insert(Stripe{Stride: al.Stride, Addr: al.Addr})
		a.addToCache(al.Stride, al.Addr)
	}
	return true
}

// insertBlank inserts a blank span, merging with any directly adjacent
// blank to its left or right so the blanks index never holds two
// touching spans as separate entries.
func (a *Allocator) insertBlank(b Blank) {
	for _, existing := range a.blanks.Items() {
		if existing.Addr+uint64(existing.Size) == b.Addr {
			a.blanks.Erase(existing)
			b = Blank{Addr: existing.Addr, Size: existing.Size + b.Size}
		} else if b.Addr+uint64(b.Size) == existing.Addr {
			a.blanks.Erase(existing)
			b = Blank{Addr: b.Addr, Size: b.Size + existing.Size}
		}
	}
	a.blanks.Insert(b)
}

// BlankCount returns the number of distinct free spans currently held
// in the blanks index, mainly for diagnostics and tests.
func (a *Allocator) BlankCount() int { return a.blanks.Size() }

// StripeCount returns the number of non-full stripes currently
// referenced by the stripes index.
func (a *Allocator) StripeCount() int { return a.stripes.Size() }
