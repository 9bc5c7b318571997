// ABOUTME: copy-on-write mapping layer over a PageStore and allocator
// ABOUTME: Generalizes kv.go's page.updates/page.temp CoW discipline to arbitrary ranges

// Package memspace implements the copy-on-write mapping layer between
// a byte-addressed caller and a page-addressed, versioned PageStore:
// Memspace owns the store and an allocator; MemLock is a locked,
// dirty-range-tracked view into one mapped address range; mptr is a
// lightweight (address, access) handle a caller threads through its
// own code without holding a live buffer.
package memspace

import (
	"sync"

	"github.com/nainya/dbzero/pkg/crdtalloc"
	"github.com/nainya/dbzero/pkg/diffcodec"
	"github.com/nainya/dbzero/pkg/pagestore"
)

// AccessFlags describes what a caller intends to do with a mapped
// range: Read, Write, or Create (allocate new space for it).
type AccessFlags int

const (
	Read AccessFlags = 1 << iota
	Write
	Create
)

// Memspace owns one realm's PageStore and allocator and hands out
// MemLocks over byte ranges within it.
type Memspace struct {
	mu sync.Mutex

	store  *pagestore.PageStore
	alloc  *crdtalloc.Allocator
	prefix string
	locks  map[uint64]*MemLock // keyed by address
}

// New creates a Memspace over an already-open PageStore, with the
// given address-space prefix (a realm label used purely for
// diagnostics/logging; it does not affect encoding) and allocator.
func New(store *pagestore.PageStore, alloc *crdtalloc.Allocator, prefix string) *Memspace {
	return &Memspace{
		store:  store,
		alloc:  alloc,
		prefix: prefix,
		locks:  make(map[uint64]*MemLock),
	}
}

// GetAllocator returns the Memspace's slab allocator.
func (m *Memspace) GetAllocator() *crdtalloc.Allocator { return m.alloc }

// GetPageSize returns the underlying store's fixed page size.
func (m *Memspace) GetPageSize() uint32 { return m.store.GetPageSize() }

// GetPrefix returns the realm label this Memspace was created with.
func (m *Memspace) GetPrefix() string { return m.prefix }

// MyPtr wraps addr as an mptr carrying the requested access intent,
// without mapping it yet.
func (m *Memspace) MyPtr(addr uint64, access AccessFlags) mptr {
	return mptr{addr: addr, space: m, access: access}
}

// MapRange maps [addr, addr+size) for the given access, reading the
// current committed image from the PageStore (or, for Create access,
// starting from a zeroed buffer). The range may span page boundaries;
// a write-intent mapping of a never-written page starts from zeroes.
// The returned MemLock must be released via Release when the caller is
// done with it.
func (m *Memspace) MapRange(addr uint64, size uint32, access AccessFlags) (*MemLock, error) {
	if size == 0 {
		return nil, lockErr("memspace: MapRange size must be nonzero")
	}
	m.mu.Lock()
	if existing, ok := m.locks[addr]; ok {
		existing.refcount++
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	buf := make([]byte, size)
	if access&Create == 0 {
		pageSize := uint64(m.store.GetPageSize())
		state := m.store.MaxStateNum()
		pageAccess := pagestore.AccessRead
		if access&Write != 0 {
			pageAccess = pagestore.AccessWrite
		}
		first := addr / pageSize
		last := (addr + uint64(size) - 1) / pageSize
		for pn := first; pn <= last; pn++ {
			page, err := m.store.ReadWithAccess(pn, state, pageAccess)
			if err != nil {
				return nil, err
			}
			pageStart := pn * pageSize
			from, to := overlap(addr, addr+uint64(size), pageStart, pageStart+pageSize)
			copy(buf[from-addr:to-addr], page[from-pageStart:to-pageStart])
		}
	}

	lock := &MemLock{
		space:    m,
		addr:     addr,
		buffer:   buf,
		flags:    access,
		state:    stateUntouched,
		gate:     newROWO(),
		refcount: 1,
	}

	m.mu.Lock()
	m.locks[addr] = lock
	m.mu.Unlock()
	return lock, nil
}

// overlap intersects [aBegin, aEnd) with [bBegin, bEnd); callers only
// invoke it on ranges known to intersect.
func overlap(aBegin, aEnd, bBegin, bEnd uint64) (uint64, uint64) {
	from := aBegin
	if bBegin > from {
		from = bBegin
	}
	to := aEnd
	if bEnd < to {
		to = bEnd
	}
	return from, to
}

// Commit gathers every dirty MemLock's bytes into full page images,
// writes each touched page to the PageStore under one shared state
// number, and durably flushes the store, so readers observe the whole
// commit batch as a single new state or not at all.
func (m *Memspace) Commit() error {
	m.mu.Lock()
	locks := make([]*MemLock, 0, len(m.locks))
	for _, l := range m.locks {
		locks = append(locks, l)
	}
	m.mu.Unlock()

	pageSize := uint64(m.store.GetPageSize())
	baseState := m.store.MaxStateNum()
	state := baseState + 1

	pages := make(map[uint64][]byte)
	forced := make(map[uint64]*diffcodec.DiffRange)

	for _, l := range locks {
		l.mu.Lock()
		if l.state != stateRW {
			l.mu.Unlock()
			continue
		}

		begin := l.addr
		end := l.addr + uint64(len(l.buffer))
		spans := l.dirtySpansLocked()

		first := begin / pageSize
		last := (end - 1) / pageSize
		for pn := first; pn <= last; pn++ {
			img, ok := pages[pn]
			if !ok {
				read, err := m.store.ReadWithAccess(pn, baseState, pagestore.AccessWrite)
				if err != nil {
					l.mu.Unlock()
					return err
				}
				img = read
				pages[pn] = img
				forced[pn] = &diffcodec.DiffRange{}
			}
			pageStart := pn * pageSize
			from, to := overlap(begin, end, pageStart, pageStart+pageSize)
			copy(img[from-pageStart:to-pageStart], l.buffer[from-begin:to-begin])

			for _, span := range spans {
				sFrom, sTo := overlap(begin+uint64(span.begin), begin+uint64(span.end), pageStart, pageStart+pageSize)
				if sFrom < sTo {
					forced[pn].Insert(int(sFrom-pageStart), int(sTo-pageStart))
				}
			}
		}

		l.state = stateCommitted
		l.mu.Unlock()
	}

	for pn, img := range pages {
		if err := m.store.Write(pn, state, img, forced[pn].GetData()); err != nil {
			return err
		}
	}

	return m.store.Flush()
}

// GetAccessType returns the access flags a MemLock at addr was mapped
// with, if it is currently mapped.
func (m *Memspace) GetAccessType(addr uint64) (AccessFlags, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[addr]
	if !ok {
		return 0, false
	}
	return l.flags, true
}

func (m *Memspace) forget(addr uint64) {
	m.mu.Lock()
	delete(m.locks, addr)
	m.mu.Unlock()
}

// mptr is a lightweight (address, access) handle that does not hold a
// live buffer; callers materialize it with Map each time they need to
// touch the bytes, the same discipline vobject's state machine builds
// on.
type mptr struct {
	addr   uint64
	space  *Memspace
	access AccessFlags
}

// Addr returns the address this mptr refers to.
func (p mptr) Addr() uint64 { return p.addr }

// Map materializes the pointer into a MemLock, sizing the range from
// the allocator's record for this address, the slowest of the three
// sizing paths, used when neither a constant size nor a length header
// is available.
func (p mptr) Map() (*MemLock, error) {
	size, ok := p.space.alloc.GetAllocSize(p.addr)
	if !ok {
		return nil, lockErr("memspace: mptr address has no live allocation")
	}
	return p.space.MapRange(p.addr, size, p.access)
}

// IsNull reports whether this mptr refers to address zero, the
// sentinel for "no object".
func (p mptr) IsNull() bool { return p.addr == 0 }
