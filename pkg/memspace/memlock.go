// ABOUTME: locked, refcounted view into one MemLock-mapped address range
// ABOUTME: Implements the Untouched->R->RW->Committed state machine

package memspace

import (
	"sync"

	"github.com/nainya/dbzero/pkg/diffcodec"
)

// lockState is the MemLock state machine position: Untouched until
// first read or write, R after a read-only Deref, RW after the first
// Modify, Committed once Memspace.Commit has written it back.
type lockState int

const (
	stateUntouched lockState = iota
	stateR
	stateRW
	stateCommitted
)

// ErrAlreadyCommitted is returned by Modify/Deref once a MemLock has
// been committed; callers must re-map the address for further access.
var ErrAlreadyCommitted = lockErr("memspace: MemLock already committed")

type lockErr string

func (e lockErr) Error() string { return string(e) }

// MemLock is a locked, dirty-range-tracked view into one mapped
// address range. It is obtained from Memspace.MapRange and must be
// released via Release when the caller is done with it.
type MemLock struct {
	mu sync.Mutex

	space    *Memspace
	addr     uint64
	buffer   []byte
	flags    AccessFlags
	state    lockState
	gate     *rowo
	dirty    diffcodec.DiffRange
	refcount int
}

// Deref returns a read-only view of the mapped bytes, transitioning
// Untouched to R. It fails if the lock was mapped without Read access
// or has already been committed.
func (l *MemLock) Deref() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == stateCommitted {
		return nil, ErrAlreadyCommitted
	}
	if l.flags&Read == 0 {
		return nil, lockErr("memspace: MemLock not mapped for read access")
	}
	if !l.gate.acquireRead() {
		return nil, lockErr("memspace: MemLock unavailable for read")
	}
	defer l.gate.release()

	if l.state == stateUntouched {
		l.state = stateR
	}
	return l.buffer, nil
}

// Modify returns a mutable view of [offset, offset+length) within the
// mapped bytes, transitioning to RW and recording the span as dirty
// so Memspace.Commit only diffs what actually changed.
func (l *MemLock) Modify(offset, length int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == stateCommitted {
		return nil, ErrAlreadyCommitted
	}
	if l.flags&Write == 0 {
		return nil, lockErr("memspace: MemLock not mapped for write access")
	}
	if offset < 0 || length < 0 || offset+length > len(l.buffer) {
		return nil, lockErr("memspace: Modify range out of bounds")
	}
	if !l.gate.acquireWrite() {
		return nil, lockErr("memspace: MemLock unavailable for write")
	}
	defer l.gate.release()

	l.state = stateRW
	l.dirty.Insert(offset, offset+length)
	return l.buffer[offset : offset+length], nil
}

// MarkWhollyDirty forces the entire mapped range to be treated as
// changed on the next commit, for callers that can't economically
// enumerate which sub-ranges they touched.
func (l *MemLock) MarkWhollyDirty() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dirty.SetOverflow()
	if l.state != stateCommitted {
		l.state = stateRW
	}
}

// dirtySpan is one buffer-relative [begin, end) span recorded by
// Modify.
type dirtySpan struct {
	begin, end int
}

// dirtySpansLocked returns the buffer-relative spans Modify recorded,
// falling back to the whole buffer when the accumulator overflowed or
// when a writer never narrowed its span. Callers hold l.mu.
func (l *MemLock) dirtySpansLocked() []dirtySpan {
	if !l.dirty.IsOverflow() {
		view := l.dirty.GetData()
		if !view.Empty() {
			spans := make([]dirtySpan, view.Size())
			for i := range spans {
				b, e := view.At(i)
				spans[i] = dirtySpan{begin: b, end: e}
			}
			return spans
		}
	}
	return []dirtySpan{{begin: 0, end: len(l.buffer)}}
}

// Release decrements the MemLock's reference count, dropping it from
// the owning Memspace's table once no caller holds a reference. It
// does not commit pending writes; call Memspace.Commit for that.
func (l *MemLock) Release() {
	l.mu.Lock()
	l.refcount--
	remaining := l.refcount
	l.mu.Unlock()

	if remaining <= 0 {
		l.space.forget(l.addr)
	}
}

// State returns the MemLock's current lifecycle state, mainly for
// diagnostics and tests.
func (l *MemLock) State() lockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RefCount returns the number of outstanding references to this
// MemLock.
func (l *MemLock) RefCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refcount
}
