// ABOUTME: typed, sized handle over a Memspace-mapped address range
// ABOUTME: Implements the Untouched->R->RW->Committed object lifecycle

// Package vobject implements typed, lifecycle-tracked handles over a
// memspace.Memspace range. Sizing is pluggable via the Sizer
// interface (constant size, a dynamic length-prefixed header, or an
// allocator-queried size), so one handle type serves fixed records,
// length-prefixed blobs, and allocator-sized objects alike.
package vobject

import (
	"sync"

	"github.com/nainya/dbzero/pkg/memspace"
)

// state is the v_object lifecycle position, mirrored from
// memspace.MemLock's state machine at the typed-object layer.
type state int

const (
	stateUntouched state = iota
	stateR
	stateRW
	stateCommitted
)

// Codec encodes and decodes values of type T to and from their
// on-disk byte representation.
type Codec[T any] interface {
	Encode(v *T) []byte
	Decode(buf []byte) T
}

// Sizer determines how many bytes a value of type T occupies when
// newly created. Two strategies are provided: ConstSizer for
// fixed-size types, and HeaderSizer for variable-size types whose
// encoded length can be computed from the in-memory value. A third
// case, an object whose size is whatever its allocator recorded,
// needs no Sizer at all: Open takes the size as an argument, such as
// the value crdtalloc.Allocator.GetAllocSize reports for the address.
type Sizer[T any] interface {
	SizeOf(v *T) uint32
}

// ConstSizer is a Sizer for fixed-size T, the common case.
type ConstSizer[T any] struct{ N uint32 }

func (c ConstSizer[T]) SizeOf(*T) uint32 { return c.N }

// HeaderSizer is a Sizer for variable-size T whose encoded form begins
// with a length the codec itself would otherwise have to look up
// through a second round trip; HeaderFunc computes the size directly
// from the in-memory value instead.
type HeaderSizer[T any] struct {
	HeaderFunc func(v *T) uint32
}

func (h HeaderSizer[T]) SizeOf(v *T) uint32 { return h.HeaderFunc(v) }

// VObject is a typed, lifecycle-tracked handle over one allocation in
// a Memspace.
type VObject[T any] struct {
	mu sync.Mutex

	space *memspace.Memspace
	addr  uint64
	size  uint32
	codec Codec[T]
	sizer Sizer[T]

	lock   *memspace.MemLock
	cached *T
	state  state
}

// New allocates space for initial, writes its encoded form, and
// returns a VObject positioned in the RW state (uncommitted).
func New[T any](space *memspace.Memspace, codec Codec[T], sizer Sizer[T], initial T) (*VObject[T], error) {
	size := sizer.SizeOf(&initial)
	addr := space.GetAllocator().Alloc(size)

	lock, err := space.MapRange(addr, size, memspace.Read|memspace.Write|memspace.Create)
	if err != nil {
		return nil, err
	}
	buf, err := lock.Modify(0, int(size))
	if err != nil {
		return nil, err
	}
	copy(buf, codec.Encode(&initial))

	return &VObject[T]{
		space:  space,
		addr:   addr,
		size:   size,
		codec:  codec,
		sizer:  sizer,
		lock:   lock,
		cached: &initial,
		state:  stateRW,
	}, nil
}

// Open maps an existing allocation at addr for typed access, without
// reading it yet (Untouched until Deref or Modify is called).
func Open[T any](space *memspace.Memspace, addr uint64, size uint32, codec Codec[T], sizer Sizer[T]) (*VObject[T], error) {
	lock, err := space.MapRange(addr, size, memspace.Read|memspace.Write)
	if err != nil {
		return nil, err
	}
	return &VObject[T]{
		space: space,
		addr:  addr,
		size:  size,
		codec: codec,
		sizer: sizer,
		lock:  lock,
		state: stateUntouched,
	}, nil
}

// GetAddress returns the object's allocation address.
func (v *VObject[T]) GetAddress() uint64 { return v.addr }

// IsNull reports whether this handle refers to the null address.
func (v *VObject[T]) IsNull() bool { return v.addr == 0 }

// UseCount returns the number of outstanding references to the
// underlying mapped range.
func (v *VObject[T]) UseCount() int {
	if v.lock == nil {
		return 0
	}
	return v.lock.RefCount()
}

// Deref returns a read-only pointer to the decoded value, loading and
// caching it on first access.
func (v *VObject[T]) Deref() (*T, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.derefLocked()
}

func (v *VObject[T]) derefLocked() (*T, error) {
	if v.cached != nil {
		return v.cached, nil
	}
	if err := v.remapLocked(); err != nil {
		return nil, err
	}
	buf, err := v.lock.Deref()
	if err != nil {
		return nil, err
	}
	val := v.codec.Decode(buf)
	v.cached = &val
	if v.state == stateUntouched || v.state == stateCommitted {
		v.state = stateR
	}
	return v.cached, nil
}

// remapLocked re-acquires a MemLock after a Detach or Commit dropped
// the previous one, so the next access observes the store's current
// committed image.
func (v *VObject[T]) remapLocked() error {
	if v.lock != nil {
		return nil
	}
	lock, err := v.space.MapRange(v.addr, v.size, memspace.Read|memspace.Write)
	if err != nil {
		return err
	}
	v.lock = lock
	return nil
}

// Modify returns a mutable pointer to the decoded value. Callers
// mutate the pointed-to value directly, then call Commit to persist
// the encoded result.
func (v *VObject[T]) Modify() (*T, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.derefLocked(); err != nil {
		return nil, err
	}
	if _, err := v.lock.Modify(0, int(v.size)); err != nil {
		return nil, err
	}
	v.state = stateRW
	return v.cached, nil
}

// Commit re-encodes the cached value into the mapped buffer, drives
// the owning Memspace's commit so the whole batch of dirty locks is
// durably published as one new state, then detaches: the next access
// re-maps and reads the just-committed image back from the store.
func (v *VObject[T]) Commit() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != stateRW || v.cached == nil {
		return nil
	}
	buf, err := v.lock.Modify(0, int(v.size))
	if err != nil {
		return err
	}
	copy(buf, v.codec.Encode(v.cached))
	if err := v.space.Commit(); err != nil {
		return err
	}
	v.detachLocked()
	v.state = stateCommitted
	return nil
}

// Detach drops the cached value and the mapped range without
// committing; the next Deref or Modify re-maps fresh bytes from the
// store, which is how a reader observes a state committed elsewhere.
func (v *VObject[T]) Detach() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.detachLocked()
	v.state = stateUntouched
}

func (v *VObject[T]) detachLocked() {
	if v.lock != nil {
		v.lock.Release()
		v.lock = nil
	}
	v.cached = nil
}

// Destroy frees the object's allocation and drops its mapping. The
// caller must not use the VObject afterward; a second Destroy is a
// no-op on the allocator (the address is no longer live).
func (v *VObject[T]) Destroy() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.space.GetAllocator().Free(v.addr)
	v.detachLocked()
	return nil
}
