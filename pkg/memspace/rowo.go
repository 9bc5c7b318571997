// ABOUTME: read-or-write-only atomic flag word, not a general rwmutex
// ABOUTME: Implements CAS-based lock/unlock over a packed uint32 state

package memspace

import "sync/atomic"

// ROWO flag bits. A slot can simultaneously be available for read and
// write speculatively (AVAIL_FOR_RW) before any reader or writer has
// committed to one side. acquireRead and acquireWrite wait while LOCK
// is set; no code in this package sets it.
const (
	availForRead  uint32 = 1 << 0
	availForWrite uint32 = 1 << 1
	availForRW    uint32 = 1 << 2
	lockBit       uint32 = 1 << 3
)

// rowo is a bespoke concurrency primitive for MemLock's access state:
// it tracks whether a mapped range is available for reading, writing,
// or both, using compare-and-swap rather than a mutex, since the
// "lock" here protects a state transition rather than a critical
// section a reader or writer holds for arbitrary durations.
type rowo struct {
	word atomic.Uint32
}

func newROWO() *rowo {
	r := &rowo{}
	r.word.Store(availForRW)
	return r
}

// acquireRead transitions an AVAIL_FOR_RW or AVAIL_FOR_READ slot into
// a committed read, reporting success. It fails if the slot is
// currently committed to write-only access.
func (r *rowo) acquireRead() bool {
	for {
		cur := r.word.Load()
		if cur&lockBit != 0 {
			continue
		}
		if cur&(availForRead|availForRW) == 0 {
			return false
		}
		if r.word.CompareAndSwap(cur, availForRead) {
			return true
		}
	}
}

// acquireWrite transitions an AVAIL_FOR_RW or AVAIL_FOR_WRITE slot
// into a committed write, reporting success.
func (r *rowo) acquireWrite() bool {
	for {
		cur := r.word.Load()
		if cur&lockBit != 0 {
			continue
		}
		if cur&(availForWrite|availForRW) == 0 {
			return false
		}
		if r.word.CompareAndSwap(cur, availForWrite) {
			return true
		}
	}
}

// release returns the slot to the speculative AVAIL_FOR_RW state so a
// future read or write can be acquired again.
func (r *rowo) release() {
	r.word.Store(availForRW)
}
