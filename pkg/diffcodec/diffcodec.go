// Package diffcodec computes and applies run-length byte diffs between
// fixed-size page images. A diff is a sequence of alternating
// (diff_len, sim_len) uint16 run lengths plus the raw bytes for every
// diff run, concatenated in run order. Applying a diff to a base image
// reproduces the target image exactly.
package diffcodec

import "sort"

// MaxRunLength is the largest run length representable in a single
// uint16 slot. Runs longer than this are split into multiple entries.
const MaxRunLength = 0xFFFF

// Diff holds the output of GetDiffs: a run-length table and the raw
// bytes for every diff run, in run order.
type Diff struct {
	Runs  []uint16 // alternating diff_len, sim_len
	Bytes []byte   // concatenated diff-run bytes
}

// Empty reports whether the diff carries no changes at all.
func (d *Diff) Empty() bool {
	return len(d.Runs) == 0
}

// byteRange is a half-open [Begin, End) span of forced-diff bytes.
type byteRange struct {
	Begin, End int
}

// DiffRange accumulates forced-diff byte spans a caller wants treated
// as changed even if the underlying bytes are identical. It is used to
// preserve logical identity across writes that happen to be byte-stable.
type DiffRange struct {
	data       []byteRange
	overflow   bool
	normalized bool
}

// Insert records a forced-diff span [begin, end). Once the range has
// overflowed (see SetOverflow), further inserts are no-ops.
func (r *DiffRange) Insert(begin, end int) {
	if r.overflow || begin >= end {
		return
	}
	r.data = append(r.data, byteRange{begin, end})
	r.normalized = false
}

// Clear discards all recorded spans and clears the overflow flag.
func (r *DiffRange) Clear() {
	r.data = r.data[:0]
	r.overflow = false
	r.normalized = false
}

// SetOverflow marks the whole range as dirty and discards the spans
// that had been recorded individually; GetData will refuse to resolve
// a view once overflowed.
func (r *DiffRange) SetOverflow() {
	r.overflow = true
	r.data = nil
}

// IsOverflow reports whether the range has been marked fully dirty.
func (r *DiffRange) IsOverflow() bool {
	return r.overflow
}

// normalize sorts spans by (begin, end) and merges overlapping or
// adjacent spans in place.
func (r *DiffRange) normalize() {
	if r.normalized {
		return
	}
	sort.Slice(r.data, func(i, j int) bool {
		if r.data[i].Begin != r.data[j].Begin {
			return r.data[i].Begin < r.data[j].Begin
		}
		return r.data[i].End < r.data[j].End
	})
	out := r.data[:0]
	for _, cur := range r.data {
		if len(out) > 0 && cur.Begin <= out[len(out)-1].End {
			if cur.End > out[len(out)-1].End {
				out[len(out)-1].End = cur.End
			}
			continue
		}
		out = append(out, cur)
	}
	r.data = out
	r.normalized = true
}

// GetData returns a normalized, coalesced view of the accumulated
// spans. It panics if the range has overflowed; callers must check
// IsOverflow first, exactly as the caller is expected to treat an
// overflowed range as "whole page dirty" rather than enumerate it.
func (r *DiffRange) GetData() DiffRangeView {
	if r.overflow {
		panic("diffcodec: GetData called on an overflowed DiffRange")
	}
	r.normalize()
	return DiffRangeView{ranges: r.data}
}

// DiffRangeView is a read-only, normalized view into a DiffRange's
// spans, suitable for passing into GetDiffs without granting mutation
// access to the underlying accumulator.
type DiffRangeView struct {
	ranges []byteRange
}

// Size returns the number of disjoint spans in the view.
func (v DiffRangeView) Size() int { return len(v.ranges) }

// At returns the i'th span as (begin, end).
func (v DiffRangeView) At(i int) (int, int) { return v.ranges[i].Begin, v.ranges[i].End }

// Empty reports whether the view carries no spans.
func (v DiffRangeView) Empty() bool { return len(v.ranges) == 0 }

// forcedAt reports whether byte index i falls inside any span in the
// view. Views are normalized and sorted, so this walks a cursor rather
// than rescanning from the start each call.
type forcedWalker struct {
	view DiffRangeView
	idx  int
}

func newForcedWalker(view DiffRangeView) *forcedWalker {
	return &forcedWalker{view: view}
}

func (w *forcedWalker) forcedAt(i int) bool {
	for w.idx < len(w.view.ranges) && w.view.ranges[w.idx].End <= i {
		w.idx++
	}
	if w.idx >= len(w.view.ranges) {
		return false
	}
	return i >= w.view.ranges[w.idx].Begin && i < w.view.ranges[w.idx].End
}

// GetDiffs compares prev and next (both of length size) and produces a
// run-length diff: alternating diff/similar run lengths, starting with
// a diff run, plus the raw diff bytes. Byte i is treated as differing
// if prev[i] != next[i] or i falls inside a forced span in ranges. ok
// is false when the diff would exceed maxDiff differing bytes or the
// run table would reach maxSize runs; callers
// should fall back to a full base record in that case. If no bytes
// differ at all, GetDiffs returns an empty Diff with ok == true.
func GetDiffs(prev, next []byte, size int, maxDiff, maxSize int, ranges DiffRangeView) (Diff, bool) {
	if maxDiff <= 0 {
		maxDiff = size / 2
	}
	if maxSize <= 0 {
		maxSize = MaxRunLength
	}

	var out Diff
	walker := newForcedWalker(ranges)

	// The wire format is diff_len, sim_len, diff_len, sim_len, ...;
	// the run table always opens with a diff run, unconditionally. If
	// byte 0 doesn't actually differ, emit an explicit empty leading
	// diff run so the fixed parity still holds.
	if size > 0 && !(prev[0] != next[0] || walker.forcedAt(0)) {
		appendRun(&out.Runs, 0)
		if len(out.Runs) >= maxSize {
			return Diff{}, false
		}
	}

	diffTotal := 0
	diffBytes := false
	i := 0
	for i < size {
		runStart := i
		diffRun := prev[i] != next[i] || walker.forcedAt(i)
		for i < size && len(out.Runs) < maxSize {
			cur := prev[i] != next[i] || walker.forcedAt(i)
			if cur != diffRun {
				break
			}
			i++
		}
		runLen := i - runStart
		if diffRun {
			diffTotal += runLen
			out.Bytes = append(out.Bytes, next[runStart:i]...)
		}
		appendRun(&out.Runs, runLen)
		diffBytes = diffBytes || diffRun

		if diffTotal > maxDiff || len(out.Runs) >= maxSize {
			return Diff{}, false
		}
	}

	if !diffBytes {
		return Diff{}, true
	}
	return out, true
}

// GetZeroDiffs is the zero-base variant of GetDiffs: it compares next
// against an implicit all-zero page of the given size, so a zero byte
// is "similar" and a non-zero byte is "diff". The run table is prefixed
// with a leading (0,0) marker pair so Apply can distinguish a zero-base
// diff from a two-buffer diff without an out-of-band flag.
func GetZeroDiffs(next []byte, size int, maxDiff, maxSize int, ranges DiffRangeView) (Diff, bool) {
	if maxDiff <= 0 {
		maxDiff = size / 2
	}
	if maxSize <= 0 {
		maxSize = MaxRunLength
	}

	out := Diff{Runs: []uint16{0, 0}}
	walker := newForcedWalker(ranges)

	// As in GetDiffs, the content following the (0,0) zero-base marker
	// still opens with a diff run by convention; pad with an explicit
	// empty one if byte 0 is itself zero (i.e. similar to the base).
	if size > 0 && !(next[0] != 0 || walker.forcedAt(0)) {
		appendRun(&out.Runs, 0)
		if len(out.Runs) >= maxSize {
			return Diff{}, false
		}
	}

	diffTotal := 0
	i := 0
	for i < size {
		runStart := i
		diffRun := next[i] != 0 || walker.forcedAt(i)
		for i < size && len(out.Runs) < maxSize {
			cur := next[i] != 0 || walker.forcedAt(i)
			if cur != diffRun {
				break
			}
			i++
		}
		runLen := i - runStart
		if diffRun {
			diffTotal += runLen
			out.Bytes = append(out.Bytes, next[runStart:i]...)
		}
		appendRun(&out.Runs, runLen)

		if diffTotal > maxDiff || len(out.Runs) >= maxSize {
			return Diff{}, false
		}
	}

	return out, true
}

// appendRun splits a run length into as many MaxRunLength-sized slots
// as needed so every entry fits in a uint16.
func appendRun(runs *[]uint16, length int) {
	for length > MaxRunLength {
		*runs = append(*runs, MaxRunLength)
		// a full-width slot never represents a real boundary between
		// diff/sim state, so immediately re-emit the zero-length
		// counterpart to keep the alternation meaningful.
		*runs = append(*runs, 0)
		length -= MaxRunLength
	}
	*runs = append(*runs, uint16(length))
}

// Apply reconstructs a page image of the given size from a base image
// and a Diff produced by GetDiffs (diff.Runs has no leading (0,0)
// marker). The first run is always a diff_len (copy from diff.Bytes,
// possibly zero-length), the second a sim_len (copy from base),
// alternating thereafter.
func Apply(base []byte, diff Diff, size int) []byte {
	out := make([]byte, 0, size)
	bytePos := 0
	isDiff := true
	for _, run := range diff.Runs {
		n := int(run)
		if isDiff {
			out = append(out, diff.Bytes[bytePos:bytePos+n]...)
			bytePos += n
		} else {
			out = append(out, base[len(out):len(out)+n]...)
		}
		isDiff = !isDiff
	}
	return out
}

// ApplyZero reconstructs a page image from a Diff produced by
// GetZeroDiffs. The leading (0,0) marker pair is consumed first, then
// runs alternate diff (diff.Bytes) / sim (zero bytes), same convention
// as Apply.
func ApplyZero(diff Diff, size int) []byte {
	if len(diff.Runs) < 2 || diff.Runs[0] != 0 || diff.Runs[1] != 0 {
		panic("diffcodec: ApplyZero requires a leading (0,0) marker")
	}
	out := make([]byte, 0, size)
	bytePos := 0
	isDiff := true
	for _, run := range diff.Runs[2:] {
		n := int(run)
		if isDiff {
			out = append(out, diff.Bytes[bytePos:bytePos+n]...)
			bytePos += n
		} else {
			out = append(out, make([]byte, n)...)
		}
		isDiff = !isDiff
	}
	return out
}
