// ABOUTME: sorted range index of (key, value) pairs over bounded ranges
// ABOUTME: Implements bulk insert, median splits, bounded range queries and FT-joined iteration

// Package rangetree implements an in-memory sorted index of (key,
// value) pairs, organized as an outer tree of bounded "range" buckets.
// Each range covers a key interval [lo, hi] and holds up to a
// configured number of entries in insertion order (sorted lazily, the
// same heap-ordered-leaf discipline sgbtree uses); ranges are totally
// ordered by hi key, and an insert that pushes a range past the size
// limit splits it at the median key. The package supports
// ascending/descending merge iteration that can be joined with an
// external full-text iterator under intersection semantics, plus
// inclusive/exclusive bounded range queries.
package rangetree

import (
	"sort"

	"github.com/nainya/dbzero/pkg/sgbtree"
)

// DefaultRangeSize is the per-range entry limit used by New; callers
// with a known access pattern pick their own via NewWithLimit.
const DefaultRangeSize = 32

// Entry is a single (key, value) pair stored in the tree. An entry
// with HasKey false sorts into the dedicated null-key bucket rather
// than the ordered keyspace, matching how absent/unknown keys are
// indexed separately from the main ordering.
type Entry[K any, V any] struct {
	Key    K
	HasKey bool
	Value  V
}

// Comparator orders keys of type K.
type Comparator[K any] interface {
	Compare(a, b K) int
}

// Range is one bounded bucket of (key, value) entries covering the key
// interval [lo, hi]. Entries are held in insertion order and sorted
// lazily when an iterator or split needs them.
type Range[K any, V any] struct {
	items []Entry[K, V]
	lo    K
	hi    K
}

// Size returns the number of entries the range currently holds.
func (r *Range[K, V]) Size() int { return len(r.items) }

// MinKey returns the low end of the range's key interval.
func (r *Range[K, V]) MinKey() K { return r.lo }

// MaxKey returns the high end of the range's key interval.
func (r *Range[K, V]) MaxKey() K { return r.hi }

// sortedItems returns the range's entries ascending by key, stable in
// insertion order for equal keys. The range itself stays in insertion
// order.
func (r *Range[K, V]) sortedItems(cmp Comparator[K]) []Entry[K, V] {
	out := append([]Entry[K, V](nil), r.items...)
	sort.SliceStable(out, func(i, j int) bool {
		return cmp.Compare(out[i].Key, out[j].Key) < 0
	})
	return out
}

// MakeIterator returns an iterator over the range's values in
// ascending key order.
func (r *Range[K, V]) MakeIterator(cmp Comparator[K]) *ValueIterator[V] {
	sorted := r.sortedItems(cmp)
	values := make([]V, len(sorted))
	for i, e := range sorted {
		values[i] = e.Value
	}
	return &ValueIterator[V]{values: values}
}

// ValueIterator walks one range's values in ascending key order.
type ValueIterator[V any] struct {
	values []V
	pos    int
}

// Valid reports whether the iterator is positioned at a value.
func (it *ValueIterator[V]) Valid() bool { return it.pos < len(it.values) }

// Value returns the value at the iterator's current position.
func (it *ValueIterator[V]) Value() V { return it.values[it.pos] }

// Next advances the iterator by one position.
func (it *ValueIterator[V]) Next() { it.pos++ }

// rangeCmp orders ranges by their hi key. Ranges never overlap and a
// split only cuts between strictly distinct keys, so hi keys are
// unique across a tree's ranges.
type rangeCmp[K any, V any] struct {
	keyCmp Comparator[K]
}

func (c rangeCmp[K, V]) Compare(a, b *Range[K, V]) int {
	return c.keyCmp.Compare(a.hi, b.hi)
}

// Tree is a sorted (key, value) index over K: an outer sgbtree of
// bounded Range buckets ordered by hi key, plus a side bucket for
// null-keyed entries.
type Tree[K any, V any] struct {
	ranges  *sgbtree.Tree[*Range[K, V]]
	keyCmp  Comparator[K]
	limit   int
	count   int
	nullSet []Entry[K, V]
}

// New creates an empty range tree ordered by cmp with the default
// per-range size limit.
func New[K any, V any](cmp Comparator[K]) *Tree[K, V] {
	return NewWithLimit[K, V](cmp, DefaultRangeSize)
}

// NewWithLimit creates an empty range tree whose ranges split once
// they exceed limit entries. Limits below 2 are raised to 2, the
// smallest size a median split can cut.
func NewWithLimit[K any, V any](cmp Comparator[K], limit int) *Tree[K, V] {
	if limit < 2 {
		limit = 2
	}
	return &Tree[K, V]{
		ranges: sgbtree.New[*Range[K, V]](rangeCmp[K, V]{keyCmp: cmp}),
		keyCmp: cmp,
		limit:  limit,
	}
}

// Size returns the total number of entries, including the null bucket.
func (t *Tree[K, V]) Size() int {
	return t.count + len(t.nullSet)
}

// RangeCount returns the number of range buckets currently in the
// tree.
func (t *Tree[K, V]) RangeCount() int { return t.ranges.Size() }

// HasAnyNonNull reports whether any entry has a non-null key.
func (t *Tree[K, V]) HasAnyNonNull() bool { return t.count > 0 }

// BulkInsert inserts every (key, value) pair in entries, routing
// null-keyed entries to the null bucket.
func (t *Tree[K, V]) BulkInsert(entries []Entry[K, V]) {
	for _, e := range entries {
		if e.HasKey {
			t.insertKeyed(e)
		} else {
			t.nullSet = append(t.nullSet, e)
		}
	}
}

// BulkInsertNull inserts every value in values into the dedicated
// null-key bucket, used for entries whose key is not (yet) known.
func (t *Tree[K, V]) BulkInsertNull(values []V) {
	for _, v := range values {
		t.nullSet = append(t.nullSet, Entry[K, V]{Value: v})
	}
}

// insertKeyed routes an entry to the lowest range whose interval can
// cover its key (the first range with hi >= key, else the last range,
// whose hi the entry then extends) and splits the range at its median
// key if the insert pushed it past the size limit.
func (t *Tree[K, V]) insertKeyed(e Entry[K, V]) {
	t.count++

	if t.ranges.Empty() {
		t.ranges.Insert(&Range[K, V]{items: []Entry[K, V]{e}, lo: e.Key, hi: e.Key})
		return
	}

	probe := &Range[K, V]{hi: e.Key}
	r, ok := t.ranges.UpperEqualBound(probe)
	if !ok {
		r, _ = t.ranges.FindMax()
	}

	if t.keyCmp.Compare(e.Key, r.hi) > 0 {
		// extending the last range's hi changes its sort key, so it
		// must leave and re-enter the outer tree.
		t.ranges.Erase(r)
		r.items = append(r.items, e)
		r.hi = e.Key
		t.ranges.Insert(r)
	} else {
		r.items = append(r.items, e)
		if t.keyCmp.Compare(e.Key, r.lo) < 0 {
			r.lo = e.Key
		}
	}

	if len(r.items) > t.limit {
		t.splitRange(r)
	}
}

// splitRange cuts r at its median key into two ranges. The cut is
// nudged to the nearest boundary between strictly distinct keys so no
// key ever spans two ranges; a range holding a single repeated key is
// left over-full rather than split.
func (t *Tree[K, V]) splitRange(r *Range[K, V]) {
	sorted := r.sortedItems(t.keyCmp)
	mid := len(sorted) / 2
	for mid < len(sorted) && t.keyCmp.Compare(sorted[mid-1].Key, sorted[mid].Key) == 0 {
		mid++
	}
	if mid == len(sorted) {
		mid = len(sorted) / 2
		for mid > 0 && t.keyCmp.Compare(sorted[mid-1].Key, sorted[mid].Key) == 0 {
			mid--
		}
	}
	if mid == 0 || mid == len(sorted) {
		return
	}

	left := &Range[K, V]{
		items: append([]Entry[K, V](nil), sorted[:mid]...),
		lo:    sorted[0].Key,
		hi:    sorted[mid-1].Key,
	}
	right := &Range[K, V]{
		items: append([]Entry[K, V](nil), sorted[mid:]...),
		lo:    sorted[mid].Key,
		hi:    sorted[len(sorted)-1].Key,
	}
	t.ranges.Erase(r)
	t.ranges.Insert(left)
	t.ranges.Insert(right)
}

// orderedRanges returns the tree's ranges ascending by hi key, or
// descending when ascending is false.
func (t *Tree[K, V]) orderedRanges(ascending bool) []*Range[K, V] {
	rs := t.ranges.Items()
	if !ascending {
		reverse(rs)
	}
	return rs
}

// RangeCursor walks range buckets in order starting from some
// position.
type RangeCursor[K any, V any] struct {
	ranges []*Range[K, V]
	pos    int
	keyCmp Comparator[K]
}

// Valid reports whether the cursor is positioned at a range.
func (c *RangeCursor[K, V]) Valid() bool { return c.pos < len(c.ranges) }

// Range returns the range the cursor is positioned at.
func (c *RangeCursor[K, V]) Range() *Range[K, V] { return c.ranges[c.pos] }

// Key returns the low key of the range the cursor is positioned at.
func (c *RangeCursor[K, V]) Key() K { return c.ranges[c.pos].lo }

// MakeIterator returns an iterator over the current range's values in
// ascending key order.
func (c *RangeCursor[K, V]) MakeIterator() *ValueIterator[V] {
	return c.ranges[c.pos].MakeIterator(c.keyCmp)
}

// Next advances to the next range.
func (c *RangeCursor[K, V]) Next() { c.pos++ }

// BeginRange returns a cursor over every range in ascending
// (ascending=true) or descending hi-key order.
func (t *Tree[K, V]) BeginRange(ascending bool) *RangeCursor[K, V] {
	return &RangeCursor[K, V]{ranges: t.orderedRanges(ascending), keyCmp: t.keyCmp}
}

// LowerBound returns an ascending cursor positioned at the first range
// whose interval covers key: the lowest range with hi >= key
// (inclusive) or hi > key (exclusive). Every following range also lies
// at or above the bound.
func (t *Tree[K, V]) LowerBound(key K, inclusive bool) *RangeCursor[K, V] {
	rs := t.orderedRanges(true)
	idx := sort.Search(len(rs), func(i int) bool {
		c := t.keyCmp.Compare(rs[i].hi, key)
		if inclusive {
			return c >= 0
		}
		return c > 0
	})
	return &RangeCursor[K, V]{ranges: rs[idx:], keyCmp: t.keyCmp}
}

// UpperBound returns a descending cursor positioned at the last range
// whose interval covers key: the highest range with lo <= key
// (inclusive) or lo < key (exclusive). Every following range also lies
// at or below the bound.
func (t *Tree[K, V]) UpperBound(key K, inclusive bool) *RangeCursor[K, V] {
	rs := t.orderedRanges(false)
	idx := sort.Search(len(rs), func(i int) bool {
		c := t.keyCmp.Compare(rs[i].lo, key)
		if inclusive {
			return c <= 0
		}
		return c < 0
	})
	return &RangeCursor[K, V]{ranges: rs[idx:], keyCmp: t.keyCmp}
}

// FTIterator is an external full-text iterator SortIterator and
// RangeIterator can join against under intersection semantics: only
// values present in both the range tree and the FT iterator survive.
type FTIterator[V any] interface {
	// Contains reports whether v is present in the external set.
	Contains(v V) bool
}

// SortIterator performs an ascending or descending merge over every
// range's values, optionally intersected with an external FT iterator.
type SortIterator[K any, V any] struct {
	values     []V
	pos        int
	descending bool
	ft         FTIterator[V]
}

// NewSortIterator builds an ascending (descending=false) or descending
// merge iterator over every stored non-null value, joined with ft if
// non-nil (intersection: only values ft.Contains also returns true
// for are yielded).
func (t *Tree[K, V]) NewSortIterator(descending bool, ft FTIterator[V]) *SortIterator[K, V] {
	values := make([]V, 0, t.count)
	for _, r := range t.orderedRanges(true) {
		for _, e := range r.sortedItems(t.keyCmp) {
			values = append(values, e.Value)
		}
	}
	if descending {
		reverse(values)
	}
	it := &SortIterator[K, V]{values: values, descending: descending, ft: ft}
	it.skipToMatch()
	return it
}

func (it *SortIterator[K, V]) skipToMatch() {
	for it.pos < len(it.values) {
		if it.ft == nil || it.ft.Contains(it.values[it.pos]) {
			return
		}
		it.pos++
	}
}

// Valid reports whether the iterator is positioned at a value.
func (it *SortIterator[K, V]) Valid() bool { return it.pos < len(it.values) }

// Value returns the value at the iterator's current position.
func (it *SortIterator[K, V]) Value() V { return it.values[it.pos] }

// Next advances past the current value to the next value that
// satisfies the FT join, if one was supplied.
func (it *SortIterator[K, V]) Next() {
	it.pos++
	it.skipToMatch()
}

func reverse[V any](s []V) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// RangeIterator walks values whose key falls within [min, max], with
// independent inclusive/exclusive flags on each endpoint, optionally
// joined with an external FT iterator under intersection semantics.
type RangeIterator[K any, V any] struct {
	values []V
	pos    int
	ft     FTIterator[V]
}

// NewRangeIterator builds a range iterator over keys in [min, max]
// (min/maxInclusive controlling each endpoint), joined with ft if
// non-nil. Ranges whose whole interval lies outside the bounds are
// skipped without touching their entries.
func (t *Tree[K, V]) NewRangeIterator(min K, minInclusive bool, max K, maxInclusive bool, ft FTIterator[V]) *RangeIterator[K, V] {
	var values []V
	for _, r := range t.orderedRanges(true) {
		if t.keyCmp.Compare(r.hi, min) < 0 {
			continue
		}
		if t.keyCmp.Compare(r.lo, max) > 0 {
			break
		}
		for _, e := range r.sortedItems(t.keyCmp) {
			cMin := t.keyCmp.Compare(e.Key, min)
			if cMin < 0 || (cMin == 0 && !minInclusive) {
				continue
			}
			cMax := t.keyCmp.Compare(e.Key, max)
			if cMax > 0 || (cMax == 0 && !maxInclusive) {
				continue
			}
			values = append(values, e.Value)
		}
	}

	it := &RangeIterator[K, V]{values: values, ft: ft}
	it.skipToMatch()
	return it
}

func (it *RangeIterator[K, V]) skipToMatch() {
	for it.pos < len(it.values) {
		if it.ft == nil || it.ft.Contains(it.values[it.pos]) {
			return
		}
		it.pos++
	}
}

// Valid reports whether the iterator is positioned at a value.
func (it *RangeIterator[K, V]) Valid() bool { return it.pos < len(it.values) }

// Value returns the value at the iterator's current position.
func (it *RangeIterator[K, V]) Value() V { return it.values[it.pos] }

// Next advances past the current value to the next value satisfying
// the FT join, if one was supplied.
func (it *RangeIterator[K, V]) Next() {
	it.pos++
	it.skipToMatch()
}
