package rangetree

import "testing"

type intCmp struct{}

func (intCmp) Compare(a, b int) int { return a - b }

// the (key, value) set shared by most tests below, in insertion order.
func sevenEntries() []Entry[int, int] {
	return []Entry[int, int]{
		{Key: 99, HasKey: true, Value: 3},
		{Key: 199, HasKey: true, Value: 5},
		{Key: 13, HasKey: true, Value: 2},
		{Key: 199, HasKey: true, Value: 7},
		{Key: 142, HasKey: true, Value: 9},
		{Key: 152, HasKey: true, Value: 8},
		{Key: 27, HasKey: true, Value: 4},
	}
}

func TestSortIteratorAscending(t *testing.T) {
	tr := New[int, int](intCmp{})
	tr.BulkInsert(sevenEntries())

	it := tr.NewSortIterator(false, nil)
	var got []int
	for it.Valid() {
		got = append(got, it.Value())
		it.Next()
	}

	want := []int{2, 4, 3, 9, 8, 5, 7}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSortIteratorOrderSurvivesRangeSplits(t *testing.T) {
	// a limit small enough that the same data spans several ranges must
	// not change the merged output order.
	tr := NewWithLimit[int, int](intCmp{}, 4)
	tr.BulkInsert(sevenEntries())
	if tr.RangeCount() < 2 {
		t.Fatalf("expected the 4-entry limit to split the data into multiple ranges, got %d", tr.RangeCount())
	}

	it := tr.NewSortIterator(false, nil)
	var got []int
	for it.Valid() {
		got = append(got, it.Value())
		it.Next()
	}
	want := []int{2, 4, 3, 9, 8, 5, 7}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRangeSizeLimitSplitsRanges(t *testing.T) {
	tr := NewWithLimit[int, int](intCmp{}, 8)
	for i := 0; i < 10; i++ {
		tr.BulkInsert([]Entry[int, int]{{Key: i * 10, HasKey: true, Value: i}})
	}
	if tr.RangeCount() != 2 {
		t.Fatalf("10 entries under an 8-entry limit should split into 2 ranges, got %d", tr.RangeCount())
	}
	if tr.Size() != 10 {
		t.Fatalf("expected all 10 entries retained across the split, got %d", tr.Size())
	}
}

func TestRangesExplodeAsItemsArrive(t *testing.T) {
	tr := NewWithLimit[int, int](intCmp{}, 4)
	tr.BulkInsert(sevenEntries())
	if tr.RangeCount() != 2 {
		t.Fatalf("expected 2 ranges after the seven seed entries, got %d", tr.RangeCount())
	}

	// 148 overflows the [142..199] range and splits it; the next two
	// land in the now-roomier halves without further splits.
	tr.BulkInsert([]Entry[int, int]{
		{Key: 148, HasKey: true, Value: 11},
		{Key: 123, HasKey: true, Value: 6},
		{Key: 150, HasKey: true, Value: 12},
	})
	if tr.RangeCount() != 3 {
		t.Fatalf("expected the extra entries to explode an over-full range into 3 total, got %d", tr.RangeCount())
	}
	if tr.Size() != 10 {
		t.Fatalf("expected all 10 entries retained, got %d", tr.Size())
	}
}

func TestLowerBoundLandsOnCoveringRange(t *testing.T) {
	// with a 4-entry limit the seven seed entries settle into
	// [13..99] and [142..199]; every query inside the second range's
	// interval must land on that same range.
	tr := NewWithLimit[int, int](intCmp{}, 4)
	tr.BulkInsert(sevenEntries())

	for _, key := range []int{150, 198, 199} {
		cur := tr.LowerBound(key, true)
		if !cur.Valid() {
			t.Fatalf("LowerBound(%d) found no covering range", key)
		}
		if cur.Key() != 142 {
			t.Fatalf("LowerBound(%d) should land on the range starting at 142, got %d", key, cur.Key())
		}
	}

	cur := tr.LowerBound(99, true)
	if !cur.Valid() || cur.Key() != 13 {
		t.Fatalf("LowerBound(99) should land on the range starting at 13, got valid=%v", cur.Valid())
	}

	// exclusive of the first range's hi key steps past it.
	cur = tr.LowerBound(99, false)
	if !cur.Valid() || cur.Key() != 142 {
		t.Fatalf("LowerBound(99, exclusive) should skip to the range starting at 142, got valid=%v", cur.Valid())
	}

	if cur := tr.LowerBound(200, true); cur.Valid() {
		t.Fatalf("LowerBound(200) should find nothing past the highest range, got key %d", cur.Key())
	}
}

func TestUpperBoundWalksDescending(t *testing.T) {
	tr := NewWithLimit[int, int](intCmp{}, 4)
	tr.BulkInsert(sevenEntries())

	cur := tr.UpperBound(100, true)
	if !cur.Valid() || cur.Key() != 13 {
		t.Fatalf("UpperBound(100) should land on the range starting at 13, got valid=%v", cur.Valid())
	}

	cur = tr.UpperBound(199, true)
	if !cur.Valid() || cur.Key() != 142 {
		t.Fatalf("UpperBound(199) should land on the range starting at 142, got valid=%v", cur.Valid())
	}
	var keys []int
	for ; cur.Valid(); cur.Next() {
		keys = append(keys, cur.Key())
	}
	want := []int{142, 13}
	if len(keys) != len(want) || keys[0] != want[0] || keys[1] != want[1] {
		t.Fatalf("UpperBound walk = %v, want %v", keys, want)
	}

	// exclusive of a range's lo key steps below it.
	cur = tr.UpperBound(142, false)
	if !cur.Valid() || cur.Key() != 13 {
		t.Fatalf("UpperBound(142, exclusive) should skip to the range starting at 13, got valid=%v", cur.Valid())
	}

	if cur := tr.UpperBound(5, true); cur.Valid() {
		t.Fatalf("UpperBound(5) should find nothing below the lowest range, got key %d", cur.Key())
	}
}

func TestBeginRangeIteratesRangeValuesInOrder(t *testing.T) {
	tr := NewWithLimit[int, int](intCmp{}, 4)
	tr.BulkInsert(sevenEntries())

	var rangeKeys []int
	var merged []int
	for c := tr.BeginRange(true); c.Valid(); c.Next() {
		rangeKeys = append(rangeKeys, c.Key())
		for it := c.MakeIterator(); it.Valid(); it.Next() {
			merged = append(merged, it.Value())
		}
	}

	wantKeys := []int{13, 142}
	if len(rangeKeys) != len(wantKeys) || rangeKeys[0] != wantKeys[0] || rangeKeys[1] != wantKeys[1] {
		t.Fatalf("ascending range keys = %v, want %v", rangeKeys, wantKeys)
	}
	wantMerged := []int{2, 4, 3, 9, 8, 5, 7}
	if len(merged) != len(wantMerged) {
		t.Fatalf("merged values = %v, want %v", merged, wantMerged)
	}
	for i := range wantMerged {
		if merged[i] != wantMerged[i] {
			t.Fatalf("merged values = %v, want %v", merged, wantMerged)
		}
	}

	var descKeys []int
	for c := tr.BeginRange(false); c.Valid(); c.Next() {
		descKeys = append(descKeys, c.Key())
	}
	if len(descKeys) != 2 || descKeys[0] != 142 || descKeys[1] != 13 {
		t.Fatalf("descending range keys = %v, want [142 13]", descKeys)
	}
}

func TestRangeIteratorInclusiveBounds(t *testing.T) {
	tr := New[int, int](intCmp{})
	tr.BulkInsert(append(sevenEntries(),
		Entry[int, int]{Key: 148, HasKey: true, Value: 11},
		Entry[int, int]{Key: 123, HasKey: true, Value: 6},
	))

	it := tr.NewRangeIterator(100, true, 199, true, nil)
	got := map[int]bool{}
	for it.Valid() {
		got[it.Value()] = true
		it.Next()
	}

	want := map[int]bool{5: true, 6: true, 7: true, 8: true, 9: true, 11: true}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for v := range want {
		if !got[v] {
			t.Fatalf("missing %d in result %v", v, got)
		}
	}
}

func TestRangeIteratorExclusiveEndpointsAcrossSplits(t *testing.T) {
	tr := NewWithLimit[int, int](intCmp{}, 4)
	tr.BulkInsert(sevenEntries())

	// (99, 199): drops both endpoint keys, spanning the range split.
	it := tr.NewRangeIterator(99, false, 199, false, nil)
	var got []int
	for it.Valid() {
		got = append(got, it.Value())
		it.Next()
	}
	want := []int{9, 8}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("exclusive (99, 199) = %v, want %v", got, want)
	}
}

type allowSet map[int]bool

func (a allowSet) Contains(v int) bool { return a[v] }

func TestRangeIteratorJoinsWithFTIterator(t *testing.T) {
	tr := New[int, int](intCmp{})
	tr.BulkInsert([]Entry[int, int]{
		{Key: 10, HasKey: true, Value: 1},
		{Key: 20, HasKey: true, Value: 2},
		{Key: 30, HasKey: true, Value: 3},
	})

	ft := allowSet{1: true, 3: true}
	it := tr.NewRangeIterator(0, true, 100, true, ft)

	var got []int
	for it.Valid() {
		got = append(got, it.Value())
		it.Next()
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected FT-joined result [1 3], got %v", got)
	}
}

func TestBulkInsertNullBucketIsSeparate(t *testing.T) {
	tr := New[int, string](intCmp{})
	tr.BulkInsertNull([]string{"unknown-a", "unknown-b"})
	tr.BulkInsert([]Entry[int, string]{{Key: 1, HasKey: true, Value: "known"}})

	if tr.Size() != 3 {
		t.Fatalf("expected size 3 (2 null + 1 keyed), got %d", tr.Size())
	}
	if !tr.HasAnyNonNull() {
		t.Fatalf("expected HasAnyNonNull true after inserting a keyed entry")
	}
}
