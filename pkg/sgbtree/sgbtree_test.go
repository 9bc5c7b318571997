package sgbtree

import "testing"

type intCmp struct{}

func (intCmp) Compare(a, b int) int { return a - b }

func buildTree(t *testing.T, values []int) *Tree[int] {
	t.Helper()
	tr := New[int](intCmp{})
	for _, v := range values {
		tr.Insert(v)
	}
	return tr
}

func TestInsertAndFindEqual(t *testing.T) {
	tr := buildTree(t, []int{5, 1, 9, 3, 7, 2, 8, 4, 6})
	if tr.Size() != 9 {
		t.Fatalf("expected size 9, got %d", tr.Size())
	}
	for _, v := range []int{1, 2, 3, 4, 5, 6, 7, 8, 9} {
		got, ok := tr.FindEqual(v)
		if !ok || got != v {
			t.Fatalf("FindEqual(%d) = (%d, %v), want (%d, true)", v, got, ok, v)
		}
	}
	if _, ok := tr.FindEqual(100); ok {
		t.Fatalf("FindEqual(100) should not be found")
	}
}

func TestAscendingIteration(t *testing.T) {
	values := []int{50, 10, 90, 30, 70, 20, 80, 40, 60}
	tr := buildTree(t, values)

	it := tr.CBegin()
	prev := -1
	count := 0
	for it.Valid() {
		v := it.Item()
		if v <= prev {
			t.Fatalf("iteration not ascending: %d after %d", v, prev)
		}
		prev = v
		count++
		it.Next()
	}
	if count != len(values) {
		t.Fatalf("expected %d items, iterated %d", len(values), count)
	}
}

func TestLowerUpperEqualBound(t *testing.T) {
	tr := buildTree(t, []int{10, 20, 30, 40, 50})

	if v, ok := tr.LowerEqualBound(25); !ok || v != 20 {
		t.Fatalf("LowerEqualBound(25) = (%d, %v), want (20, true)", v, ok)
	}
	if v, ok := tr.LowerEqualBound(30); !ok || v != 30 {
		t.Fatalf("LowerEqualBound(30) = (%d, %v), want (30, true)", v, ok)
	}
	if _, ok := tr.LowerEqualBound(5); ok {
		t.Fatalf("LowerEqualBound(5) should not be found")
	}

	if v, ok := tr.UpperEqualBound(25); !ok || v != 30 {
		t.Fatalf("UpperEqualBound(25) = (%d, %v), want (30, true)", v, ok)
	}
	if v, ok := tr.UpperEqualBound(30); !ok || v != 30 {
		t.Fatalf("UpperEqualBound(30) = (%d, %v), want (30, true)", v, ok)
	}
	if _, ok := tr.UpperEqualBound(55); ok {
		t.Fatalf("UpperEqualBound(55) should not be found")
	}
}

func TestLowerEqualWindow(t *testing.T) {
	tr := buildTree(t, []int{10, 20, 30, 40, 50})

	w := tr.LowerEqualWindow(30)
	if w.Match == nil || *w.Match != 30 {
		t.Fatalf("expected Match=30, got %v", w.Match)
	}
	if w.Prev == nil || *w.Prev != 20 {
		t.Fatalf("expected Prev=20, got %v", w.Prev)
	}
	if w.Next == nil || *w.Next != 40 {
		t.Fatalf("expected Next=40, got %v", w.Next)
	}

	w2 := tr.LowerEqualWindow(25)
	if w2.Match != nil {
		t.Fatalf("expected no Match for 25, got %v", w2.Match)
	}
	if w2.Prev == nil || *w2.Prev != 20 {
		t.Fatalf("expected Prev=20, got %v", w2.Prev)
	}
	if w2.Next == nil || *w2.Next != 30 {
		t.Fatalf("expected Next=30, got %v", w2.Next)
	}
}

func TestEraseRemovesItem(t *testing.T) {
	tr := buildTree(t, []int{1, 2, 3, 4, 5})
	if !tr.Erase(3) {
		t.Fatalf("Erase(3) should succeed")
	}
	if tr.Size() != 4 {
		t.Fatalf("expected size 4 after erase, got %d", tr.Size())
	}
	if _, ok := tr.FindEqual(3); ok {
		t.Fatalf("3 should no longer be found after Erase")
	}
	if tr.Erase(3) {
		t.Fatalf("second Erase(3) should report false")
	}
}

func TestFindMaxAndFindMin(t *testing.T) {
	tr := buildTree(t, []int{40, 10, 30, 50, 20})
	if v, ok := tr.FindMax(); !ok || v != 50 {
		t.Fatalf("FindMax = (%d, %v), want (50, true)", v, ok)
	}
	if v, ok := tr.FindMin(); !ok || v != 10 {
		t.Fatalf("FindMin = (%d, %v), want (10, true)", v, ok)
	}

	empty := New[int](intCmp{})
	if _, ok := empty.FindMax(); ok {
		t.Fatalf("FindMax on an empty tree should not be found")
	}
	if _, ok := empty.FindMin(); ok {
		t.Fatalf("FindMin on an empty tree should not be found")
	}
}

func TestEraseToEmptyAndReinsert(t *testing.T) {
	tr := New[int](intCmp{})
	// enough items to split into multiple leaves, then drain completely.
	n := LeafCapacity * 3
	for i := 0; i < n; i++ {
		tr.Insert(i)
	}
	for i := 0; i < n; i++ {
		if !tr.Erase(i) {
			t.Fatalf("Erase(%d) failed", i)
		}
	}
	if !tr.Empty() {
		t.Fatalf("expected an empty tree after erasing everything, size=%d", tr.Size())
	}

	tr.Insert(7)
	if v, ok := tr.FindEqual(7); !ok || v != 7 {
		t.Fatalf("insert after drain: FindEqual(7) = (%d, %v)", v, ok)
	}
}

func TestRebalanceKeepsTreeQueryable(t *testing.T) {
	// insert enough items to force several leaf splits and scapegoat
	// rebuilds, then confirm every item is still reachable in order.
	tr := New[int](intCmp{})
	n := 2000
	for i := 0; i < n; i++ {
		// insert in a shuffled-ish order (not monotonic) to exercise
		// both branches of the outer routing comparison.
		v := (i * 7919) % n
		tr.Insert(v)
	}
	if tr.Size() != n {
		t.Fatalf("expected size %d, got %d", n, tr.Size())
	}
	items := tr.Items()
	seen := make(map[int]bool, n)
	for _, v := range items {
		seen[v] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct items reachable, got %d", n, len(seen))
	}
	for i := 1; i < len(items); i++ {
		if items[i] < items[i-1] {
			t.Fatalf("Items() not sorted ascending at index %d: %d before %d", i, items[i-1], items[i])
		}
	}
}
