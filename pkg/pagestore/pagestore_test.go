package pagestore

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/nainya/dbzero/pkg/diffcodec"
)

func tempStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "store.dbz")
}

func randomPage(rng *rand.Rand, size int) []byte {
	buf := make([]byte, size)
	rng.Read(buf)
	return buf
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := tempStorePath(t)
	ps, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ps.Close()

	pageA := bytes.Repeat([]byte{0xAA}, 4096)
	pageB := append([]byte(nil), pageA...)
	pageB[100] = 0xFF

	if err := ps.Write(7, 1, pageA, diffcodec.DiffRangeView{}); err != nil {
		t.Fatalf("Write state 1: %v", err)
	}
	if err := ps.Write(7, 2, pageB, diffcodec.DiffRangeView{}); err != nil {
		t.Fatalf("Write state 2: %v", err)
	}

	got1, err := ps.Read(7, 1)
	if err != nil {
		t.Fatalf("Read state 1: %v", err)
	}
	if !bytes.Equal(got1, pageA) {
		t.Fatalf("Read(state 1) mismatch")
	}

	got2, err := ps.Read(7, 2)
	if err != nil {
		t.Fatalf("Read state 2: %v", err)
	}
	if !bytes.Equal(got2, pageB) {
		t.Fatalf("Read(state 2) mismatch")
	}

	if err := ps.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// still readable identically after flush
	got1b, err := ps.Read(7, 1)
	if err != nil || !bytes.Equal(got1b, pageA) {
		t.Fatalf("Read(state 1) after Flush mismatch: err=%v", err)
	}
}

// TestReadResolvesLargestStateAtOrBelowQuery writes ten distinct page
// images at states 1, 6, 11, ..., 46 and checks that queries between
// and beyond those states each resolve to the image written at the
// largest state at or below the query.
func TestReadResolvesLargestStateAtOrBelowQuery(t *testing.T) {
	path := tempStorePath(t)
	ps, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ps.Close()

	rng := rand.New(rand.NewSource(1))
	written := map[uint64][]byte{}
	for i := 0; i < 10; i++ {
		state := uint64(1 + 5*i)
		page := randomPage(rng, 4096)
		if err := ps.Write(0, state, page, diffcodec.DiffRangeView{}); err != nil {
			t.Fatalf("Write state %d: %v", state, err)
		}
		written[state] = page
	}

	queries := map[uint64]uint64{
		1: 1, 4: 1, 12: 11, 34: 31, 35: 31, 52: 46, 100: 46, 13: 11,
	}
	for query, wantState := range queries {
		got, err := ps.Read(0, query)
		if err != nil {
			t.Fatalf("Read at state %d: %v", query, err)
		}
		if !bytes.Equal(got, written[wantState]) {
			t.Fatalf("Read at state %d should return the page written at state %d", query, wantState)
		}
	}

	// also after flush and reopen
	if err := ps.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	for query, wantState := range queries {
		got, err := reopened.Read(0, query)
		if err != nil {
			t.Fatalf("Read at state %d after reopen: %v", query, err)
		}
		if !bytes.Equal(got, written[wantState]) {
			t.Fatalf("Read at state %d after reopen should return the state-%d page", query, wantState)
		}
	}
}

func TestReadWithWriteAccessZeroFillsFreshPage(t *testing.T) {
	path := tempStorePath(t)
	ps, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ps.Close()

	if _, err := ps.Read(0, 1); err != ErrPageNotFound {
		t.Fatalf("read-intent lookup of a fresh page should fail with ErrPageNotFound, got %v", err)
	}

	buf, err := ps.ReadWithAccess(0, 1, AccessWrite)
	if err != nil {
		t.Fatalf("ReadWithAccess(write): %v", err)
	}
	if len(buf) != 4096 || !bytes.Equal(buf, make([]byte, 4096)) {
		t.Fatalf("write-intent lookup of a fresh page should return a zero-filled page")
	}
}

func TestWriteRejectsStaleOrZeroState(t *testing.T) {
	path := tempStorePath(t)
	ps, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ps.Close()

	page := bytes.Repeat([]byte{0x33}, 4096)
	if err := ps.Write(5, 0, page, diffcodec.DiffRangeView{}); err != ErrInvalidState {
		t.Fatalf("state 0 is reserved, expected ErrInvalidState, got %v", err)
	}
	if err := ps.Write(5, 10, page, diffcodec.DiffRangeView{}); err != nil {
		t.Fatalf("Write state 10: %v", err)
	}
	if err := ps.Write(5, 10, page, diffcodec.DiffRangeView{}); err != ErrInvalidState {
		t.Fatalf("rewriting the same page at the same state must fail, got %v", err)
	}
	if err := ps.Write(5, 9, page, diffcodec.DiffRangeView{}); err != ErrInvalidState {
		t.Fatalf("writing a page at a state below its latest must fail, got %v", err)
	}
	// a different page may share state 10: that is how a commit batch
	// publishes several pages as one state.
	if err := ps.Write(6, 10, page, diffcodec.DiffRangeView{}); err != nil {
		t.Fatalf("Write of a second page at the shared state: %v", err)
	}
}

func TestReadSurvivesReopenAfterFlush(t *testing.T) {
	path := tempStorePath(t)
	ps, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	page := bytes.Repeat([]byte{0x5A}, 4096)
	if err := ps.Write(3, 4, page, diffcodec.DiffRangeView{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ps.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Read(3, 4)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if !bytes.Equal(got, page) {
		t.Fatalf("Read after reopen mismatch")
	}
	if reopened.MaxStateNum() != 4 {
		t.Fatalf("expected MaxStateNum 4 after reopen, got %d", reopened.MaxStateNum())
	}
}

func TestFindMutationResolvesLatestStateAtOrBelow(t *testing.T) {
	path := tempStorePath(t)
	ps, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ps.Close()

	page := bytes.Repeat([]byte{0x01}, 4096)
	if err := ps.Write(0, 1, page, diffcodec.DiffRangeView{}); err != nil {
		t.Fatalf("Write page 0: %v", err)
	}
	if err := ps.Write(1, 6, page, diffcodec.DiffRangeView{}); err != nil {
		t.Fatalf("Write page 1: %v", err)
	}

	// page 0's only write, state 1, is the latest mutation at or below
	// a later query state.
	found, err := ps.FindMutation(0, 4)
	if err != nil {
		t.Fatalf("FindMutation(0, 4): %v", err)
	}
	if found != 1 {
		t.Fatalf("FindMutation(0, 4) = %d, want 1", found)
	}

	// page 1's only write is state 6, above the query state.
	if _, ok := ps.TryFindMutation(1, 1); ok {
		t.Fatalf("TryFindMutation(1, 1) should find nothing below page 1's first write")
	}

	// an exact hit on the mutation state resolves to itself.
	found, err = ps.FindMutation(1, 6)
	if err != nil || found != 6 {
		t.Fatalf("FindMutation(1, 6) = (%d, %v), want (6, nil)", found, err)
	}

	// the same resolution holds once the writes are durable.
	if err := ps.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	found, err = ps.FindMutation(0, 4)
	if err != nil || found != 1 {
		t.Fatalf("FindMutation(0, 4) after Flush = (%d, %v), want (1, nil)", found, err)
	}
}

func TestFetchChangeLogsReportsTouchedPages(t *testing.T) {
	path := tempStorePath(t)
	ps, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ps.Close()

	page := bytes.Repeat([]byte{0x00}, 4096)
	if err := ps.Write(1, 1, page, diffcodec.DiffRangeView{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ps.Write(2, 2, page, diffcodec.DiffRangeView{}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	seen := map[uint64][]uint64{}
	err = ps.FetchChangeLogs(1, 2, func(state uint64, pages []uint64) error {
		seen[state] = pages
		return nil
	})
	if err != nil {
		t.Fatalf("FetchChangeLogs: %v", err)
	}
	if len(seen[1]) != 1 || seen[1][0] != 1 {
		t.Fatalf("expected page 1 touched at state 1, got %v", seen[1])
	}
	if len(seen[2]) != 1 || seen[2][0] != 2 {
		t.Fatalf("expected page 2 touched at state 2, got %v", seen[2])
	}
}

func TestRefreshPicksUpConcurrentWriterFlush(t *testing.T) {
	path := tempStorePath(t)
	writer, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer writer.Close()

	// a reader handle opened before the writer commits anything.
	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open reader: %v", err)
	}
	defer reader.Close()

	page := bytes.Repeat([]byte{0x77}, 4096)
	if err := writer.Write(2, 3, page, diffcodec.DiffRangeView{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// the stale reader neither sees the new state nor the page.
	if reader.MaxStateNum() != 0 {
		t.Fatalf("reader should still see max state 0 before Refresh, got %d", reader.MaxStateNum())
	}
	if _, err := reader.Read(2, 3); err != ErrPageNotFound {
		t.Fatalf("stale reader should miss the unrefreshed page, got %v", err)
	}

	if err := reader.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if reader.MaxStateNum() != 3 {
		t.Fatalf("reader should see max state 3 after Refresh, got %d", reader.MaxStateNum())
	}
	got, err := reader.Read(2, 3)
	if err != nil {
		t.Fatalf("Read after Refresh: %v", err)
	}
	if !bytes.Equal(got, page) {
		t.Fatalf("Read after Refresh mismatch")
	}
}

func TestCreateRejectsExistingFile(t *testing.T) {
	path := tempStorePath(t)
	if err := os.WriteFile(path, []byte("existing"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := Create(path, 4096); err == nil {
		t.Fatalf("expected Create to fail when the file already exists")
	}
}
