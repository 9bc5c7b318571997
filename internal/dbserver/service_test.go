package dbserver

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nainya/dbzero/internal/logger"
	"github.com/nainya/dbzero/internal/metrics"
	"github.com/nainya/dbzero/pkg/crdtalloc"
	"github.com/nainya/dbzero/pkg/pagestore"
)

const bufSize = 1024 * 1024

func setupTestServer(t *testing.T) (*grpc.ClientConn, func()) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "introspect.dbz")
	store, err := pagestore.Create(path, 4096)
	if err != nil {
		t.Fatalf("pagestore.Create: %v", err)
	}

	alloc := crdtalloc.New(4096, func(cur uint64) uint64 {
		next := cur * 2
		if next < 1<<20 {
			next = 1 << 20
		}
		return next
	})

	log := logger.NewLogger(logger.Config{Level: "error"})
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	srv := NewServer(store, alloc, log, m)

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer()
	RegisterServer(grpcServer, srv)

	go grpcServer.Serve(lis)

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}

	cleanup := func() {
		conn.Close()
		grpcServer.Stop()
		store.Close()
	}
	return conn, cleanup
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, in, out interface{}) error {
	return conn.Invoke(ctx, ServiceName+"/"+method, in, out)
}

func TestGetPageStoreStatsReportsPageSize(t *testing.T) {
	conn, cleanup := setupTestServer(t)
	defer cleanup()

	var resp PageStoreStatsResponse
	if err := invoke(context.Background(), conn, "GetPageStoreStats", &PageStoreStatsRequest{}, &resp); err != nil {
		t.Fatalf("GetPageStoreStats: %v", err)
	}
	if resp.PageSize != 4096 {
		t.Fatalf("expected page size 4096, got %d", resp.PageSize)
	}
}

func TestGetAllocatorStatsReportsZeroAllocsInitially(t *testing.T) {
	conn, cleanup := setupTestServer(t)
	defer cleanup()

	var resp AllocatorStatsResponse
	if err := invoke(context.Background(), conn, "GetAllocatorStats", &AllocatorStatsRequest{}, &resp); err != nil {
		t.Fatalf("GetAllocatorStats: %v", err)
	}
	if resp.AllocCount != 0 || resp.LiveAllocCount != 0 {
		t.Fatalf("expected no allocations yet, got %+v", resp)
	}
}

func TestFindMutationReportsNotFoundOnEmptyStore(t *testing.T) {
	conn, cleanup := setupTestServer(t)
	defer cleanup()

	var resp FindMutationResponse
	req := &FindMutationRequest{PageNum: 5, State: 9}
	if err := invoke(context.Background(), conn, "FindMutation", req, &resp); err != nil {
		t.Fatalf("FindMutation: %v", err)
	}
	if resp.Found {
		t.Fatalf("expected no mutation found on an empty store")
	}
}

func TestAdminFlushSucceeds(t *testing.T) {
	conn, cleanup := setupTestServer(t)
	defer cleanup()

	var resp AdminFlushResponse
	if err := invoke(context.Background(), conn, "AdminFlush", &AdminFlushRequest{}, &resp); err != nil {
		t.Fatalf("AdminFlush: %v", err)
	}
}
