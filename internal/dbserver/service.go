// ABOUTME: introspection/admin RPCs over PageStore and the allocator
// ABOUTME: GetPageStoreStats, GetAllocatorStats, FindMutation, FetchChangeLogs, AdminFlush

package dbserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nainya/dbzero/internal/logger"
	"github.com/nainya/dbzero/internal/metrics"
	"github.com/nainya/dbzero/pkg/crdtalloc"
	"github.com/nainya/dbzero/pkg/pagestore"
)

// Server implements the dbzero introspection service over one
// PageStore and its allocator.
type Server struct {
	store *pagestore.PageStore
	alloc *crdtalloc.Allocator
	log   *logger.Logger
	m     *metrics.Metrics
}

// NewServer wires a Server to an already-open store and allocator.
func NewServer(store *pagestore.PageStore, alloc *crdtalloc.Allocator, log *logger.Logger, m *metrics.Metrics) *Server {
	return &Server{store: store, alloc: alloc, log: log, m: m}
}

// GetPageStoreStats reports the store's current durable-state and
// size accounting.
func (s *Server) GetPageStoreStats(ctx context.Context, req *PageStoreStatsRequest) (*PageStoreStatsResponse, error) {
	s.m.UpdatePageStoreStats(int64(s.store.StoreSize()), s.store.MaxStateNum())
	return &PageStoreStatsResponse{
		PageSize:    s.store.GetPageSize(),
		MaxStateNum: s.store.MaxStateNum(),
		StoreSizeB:  s.store.StoreSize(),
		PageCount:   s.store.PageCount(),
	}, nil
}

// GetAllocatorStats reports the allocator's current address-space and
// fragmentation accounting.
func (s *Server) GetAllocatorStats(ctx context.Context, req *AllocatorStatsRequest) (*AllocatorStatsResponse, error) {
	s.m.UpdateAllocatorStats(s.alloc.GetAllocDelta())
	return &AllocatorStatsResponse{
		MaxAddr:        s.alloc.GetMaxAddr(),
		AllocDelta:     s.alloc.GetAllocDelta(),
		AllocCount:     s.alloc.AllocCount(),
		FreeCount:      s.alloc.FreeCount(),
		OutOfMemory:    s.alloc.OutOfMemoryCount(),
		LiveAllocCount: s.alloc.LiveAllocCount(),
		RebuildCount:   s.alloc.RebuildCount(),
	}, nil
}

// FindMutation locates the most recent state at or before State in
// which PageNum was written.
func (s *Server) FindMutation(ctx context.Context, req *FindMutationRequest) (*FindMutationResponse, error) {
	state, err := s.store.FindMutation(req.PageNum, req.State)
	if err != nil {
		return &FindMutationResponse{Found: false}, nil
	}
	return &FindMutationResponse{State: state, Found: true}, nil
}

// FetchChangeLogs reports every page touched by each state in
// [From, To].
func (s *Server) FetchChangeLogs(ctx context.Context, req *FetchChangeLogsRequest) (*FetchChangeLogsResponse, error) {
	if req.To < req.From {
		return nil, status.Error(codes.InvalidArgument, "dbserver: to must be >= from")
	}
	resp := &FetchChangeLogsResponse{}
	err := s.store.FetchChangeLogs(req.From, req.To, func(state uint64, pages []uint64) error {
		resp.Entries = append(resp.Entries, ChangeLogEntry{State: state, Pages: pages})
		return nil
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "dbserver: fetch change logs: %v", err)
	}
	return resp, nil
}

// AdminFlush forces a durable flush of the store's pending writes.
func (s *Server) AdminFlush(ctx context.Context, req *AdminFlushRequest) (*AdminFlushResponse, error) {
	if err := s.store.Flush(); err != nil {
		return nil, status.Errorf(codes.Internal, "dbserver: flush: %v", err)
	}
	return &AdminFlushResponse{FlushedThroughState: s.store.MaxStateNum()}, nil
}

// the methodHandler signature grpc.ServiceDesc expects; each handler
// below decodes the gob-carried request, runs the interceptor chain,
// then calls through to the matching Server method. This is the same
// plumbing protoc-gen-go-grpc would generate from a .proto file, written
// by hand because no .proto/generated stub exists to regenerate from.

func getPageStoreStatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PageStoreStatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).GetPageStoreStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/GetPageStoreStats"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).GetPageStoreStats(ctx, req.(*PageStoreStatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getAllocatorStatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AllocatorStatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).GetAllocatorStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/GetAllocatorStats"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).GetAllocatorStats(ctx, req.(*AllocatorStatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func findMutationHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FindMutationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).FindMutation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/FindMutation"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).FindMutation(ctx, req.(*FindMutationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func fetchChangeLogsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FetchChangeLogsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).FetchChangeLogs(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/FetchChangeLogs"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).FetchChangeLogs(ctx, req.(*FetchChangeLogsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func adminFlushHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AdminFlushRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).AdminFlush(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/AdminFlush"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).AdminFlush(ctx, req.(*AdminFlushRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceName is the gRPC service path dbzero's introspection RPCs
// are registered under.
const ServiceName = "dbzero.Introspection"

// introspectionServer is the interface protoc-gen-go-grpc would emit
// for this service; grpc.Server.RegisterService checks that the
// registered implementation satisfies it.
type introspectionServer interface {
	GetPageStoreStats(context.Context, *PageStoreStatsRequest) (*PageStoreStatsResponse, error)
	GetAllocatorStats(context.Context, *AllocatorStatsRequest) (*AllocatorStatsResponse, error)
	FindMutation(context.Context, *FindMutationRequest) (*FindMutationResponse, error)
	FetchChangeLogs(context.Context, *FetchChangeLogsRequest) (*FetchChangeLogsResponse, error)
	AdminFlush(context.Context, *AdminFlushRequest) (*AdminFlushResponse, error)
}

// ServiceDesc is the grpc.ServiceDesc protoc-gen-go-grpc would emit
// for this service, written by hand against the Server methods above.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*introspectionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetPageStoreStats", Handler: getPageStoreStatsHandler},
		{MethodName: "GetAllocatorStats", Handler: getAllocatorStatsHandler},
		{MethodName: "FindMutation", Handler: findMutationHandler},
		{MethodName: "FetchChangeLogs", Handler: fetchChangeLogsHandler},
		{MethodName: "AdminFlush", Handler: adminFlushHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dbserver.proto",
}

// RegisterServer registers s against grpcServer using ServiceDesc.
func RegisterServer(grpcServer *grpc.Server, s *Server) {
	grpcServer.RegisterService(&ServiceDesc, s)
}
