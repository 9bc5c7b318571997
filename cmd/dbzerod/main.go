// dbzerod serves dbzero's introspection RPCs over a PageStore.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/dbzero/internal/dbserver"
	"github.com/nainya/dbzero/internal/logger"
	"github.com/nainya/dbzero/internal/metrics"
	"github.com/nainya/dbzero/internal/server"
	"github.com/nainya/dbzero/pkg/crdtalloc"
	"github.com/nainya/dbzero/pkg/pagestore"
)

var (
	port       = flag.Int("port", 50051, "The gRPC server port")
	obsPort    = flag.Int("obs-port", 9090, "The observability (metrics/health/pprof) HTTP port")
	dbPath     = flag.String("db", "dbzero.dbz", "Page store file path")
	pageSize   = flag.Uint("page-size", 4096, "Page size in bytes, used only when creating a new store")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logPretty  = flag.Bool("log-pretty", false, "Pretty-print logs for local development")
)

func main() {
	flag.Parse()

	log := logger.NewLogger(logger.Config{Level: *logLevel, Pretty: *logPretty})
	log.LogServerStart(*port, *dbPath)

	store, err := openOrCreateStore(*dbPath, uint32(*pageSize))
	if err != nil {
		log.Fatal("failed to open page store").Err(err).Send()
		os.Exit(1)
	}
	defer store.Close()

	alloc := crdtalloc.New(store.GetPageSize(), func(cur uint64) uint64 {
		next := cur * 2
		if next < uint64(store.GetPageSize())*1024 {
			next = uint64(store.GetPageSize()) * 1024
		}
		return next
	})

	m := metrics.NewMetrics()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatal("failed to listen").Err(err).Send()
		os.Exit(1)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(100*1024*1024),
		grpc.MaxSendMsgSize(100*1024*1024),
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log)),
	)

	dbSrv := dbserver.NewServer(store, alloc, log, m)
	dbserver.RegisterServer(grpcServer, dbSrv)
	reflection.Register(grpcServer)

	obsServer := server.NewObservabilityServer(*obsPort, log)
	go func() {
		if err := obsServer.Start(); err != nil {
			log.Error("observability server stopped").Err(err).Send()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.LogServerShutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		obsServer.Shutdown(ctx)
		grpcServer.GracefulStop()
		store.Flush()
	}()

	log.LogServerReady(*port)
	if err := grpcServer.Serve(lis); err != nil {
		log.Fatal("failed to serve").Err(err).Send()
		os.Exit(1)
	}
}

// openOrCreateStore opens an existing page store at path, or creates
// one with the given page size if none exists yet.
func openOrCreateStore(path string, pageSize uint32) (*pagestore.PageStore, error) {
	if _, err := os.Stat(path); err == nil {
		return pagestore.Open(path)
	}
	return pagestore.Create(path, pageSize)
}
