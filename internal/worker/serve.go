package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"taskpool/internal/rpc"

	"github.com/google/uuid"
	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

// Environment handed to a worker process by the dispatcher.
const (
	EnvSocket   = "TASKPOOL_WORKER_SOCKET"
	EnvWorkerID = "TASKPOOL_WORKER_ID"
)

// IsWorkerProcess reports whether this process was started by a dispatcher.
func IsWorkerProcess() bool {
	return os.Getenv(EnvSocket) != ""
}

// NewGRPCServer returns a gRPC server exposing srv.
func NewGRPCServer(srv *Server) *grpc.Server {
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.MaxRecvMsgSize(rpc.MaxMessageSize),
		grpc.MaxSendMsgSize(rpc.MaxMessageSize),
	)
	rpc.RegisterWorkerServer(grpcServer, srv)
	return grpcServer
}

// ServeFromEnv listens on the unix socket named by EnvSocket and serves the
// functions of registry until ctx is done.
func ServeFromEnv(ctx context.Context, registry *Registry, logger *slog.Logger) error {
	socket := os.Getenv(EnvSocket)
	if socket == "" {
		return fmt.Errorf("%s is not set", EnvSocket)
	}
	workerID := os.Getenv(EnvWorkerID)
	if workerID == "" {
		workerID = uuid.NewString()
	}

	lis, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socket, err)
	}
	logger.Info("worker listening", "worker_id", workerID, "socket", socket, "functions", len(registry.Names()))

	return Serve(ctx, lis, NewServer(registry, workerID, logger))
}

// Serve serves srv on lis until ctx is done. Calls in flight when ctx is done
// run to completion before Serve returns.
func Serve(ctx context.Context, lis net.Listener, srv *Server) error {
	grpcServer := NewGRPCServer(srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
