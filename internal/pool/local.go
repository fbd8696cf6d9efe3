package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"taskpool/internal/rpc"
	"taskpool/internal/worker"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
)

const localBufferSize = 1 << 20

// LocalLauncher runs workers as goroutines in the dispatcher's own process,
// reached over an in-memory gRPC connection. Calls still go through the same
// encoding as process workers but share the caller's memory.
type LocalLauncher struct {
	registry *worker.Registry
	logger   *slog.Logger
}

// NewLocalLauncher creates a launcher serving the functions of registry.
func NewLocalLauncher(registry *worker.Registry, logger *slog.Logger) *LocalLauncher {
	return &LocalLauncher{
		registry: registry,
		logger:   logger,
	}
}

// Launch starts one in-process worker.
func (l *LocalLauncher) Launch(ctx context.Context, id string) (Worker, error) {
	lis := bufconn.Listen(localBufferSize)
	serveCtx, cancel := context.WithCancel(context.Background())

	w := &localWorker{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		if err := worker.Serve(serveCtx, lis, worker.NewServer(l.registry, id, l.logger)); err != nil {
			l.logger.Error("local worker stopped", "worker_id", id, "error", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	conn, err := grpc.NewClient("passthrough:///"+id, append(dialOptions(), grpc.WithContextDialer(dialer))...)
	if err != nil {
		cancel()
		<-w.done
		return nil, fmt.Errorf("failed to create client for local worker %s: %w", id, err)
	}
	w.conn = conn
	w.client = rpc.NewWorkerClient(conn)

	if _, err := w.client.Ping(ctx, &emptypb.Empty{}, grpc.WaitForReady(true)); err != nil {
		_ = w.Stop(context.Background())
		return nil, fmt.Errorf("local worker %s did not become ready: %w", id, err)
	}
	return w, nil
}

type localWorker struct {
	id     string
	conn   *grpc.ClientConn
	client rpc.WorkerClient
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *localWorker) ID() string               { return w.id }
func (w *localWorker) PID() int                 { return os.Getpid() }
func (w *localWorker) Client() rpc.WorkerClient { return w.client }
func (w *localWorker) Done() <-chan struct{}    { return w.done }

func (w *localWorker) Stop(ctx context.Context) error {
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("local worker %s did not stop: %w", w.id, ctx.Err())
	}
}
