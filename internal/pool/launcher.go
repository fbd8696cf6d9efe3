// internal/pool/launcher.go
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"taskpool/internal/domain"
	"taskpool/internal/rpc"
	"taskpool/internal/worker"

	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

// DefaultStartTimeout bounds how long a worker process may take to serve its
// first Ping.
const DefaultStartTimeout = 10 * time.Second

// Worker is a running worker the dispatcher calls into.
type Worker interface {
	ID() string
	PID() int
	Client() rpc.WorkerClient
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Stop shuts the worker down. A call in flight finishes first unless ctx
	// expires, in which case the worker is killed.
	Stop(ctx context.Context) error
}

// Launcher starts workers for a dispatcher.
type Launcher interface {
	Launch(ctx context.Context, id string) (Worker, error)
}

// dialOptions are shared by every connection to a worker.
func dialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(rpc.MaxMessageSize),
			grpc.MaxCallSendMsgSize(rpc.MaxMessageSize),
		),
		// The socket appears shortly after the process starts; retry fast.
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  20 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   500 * time.Millisecond,
			},
			MinConnectTimeout: time.Second,
		}),
	}
}

// ProcessConfig configures how worker processes are started.
type ProcessConfig struct {
	// Binary is the executable started for each worker. It must call
	// worker.ServeFromEnv when worker.IsWorkerProcess reports true.
	Binary string
	Args   []string
	// Env is appended to the dispatcher's environment.
	Env []string
	// SocketDir holds the per-worker socket directories. Defaults to os.TempDir.
	SocketDir    string
	StartTimeout time.Duration
	// Stdout and Stderr receive the worker's output. Both default to os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// ProcessLauncher starts each worker as a child process serving gRPC on a
// unix socket.
type ProcessLauncher struct {
	cfg    ProcessConfig
	logger *slog.Logger
}

// NewProcessLauncher validates cfg and fills in defaults.
func NewProcessLauncher(cfg ProcessConfig) (*ProcessLauncher, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("%w: worker binary is required", domain.ErrInvalidConfiguration)
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = os.TempDir()
	}
	socketDir, err := filepath.Abs(cfg.SocketDir)
	if err != nil {
		return nil, fmt.Errorf("%w: socket dir: %v", domain.ErrInvalidConfiguration, err)
	}
	cfg.SocketDir = socketDir
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stderr
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ProcessLauncher{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "process-launcher"),
	}, nil
}

// Launch starts one worker process and waits until it answers a Ping.
func (l *ProcessLauncher) Launch(ctx context.Context, id string) (Worker, error) {
	dir, err := os.MkdirTemp(l.cfg.SocketDir, "taskpool-")
	if err != nil {
		return nil, fmt.Errorf("failed to create socket dir for worker %s: %w", id, err)
	}
	socket := filepath.Join(dir, "worker.sock")

	cmd := exec.Command(l.cfg.Binary, l.cfg.Args...)
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	cmd.Env = append(cmd.Env, worker.EnvSocket+"="+socket, worker.EnvWorkerID+"="+id)
	cmd.Stdout = l.cfg.Stdout
	cmd.Stderr = l.cfg.Stderr
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to start worker %s: %w", id, err)
	}

	w := &processWorker{
		id:     id,
		cmd:    cmd,
		dir:    dir,
		done:   make(chan struct{}),
		logger: l.logger.With("worker_id", id, "pid", cmd.Process.Pid),
	}
	go w.wait()

	conn, err := grpc.NewClient("unix://"+socket, dialOptions()...)
	if err != nil {
		w.kill()
		return nil, fmt.Errorf("failed to create client for worker %s: %w", id, err)
	}
	w.conn = conn
	w.client = rpc.NewWorkerClient(conn)

	if err := w.waitReady(ctx, l.cfg.StartTimeout); err != nil {
		_ = conn.Close()
		w.kill()
		return nil, err
	}

	w.logger.Info("worker process started")
	return w, nil
}

type processWorker struct {
	id      string
	cmd     *exec.Cmd
	dir     string
	conn    *grpc.ClientConn
	client  rpc.WorkerClient
	done    chan struct{}
	exitErr error
	logger  *slog.Logger
}

func (w *processWorker) ID() string               { return w.id }
func (w *processWorker) PID() int                 { return w.cmd.Process.Pid }
func (w *processWorker) Client() rpc.WorkerClient { return w.client }
func (w *processWorker) Done() <-chan struct{}    { return w.done }

// wait reaps the process. exitErr is published by closing done.
func (w *processWorker) wait() {
	w.exitErr = w.cmd.Wait()
	close(w.done)
	_ = os.RemoveAll(w.dir)
	w.logger.Debug("worker process exited", "error", w.exitErr)
}

func (w *processWorker) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		select {
		case <-w.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	_, err := w.client.Ping(ctx, &emptypb.Empty{}, grpc.WaitForReady(true))
	if err == nil {
		return nil
	}
	select {
	case <-w.done:
		return fmt.Errorf("worker %s exited before becoming ready: %v", w.id, w.exitErr)
	default:
		return fmt.Errorf("worker %s did not become ready within %s: %w", w.id, timeout, err)
	}
}

func (w *processWorker) kill() {
	_ = w.cmd.Process.Kill()
	<-w.done
}

func (w *processWorker) Stop(ctx context.Context) error {
	if w.conn != nil {
		_ = w.conn.Close()
	}
	select {
	case <-w.done:
		return nil
	default:
	}

	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		w.logger.Warn("failed to signal worker", "error", err)
	}

	select {
	case <-w.done:
		w.logger.Info("worker process stopped")
		return nil
	case <-ctx.Done():
		w.kill()
		return fmt.Errorf("worker %s killed after stop timeout: %w", w.id, ctx.Err())
	}
}
