package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"taskpool/internal/domain"
	"taskpool/internal/rpc"
	"taskpool/internal/worker"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func square(_ context.Context, args []any, _ map[string]any) (any, error) {
	var x float64
	if err := rpc.Bind(args[0], &x); err != nil {
		return nil, domain.NewTaskError("ArgumentError", "x: %v", err)
	}
	return x * x, nil
}

func add(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	var a, b float64
	if err := rpc.Bind(args[0], &a); err != nil {
		return nil, err
	}
	if err := rpc.Bind(args[1], &b); err != nil {
		return nil, err
	}
	if scale, ok := kwargs["scale"]; ok {
		var s float64
		if err := rpc.Bind(scale, &s); err != nil {
			return nil, err
		}
		return (a + b) * s, nil
	}
	return a + b, nil
}

func echo(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	return map[string]any{"args": args, "kwargs": kwargs}, nil
}

func divide(_ context.Context, args []any, _ map[string]any) (any, error) {
	var a, b float64
	_ = rpc.Bind(args[0], &a)
	_ = rpc.Bind(args[1], &b)
	if b == 0 {
		return nil, domain.NewTaskError("ZeroDivisionError", "division by zero")
	}
	return a / b, nil
}

func newTestRegistry() *worker.Registry {
	reg := worker.NewRegistry()
	reg.MustRegister("math.square", square)
	reg.MustRegister("math.add", add)
	reg.MustRegister("math.divide", divide)
	reg.MustRegister("echo", echo)
	reg.MustRegister("fail.plain", func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("disk full")
	})
	reg.MustRegister("panic", func(context.Context, []any, map[string]any) (any, error) {
		panic("something went wrong")
	})
	reg.MustRegister("make.chan", func(context.Context, []any, map[string]any) (any, error) {
		return make(chan int), nil
	})
	return reg
}

func openLocal(t *testing.T, processes int, reg *worker.Registry) *Dispatcher {
	t.Helper()
	d, err := Open(context.Background(), Options{
		Processes: processes,
		Launcher:  NewLocalLauncher(reg, discardLogger()),
		Registry:  reg,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// killableWorker lets a test simulate a worker that exits on its own.
type killableWorker struct {
	Worker
	killed chan struct{}
	once   sync.Once
}

func (w *killableWorker) Done() <-chan struct{} { return w.killed }

func (w *killableWorker) kill() {
	w.once.Do(func() { close(w.killed) })
}

func (w *killableWorker) Stop(ctx context.Context) error {
	w.kill()
	return w.Worker.Stop(ctx)
}

// recordingLauncher wraps local workers and can be told to fail launches.
type recordingLauncher struct {
	inner *LocalLauncher

	mu        sync.Mutex
	launched  []*killableWorker
	successes int
	// maxLaunches fails every launch after this many successes; zero means no limit.
	maxLaunches int
}

func (l *recordingLauncher) Launch(ctx context.Context, id string) (Worker, error) {
	l.mu.Lock()
	if l.maxLaunches > 0 && l.successes >= l.maxLaunches {
		l.mu.Unlock()
		return nil, errors.New("launch refused")
	}
	l.successes++
	l.mu.Unlock()

	w, err := l.inner.Launch(ctx, id)
	if err != nil {
		return nil, err
	}
	kw := &killableWorker{Worker: w, killed: make(chan struct{})}

	l.mu.Lock()
	l.launched = append(l.launched, kw)
	l.mu.Unlock()
	return kw, nil
}

func (l *recordingLauncher) workers() []*killableWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*killableWorker(nil), l.launched...)
}
