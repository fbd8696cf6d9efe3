// internal/pool/dispatcher.go
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sync"
	"time"

	"taskpool/internal/domain"
	"taskpool/internal/metrics"
	"taskpool/internal/rpc"
	"taskpool/internal/worker"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultStopTimeout bounds how long Close waits for one worker to exit
// before killing it.
const DefaultStopTimeout = 5 * time.Second

// State is the lifecycle state of a Dispatcher.
type State int32

const (
	StateConstructed State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Dispatcher.
type Options struct {
	// Processes is the fixed number of workers. Must be positive.
	Processes int
	Launcher  Launcher
	// Registry resolves function values passed to Call. Optional.
	Registry    *worker.Registry
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Dispatcher owns a fixed-size pool of workers and runs calls on them
// synchronously. It is safe for concurrent use: up to Processes calls run at
// once and further callers wait for a free worker.
type Dispatcher struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	// mu guards state. Submissions hold it for reading while registering in
	// inflight, so Close never waits on a WaitGroup that can still grow.
	mu       sync.RWMutex
	state    State
	inflight sync.WaitGroup
	closing  chan struct{}
	closed   chan struct{}
	closeErr error

	idle    chan *slot
	slotsMu sync.Mutex
	slots   []*slot
}

// Open launches opts.Processes workers and returns an active dispatcher. If
// any worker fails to start, the ones already started are stopped.
func Open(ctx context.Context, opts Options) (*Dispatcher, error) {
	if opts.Processes <= 0 {
		return nil, fmt.Errorf("%w: processes must be positive, got %d", domain.ErrInvalidConfiguration, opts.Processes)
	}
	if opts.Launcher == nil {
		return nil, fmt.Errorf("%w: launcher is required", domain.ErrInvalidConfiguration)
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Dispatcher{
		opts:    opts,
		logger:  opts.Logger.With("component", "dispatcher"),
		tracer:  otel.Tracer("taskpool-dispatcher"),
		state:   StateConstructed,
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
		idle:    make(chan *slot, opts.Processes),
	}

	workers := make([]Worker, opts.Processes)
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		g.Go(func() error {
			w, err := opts.Launcher.Launch(gctx, uuid.NewString())
			if err != nil {
				return err
			}
			workers[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		started := make([]Worker, 0, len(workers))
		for _, w := range workers {
			if w != nil {
				started = append(started, w)
			}
		}
		if stopErr := d.stopWorkers(started); stopErr != nil {
			d.logger.Error("failed to stop workers after launch failure", "error", stopErr)
		}
		return nil, fmt.Errorf("failed to launch workers: %w", err)
	}

	d.slots = make([]*slot, len(workers))
	for i, w := range workers {
		d.slots[i] = &slot{index: i, worker: w}
		d.idle <- d.slots[i]
	}

	d.mu.Lock()
	d.state = StateActive
	d.mu.Unlock()

	d.logger.Info("dispatcher started", "processes", opts.Processes)
	return d, nil
}

// Size returns the fixed number of workers.
func (d *Dispatcher) Size() int {
	return d.opts.Processes
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Submit runs the function registered under function on a free worker and
// waits for its result. ctx carries trace context and optionally the task ID
// set with domain.WithTaskID; cancelling it does not abandon the call.
//
// Errors: *domain.SerializationError if the call or its result cannot cross
// the process boundary, *domain.WorkerFailure if the function failed or its
// worker died, domain.ErrPoolUnavailable once Close has begun.
func (d *Dispatcher) Submit(ctx context.Context, function string, args []any, kwargs map[string]any) (any, error) {
	ctx = context.WithoutCancel(ctx)
	id, ok := domain.TaskIDFrom(ctx)
	if !ok {
		id = uuid.NewString()
	}
	call := domain.Call{
		ID:       id,
		Function: function,
		Args:     args,
		Kwargs:   kwargs,
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.Submit", trace.WithAttributes(
		attribute.String("task.id", call.ID),
		attribute.String("task.function", function),
	))
	defer span.End()

	start := time.Now()
	value, err := d.submit(ctx, call)
	metrics.TaskDuration.WithLabelValues(function).Observe(time.Since(start).Seconds())
	metrics.TasksTotal.WithLabelValues(function, outcome(err)).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		return nil, err
	}
	span.SetStatus(codes.Ok, "task succeeded")
	return value, nil
}

func (d *Dispatcher) submit(ctx context.Context, call domain.Call) (any, error) {
	req, err := rpc.EncodeCall(call)
	if err != nil {
		return nil, err
	}

	if !d.begin() {
		return nil, domain.ErrPoolUnavailable
	}
	defer d.inflight.Done()

	s, err := d.acquire(ctx, call.Function)
	if err != nil {
		return nil, err
	}
	defer d.release(s)

	logger := d.logger.With("task_id", call.ID, "function", call.Function, "worker_id", s.worker.ID())
	logger.Debug("dispatching task to worker")

	resp, err := s.worker.Client().Execute(ctx, req)
	if err != nil {
		st := status.Convert(err)
		if st.Code() == grpccodes.ResourceExhausted {
			return nil, &domain.SerializationError{Function: call.Function, What: "message", Err: errors.New(st.Message())}
		}
		logger.Error("worker call failed", "error", err)
		// The connection is unusable; replace the worker before its next task.
		s.broken = true
		return nil, &domain.WorkerFailure{
			Function: call.Function,
			WorkerID: s.worker.ID(),
			Kind:     domain.KindWorkerLost,
			Message:  st.Message(),
		}
	}

	result := rpc.DecodeResult(resp)
	if err := result.Err(call.Function); err != nil {
		logger.Debug("task returned an error", "error", err)
		return nil, err
	}
	return result.Value, nil
}

// begin registers a submission, or reports false once Close has begun.
func (d *Dispatcher) begin() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state != StateActive {
		return false
	}
	d.inflight.Add(1)
	return true
}

// acquire waits for a free worker, relaunching it first if it has exited.
func (d *Dispatcher) acquire(ctx context.Context, function string) (*slot, error) {
	var s *slot
	select {
	case s = <-d.idle:
	case <-d.closing:
		return nil, domain.ErrPoolUnavailable
	}

	if s.broken || s.exited() {
		if err := d.relaunch(ctx, s); err != nil {
			d.idle <- s
			return nil, &domain.WorkerFailure{
				Function: function,
				WorkerID: s.worker.ID(),
				Kind:     domain.KindWorkerLost,
				Message:  err.Error(),
			}
		}
	}

	d.slotsMu.Lock()
	s.busy = true
	d.slotsMu.Unlock()
	metrics.BusyWorkers.Inc()
	return s, nil
}

func (d *Dispatcher) release(s *slot) {
	d.slotsMu.Lock()
	s.busy = false
	s.tasks++
	d.slotsMu.Unlock()
	metrics.BusyWorkers.Dec()
	d.idle <- s
}

func (d *Dispatcher) relaunch(ctx context.Context, s *slot) error {
	old := s.worker
	d.logger.Warn("worker lost, relaunching", "slot", s.index, "worker_id", old.ID(), "pid", old.PID())
	stopCtx, cancel := context.WithTimeout(ctx, d.opts.StopTimeout)
	_ = old.Stop(stopCtx)
	cancel()

	w, err := d.opts.Launcher.Launch(ctx, uuid.NewString())
	if err != nil {
		d.logger.Error("failed to relaunch worker", "slot", s.index, "error", err)
		return fmt.Errorf("failed to relaunch worker: %w", err)
	}

	d.slotsMu.Lock()
	s.worker = w
	s.broken = false
	s.restarts++
	d.slotsMu.Unlock()
	metrics.WorkerRestartsTotal.Inc()
	return nil
}

// Call is like Submit but takes the function value itself. The value must be
// registered in Options.Registry; anything else, such as a closure built at
// the call site, cannot be referenced from another process.
func (d *Dispatcher) Call(ctx context.Context, fn domain.Function, args []any, kwargs map[string]any) (any, error) {
	if d.opts.Registry == nil {
		return nil, &domain.SerializationError{Function: funcName(fn), What: "function reference", Err: errors.New("no registry configured")}
	}
	name, ok := d.opts.Registry.NameOf(fn)
	if !ok {
		return nil, &domain.SerializationError{Function: funcName(fn), What: "function reference", Err: errors.New("function is not registered under a unique name")}
	}
	return d.Submit(ctx, name, args, kwargs)
}

// Close stops accepting submissions, waits for tasks in flight to return and
// then stops every worker. Submissions still waiting for a free worker fail
// with domain.ErrPoolUnavailable. Close is idempotent; concurrent callers all
// block until teardown has finished.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.state != StateActive {
		d.mu.Unlock()
		<-d.closed
		return d.closeErr
	}
	d.state = StateClosing
	close(d.closing)
	d.mu.Unlock()

	d.logger.Info("closing dispatcher, waiting for tasks in flight")
	d.inflight.Wait()

	d.closeErr = d.stopWorkers(d.currentWorkers())

	d.mu.Lock()
	d.state = StateClosed
	d.mu.Unlock()
	close(d.closed)

	d.logger.Info("dispatcher closed")
	return d.closeErr
}

func (d *Dispatcher) stopWorkers(workers []Worker) error {
	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), d.opts.StopTimeout)
			defer cancel()
			return w.Stop(ctx)
		})
	}
	return g.Wait()
}

// SubmitAs submits a call and decodes its result into T.
func SubmitAs[T any](ctx context.Context, d domain.Dispatcher, function string, args []any, kwargs map[string]any) (T, error) {
	var out T
	value, err := d.Submit(ctx, function, args, kwargs)
	if err != nil {
		return out, err
	}
	if err := rpc.Bind(value, &out); err != nil {
		return out, &domain.SerializationError{Function: function, What: "result", Err: err}
	}
	return out, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrPoolUnavailable):
		return "rejected"
	case errors.Is(err, domain.ErrSerialization):
		return "unserializable"
	default:
		return "failed"
	}
}

func funcName(fn domain.Function) string {
	if fn == nil {
		return "<nil>"
	}
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return "<unknown>"
}
