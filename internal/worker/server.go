// internal/worker/server.go
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"taskpool/internal/domain"
	"taskpool/internal/rpc"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server implements rpc.WorkerServer on top of a Registry.
type Server struct {
	registry *Registry
	workerID string
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewServer creates the gRPC service of one worker.
func NewServer(registry *Registry, workerID string, logger *slog.Logger) *Server {
	return &Server{
		registry: registry,
		workerID: workerID,
		logger:   logger.With("component", "worker-server", "worker_id", workerID),
		tracer:   otel.Tracer("taskpool-worker"),
	}
}

// Execute is the RPC method called by the dispatcher to run one call. Failures
// of the called function are reported in the response, not as RPC errors.
func (s *Server) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, span := s.tracer.Start(ctx, "worker.Execute")
	defer span.End()

	call, err := rpc.DecodeCall(req)
	if err != nil {
		s.logger.Error("failed to decode call", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid call")
		return s.respond(rpc.Result{Status: rpc.StatusUnserializable, ErrorKind: "call", ErrorMessage: err.Error()})
	}

	span.SetAttributes(attribute.String("task.id", call.ID), attribute.String("task.function", call.Function))
	logger := s.logger.With("function", call.Function, "task_id", call.ID)

	fn, ok := s.registry.Lookup(call.Function)
	if !ok {
		msg := fmt.Sprintf("function %q is not registered in worker %s", call.Function, s.workerID)
		logger.Warn(msg)
		span.SetStatus(codes.Error, "unknown function")
		return s.respond(rpc.Result{TaskID: call.ID, Status: rpc.StatusUnserializable, ErrorKind: "function", ErrorMessage: msg})
	}

	logger.Debug("executing call")
	start := time.Now()
	value, err := s.invoke(domain.WithTaskID(ctx, call.ID), fn, call)
	if err != nil {
		kind, msg := domain.KindAndMessage(err)
		logger.Warn("call failed", "kind", kind, "error", msg, "duration", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "call failed")
		return s.respond(rpc.Result{TaskID: call.ID, Status: rpc.StatusFailed, ErrorKind: kind, ErrorMessage: msg})
	}

	resp, err := rpc.EncodeResult(rpc.Result{TaskID: call.ID, WorkerID: s.workerID, Status: rpc.StatusOK, Value: value})
	if err != nil {
		logger.Warn("result cannot be encoded", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unserializable result")
		return s.respond(rpc.Result{TaskID: call.ID, Status: rpc.StatusUnserializable, ErrorKind: "result", ErrorMessage: err.Error()})
	}

	logger.Debug("call succeeded", "duration", time.Since(start))
	span.SetStatus(codes.Ok, "call succeeded")
	return resp, nil
}

// invoke runs fn, turning a panic into a failure of kind Panic.
func (s *Server) invoke(ctx context.Context, fn domain.Function, call domain.Call) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &domain.TaskError{Kind: domain.KindPanic, Message: fmt.Sprint(r)}
		}
	}()
	return fn(ctx, call.Args, call.Kwargs)
}

// respond encodes a result that carries no value.
func (s *Server) respond(r rpc.Result) (*structpb.Struct, error) {
	r.WorkerID = s.workerID
	resp, err := rpc.EncodeResult(r)
	if err != nil {
		return nil, status.Errorf(grpccodes.Internal, "failed to encode response: %v", err)
	}
	return resp, nil
}

// Ping reports the worker identity and its registered functions.
func (s *Server) Ping(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return rpc.EncodePing(rpc.PingInfo{
		WorkerID:  s.workerID,
		PID:       os.Getpid(),
		Functions: s.registry.Names(),
	}), nil
}
