// internal/api/http/task_handler.go
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"taskpool/internal/config"
	"taskpool/internal/domain"
	"taskpool/internal/metrics"
	"taskpool/internal/pool"
	"taskpool/internal/rpc"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TaskRunner is the part of the dispatcher the HTTP API needs.
type TaskRunner interface {
	domain.Dispatcher
	Workers() []pool.WorkerInfo
}

// TaskHandler serves task submission and worker status over HTTP.
type TaskHandler struct {
	runner   TaskRunner
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
	maxBody  int64
}

func NewTaskHandler(runner TaskRunner, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		runner:   runner,
		logger:   logger.With("component", "task-handler"),
		validate: config.NewValidator(),
		tracer:   otel.Tracer("taskpool-api"),
		maxBody:  rpc.MaxMessageSize,
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the task routes on mux.
func (h *TaskHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /tasks", h.instrument("/tasks", http.HandlerFunc(h.handleSubmitTask)))
	mux.Handle("GET /workers", h.instrument("/workers", http.HandlerFunc(h.handleListWorkers)))
}

func (h *TaskHandler) instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleSubmitTask runs one call and waits for its result (POST /tasks).
func (h *TaskHandler) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.SubmitTask")
	defer span.End()

	var req SubmitTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, TaskErrorResponse{Error: "Request body too large", Details: []string{err.Error()}})
			return
		}
		writeJSON(w, http.StatusBadRequest, TaskErrorResponse{Error: "Invalid request body", Details: []string{err.Error()}})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, TaskErrorResponse{Error: "Validation failed", Details: config.Describe(err)})
		return
	}

	taskID := uuid.NewString()
	span.SetAttributes(attribute.String("task.id", taskID), attribute.String("task.function", req.Function))

	value, err := h.runner.Submit(domain.WithTaskID(ctx, taskID), req.Function, req.Args, req.Kwargs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Task failed")
		h.writeTaskError(w, taskID, req.Function, err)
		return
	}

	writeJSON(w, http.StatusOK, SubmitTaskResponse{TaskID: taskID, Value: value})
}

func (h *TaskHandler) writeTaskError(w http.ResponseWriter, taskID, function string, err error) {
	var (
		failure *domain.WorkerFailure
		serr    *domain.SerializationError
	)
	switch {
	case errors.As(err, &failure):
		h.logger.Warn("task failed", "task_id", taskID, "function", function, "kind", failure.Kind, "error", failure.Message)
		writeJSON(w, http.StatusBadGateway, TaskErrorResponse{
			TaskID:       taskID,
			Error:        "Task failed",
			ErrorKind:    failure.Kind,
			ErrorMessage: failure.Message,
		})
	case errors.As(err, &serr):
		writeJSON(w, http.StatusUnprocessableEntity, TaskErrorResponse{
			TaskID:  taskID,
			Error:   "Task could not be transferred",
			Details: []string{err.Error()},
		})
	case errors.Is(err, domain.ErrPoolUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, TaskErrorResponse{TaskID: taskID, Error: "Pool unavailable"})
	default:
		h.logger.Error("error submitting task", "task_id", taskID, "function", function, "error", err)
		writeJSON(w, http.StatusInternalServerError, TaskErrorResponse{TaskID: taskID, Error: "Internal server error"})
	}
}

// handleListWorkers returns a snapshot of the pool (GET /workers).
func (h *TaskHandler) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "handler.ListWorkers")
	defer span.End()

	workers := h.runner.Workers()
	span.SetAttributes(attribute.Int("workers", len(workers)))
	writeJSON(w, http.StatusOK, workers)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
