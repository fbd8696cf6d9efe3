// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"taskpool/internal/domain"
	"taskpool/internal/metrics"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// cronScheduler submits each job's call to the dispatcher whenever its cron
// expression fires.
type cronScheduler struct {
	cron       *cron.Cron
	dispatcher domain.Dispatcher
	logger     *slog.Logger
	tracer     trace.Tracer

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// NewCronScheduler creates a scheduler that uses the six-field cron format
// with a leading seconds field.
func NewCronScheduler(dispatcher domain.Dispatcher, logger *slog.Logger) domain.Schedular {
	c := cron.New(cron.WithSeconds())
	return &cronScheduler{
		cron:       c,
		dispatcher: dispatcher,
		jobs:       make(map[string]cron.EntryID),
		logger:     logger.With("component", "cron-scheduler"),
		tracer:     otel.Tracer("taskpool-scheduler"),
	}
}

// Start runs the scheduler until ctx is canceled, then waits for running
// jobs to finish.
func (s *cronScheduler) Start(ctx context.Context) error {
	s.logger.Info("cron scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	s.Stop()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

// Stop halts the scheduler and waits for running jobs.
func (s *cronScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// AddJob adds a job to the scheduler, replacing any job with the same name.
func (s *cronScheduler) AddJob(job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidConfiguration, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jobWrapper := &cronJobWrapper{
		job:        *job,
		dispatcher: s.dispatcher,
		logger:     s.logger.With("job_name", job.Name),
		tracer:     s.tracer,
	}

	entryID, err := s.cron.AddJob(job.CronExpr, jobWrapper)
	if err != nil {
		s.logger.Error("failed to add job to cron", "job_name", job.Name, "error", err)
		return fmt.Errorf("%w: job %s: %v", domain.ErrInvalidConfiguration, job.Name, err)
	}

	if old, ok := s.jobs[job.Name]; ok {
		s.cron.Remove(old)
	}
	s.jobs[job.Name] = entryID
	s.logger.Info("added job to scheduler", "job_name", job.Name, "schedule", job.CronExpr, "function", job.Function)
	return nil
}

// RemoveJob removes a job from the scheduler.
func (s *cronScheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.jobs[name]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, name)
		s.logger.Info("removed job from scheduler", "job_name", name)
	}
	return nil
}

// Jobs returns the names of the scheduled jobs in sorted order.
func (s *cronScheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type cronJobWrapper struct {
	job        domain.Job
	dispatcher domain.Dispatcher
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Run is called by the cron library. It submits the job's call and waits for
// the result.
func (w *cronJobWrapper) Run() {
	runID := uuid.NewString()
	ctx, span := w.tracer.Start(context.Background(), "scheduler.Run",
		trace.WithAttributes(
			attribute.String("job.name", w.job.Name),
			attribute.String("job.function", w.job.Function),
			attribute.String("run.id", runID),
		))
	defer span.End()

	logger := w.logger.With("run_id", runID)
	logger.Info("submitting scheduled job", "function", w.job.Function)
	result, err := w.dispatcher.Submit(ctx, w.job.Function, w.job.Args, w.job.Kwargs)
	if err != nil {
		logger.Error("scheduled job failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "scheduled job failed")
		metrics.ScheduledRunsTotal.WithLabelValues(w.job.Name, "failed").Inc()
		return
	}
	logger.Info("scheduled job finished", "result", result)
	metrics.ScheduledRunsTotal.WithLabelValues(w.job.Name, "success").Inc()
}
