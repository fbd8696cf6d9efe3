package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"taskpool/internal/domain"
)

// SchedularService loads a fixed set of jobs into a scheduler and runs it.
type SchedularService struct {
	schedular domain.Schedular
	jobs      []domain.Job
	logger    *slog.Logger
}

func NewSchedularService(schedular domain.Schedular, jobs []domain.Job, logger *slog.Logger) *SchedularService {
	return &SchedularService{
		schedular: schedular,
		jobs:      jobs,
		logger:    logger.With("component", "schedular-service"),
	}
}

// Start registers every job and blocks until ctx is canceled. A job that
// cannot be registered aborts startup before anything runs.
func (s *SchedularService) Start(ctx context.Context) error {
	for i := range s.jobs {
		if err := s.schedular.AddJob(&s.jobs[i]); err != nil {
			return fmt.Errorf("registering job %s: %w", s.jobs[i].Name, err)
		}
	}
	s.logger.Info("scheduler service starting", "jobs", len(s.jobs))
	err := s.schedular.Start(ctx)
	s.logger.Info("scheduler service stopped")
	return err
}
