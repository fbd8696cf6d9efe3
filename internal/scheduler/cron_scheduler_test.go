package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"taskpool/internal/domain"
	"taskpool/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

type submission struct {
	function string
	args     []any
	kwargs   map[string]any
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []submission
	err   error
}

func (f *fakeDispatcher) Submit(_ context.Context, function string, args []any, kwargs map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, submission{function, args, kwargs})
	return "ok", f.err
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddAndRemoveJob(t *testing.T) {
	s := NewCronScheduler(&fakeDispatcher{}, discardLogger())

	require.NoError(t, s.AddJob(&domain.Job{Name: "b", CronExpr: "0 * * * * *", Function: "echo"}))
	require.NoError(t, s.AddJob(&domain.Job{Name: "a", CronExpr: "@hourly", Function: "echo"}))
	require.NoError(t, s.AddJob(&domain.Job{Name: "a", CronExpr: "@daily", Function: "echo"}), "same name replaces")
	assert.Equal(t, []string{"a", "b"}, s.Jobs())

	require.NoError(t, s.RemoveJob("a"))
	require.NoError(t, s.RemoveJob("missing"))
	assert.Equal(t, []string{"b"}, s.Jobs())
}

func TestAddJob_Invalid(t *testing.T) {
	s := NewCronScheduler(&fakeDispatcher{}, discardLogger())

	tests := []struct {
		name string
		job  domain.Job
	}{
		{"no name", domain.Job{CronExpr: "* * * * * *", Function: "echo"}},
		{"no function", domain.Job{Name: "x", CronExpr: "* * * * * *"}},
		{"bad cron", domain.Job{Name: "x", CronExpr: "whenever", Function: "echo"}},
		{"five fields", domain.Job{Name: "x", CronExpr: "* * * * *", Function: "echo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.AddJob(&tt.job)

			assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
		})
	}
	assert.Empty(t, s.Jobs())
}

func TestJobWrapper_Run(t *testing.T) {
	d := &fakeDispatcher{}
	w := &cronJobWrapper{
		job: domain.Job{
			Name:     "wrapper-ok",
			Function: "math.add",
			Args:     []any{1.0, 2.0},
			Kwargs:   map[string]any{"k": "v"},
		},
		dispatcher: d,
		logger:     discardLogger(),
		tracer:     otel.Tracer("test"),
	}

	w.Run()

	require.Equal(t, 1, d.count())
	assert.Equal(t, submission{"math.add", []any{1.0, 2.0}, map[string]any{"k": "v"}}, d.calls[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ScheduledRunsTotal.WithLabelValues("wrapper-ok", "success")))

	d.err = errors.New("worker failure")
	w.job.Name = "wrapper-failed"
	w.Run()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ScheduledRunsTotal.WithLabelValues("wrapper-failed", "failed")))
}

func TestStart_FiresJobs(t *testing.T) {
	d := &fakeDispatcher{}
	s := NewCronScheduler(d, discardLogger())
	require.NoError(t, s.AddJob(&domain.Job{Name: "tick", CronExpr: "* * * * * *", Function: "echo"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	assert.Eventually(t, func() bool { return d.count() >= 1 }, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
