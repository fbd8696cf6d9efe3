package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"taskpool/internal/domain"
	"taskpool/internal/metrics"
	"taskpool/internal/pool"
	"taskpool/internal/tasks"
	"taskpool/internal/worker"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*httptest.Server, *pool.Dispatcher) {
	t.Helper()
	reg := worker.NewRegistry()
	require.NoError(t, tasks.Register(reg, discardLogger()))
	return serve(t, reg, nil)
}

func serve(t *testing.T, reg *worker.Registry, configure func(*TaskHandler)) (*httptest.Server, *pool.Dispatcher) {
	t.Helper()
	d, err := pool.Open(context.Background(), pool.Options{
		Processes: 2,
		Launcher:  pool.NewLocalLauncher(reg, discardLogger()),
		Registry:  reg,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	h := NewTaskHandler(d, discardLogger())
	if configure != nil {
		configure(h)
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, d
}

func post(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/tasks", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestSubmitTask(t *testing.T) {
	srv, _ := newTestServer(t)
	before := testutil.ToFloat64(metrics.HttpRequestsTotal.WithLabelValues("/tasks", "POST", "200"))

	resp, out := post(t, srv, `{"function":"math.square","args":[9]}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, 81.0, out["value"])
	assert.NotEmpty(t, out["task_id"])
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.HttpRequestsTotal.WithLabelValues("/tasks", "POST", "200")))
}

func TestSubmitTask_Errors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		check  func(t *testing.T, out map[string]any)
	}{
		{
			name:   "invalid json",
			body:   `{"function":`,
			status: http.StatusBadRequest,
		},
		{
			name:   "missing function",
			body:   `{"args":[1]}`,
			status: http.StatusBadRequest,
			check: func(t *testing.T, out map[string]any) {
				assert.Equal(t, "Validation failed", out["error"])
				assert.Contains(t, out["details"].([]any)[0], "Function")
			},
		},
		{
			name:   "unknown function",
			body:   `{"function":"math.cube","args":[1]}`,
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "task failure",
			body:   `{"function":"math.square","args":["nine"]}`,
			status: http.StatusBadGateway,
			check: func(t *testing.T, out map[string]any) {
				assert.Equal(t, tasks.KindArgument, out["error_kind"])
				assert.Contains(t, out["error_message"], `argument "x"`)
			},
		},
		{
			name:   "shell failure",
			body:   `{"function":"shell.run","args":["exit 3"]}`,
			status: http.StatusBadGateway,
			check: func(t *testing.T, out map[string]any) {
				assert.Equal(t, tasks.KindShell, out["error_kind"])
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := post(t, srv, tt.body)

			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.check != nil {
				tt.check(t, out)
			}
		})
	}
}

func TestSubmitTask_TaskIDReachesFunction(t *testing.T) {
	reg := worker.NewRegistry()
	reg.MustRegister("task.id", func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		id, _ := domain.TaskIDFrom(ctx)
		return id, nil
	})
	srv, _ := serve(t, reg, nil)

	resp, out := post(t, srv, `{"function":"task.id"}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out["task_id"])
	assert.Equal(t, out["task_id"], out["value"])
}

func TestSubmitTask_BodyTooLarge(t *testing.T) {
	reg := worker.NewRegistry()
	require.NoError(t, tasks.Register(reg, discardLogger()))
	srv, _ := serve(t, reg, func(h *TaskHandler) { h.maxBody = 64 })

	resp, out := post(t, srv, `{"function":"math.square","args":[9],"kwargs":{"pad":"`+strings.Repeat("x", 128)+`"}}`)

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "Request body too large", out["error"])

	resp, out = post(t, srv, `{"function":"math.square","args":[9]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 81.0, out["value"])
}

func TestSubmitTask_PoolClosed(t *testing.T) {
	srv, d := newTestServer(t)
	require.NoError(t, d.Close())

	resp, out := post(t, srv, `{"function":"math.square","args":[2]}`)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Pool unavailable", out["error"])
}

func TestSubmitTask_WrongMethod(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/tasks")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestListWorkers(t *testing.T) {
	srv, _ := newTestServer(t)
	post(t, srv, `{"function":"echo","args":[1]}`)

	resp, err := http.Get(srv.URL + "/workers")
	require.NoError(t, err)
	defer resp.Body.Close()

	var workers []pool.WorkerInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&workers))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, workers, 2)
	var total uint64
	for _, w := range workers {
		assert.NotEmpty(t, w.ID)
		assert.False(t, w.Busy)
		total += w.Tasks
	}
	assert.Equal(t, uint64(1), total)
}
