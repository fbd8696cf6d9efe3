package usecase

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"taskpool/internal/domain"
	"taskpool/internal/pool"
	"taskpool/internal/tasks"
	"taskpool/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type submission struct {
	function string
	args     []any
}

// scriptedDispatcher answers each function name with a canned result.
type scriptedDispatcher struct {
	mu      sync.Mutex
	calls   []submission
	results map[string]any
	errs    map[string]error
}

func (d *scriptedDispatcher) Submit(_ context.Context, function string, args []any, _ map[string]any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, submission{function, args})
	if err := d.errs[function]; err != nil {
		return nil, err
	}
	return d.results[function], nil
}

func TestFetch_RunsStepsInOrder(t *testing.T) {
	dest := t.TempDir()
	archive := filepath.Join(dest, "Models.tar.xz")
	require.NoError(t, os.WriteFile(archive, []byte("archive"), 0o644))
	d := &scriptedDispatcher{results: map[string]any{
		tasks.HTTPDownload:   map[string]any{"path": archive, "bytes": 7.0},
		tasks.ArchiveExtract: map[string]any{"files": 3.0},
	}}

	res, err := NewModelFetchService(d, discardLogger()).Fetch(context.Background(), FetchRequest{
		URL:  "https://example.com/files/Models.tar.xz?dl=1",
		Dest: dest,
	})

	require.NoError(t, err)
	assert.Equal(t, FetchResult{Archive: archive, Bytes: 7, Files: 3, Removed: true}, res)
	assert.Equal(t, []submission{
		{tasks.HTTPDownload, []any{"https://example.com/files/Models.tar.xz?dl=1", archive}},
		{tasks.ArchiveExtract, []any{archive, dest}},
	}, d.calls)
	assert.NoFileExists(t, archive)
}

func TestFetch_KeepArchive(t *testing.T) {
	dest := t.TempDir()
	archive := filepath.Join(t.TempDir(), "m.tar")
	require.NoError(t, os.WriteFile(archive, []byte("archive"), 0o644))
	d := &scriptedDispatcher{results: map[string]any{
		tasks.HTTPDownload:   map[string]any{"bytes": 7.0},
		tasks.ArchiveExtract: map[string]any{"files": 1.0},
	}}

	res, err := NewModelFetchService(d, discardLogger()).Fetch(context.Background(), FetchRequest{
		URL: "https://example.com/m.tar", Archive: archive, Dest: dest, KeepArchive: true,
	})

	require.NoError(t, err)
	assert.False(t, res.Removed)
	assert.FileExists(t, archive)
}

func TestFetch_StopsAtFirstFailure(t *testing.T) {
	failure := &domain.WorkerFailure{Function: tasks.HTTPDownload, Kind: tasks.KindHTTP, Message: "404 Not Found"}
	d := &scriptedDispatcher{errs: map[string]error{tasks.HTTPDownload: failure}}

	_, err := NewModelFetchService(d, discardLogger()).Fetch(context.Background(), FetchRequest{
		URL: "https://example.com/Models.tar.xz", Dest: t.TempDir(),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrWorkerFailure)
	assert.Contains(t, err.Error(), "download: ")
	assert.Len(t, d.calls, 1)
}

func TestFetch_InvalidRequest(t *testing.T) {
	svc := NewModelFetchService(&scriptedDispatcher{}, discardLogger())

	for _, req := range []FetchRequest{
		{Dest: "/tmp/x"},
		{URL: "https://example.com/Models.tar.xz"},
		{URL: "https://example.com/", Dest: "/tmp/x"},
	} {
		_, err := svc.Fetch(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidConfiguration, "request %+v", req)
	}
}

func modelsTarXZ(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(xw)
	for _, name := range []string{"Models/pitch.onnx", "Models/onset.onnx"} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: 4, Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte("data"))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, xw.Close())
	return buf.Bytes()
}

func TestFetch_EndToEnd(t *testing.T) {
	payload := modelsTarXZ(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	reg := worker.NewRegistry()
	require.NoError(t, tasks.Register(reg, discardLogger()))
	d, err := pool.Open(context.Background(), pool.Options{
		Processes: 2,
		Launcher:  pool.NewLocalLauncher(reg, discardLogger()),
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	defer d.Close()

	dest := t.TempDir()
	res, err := NewModelFetchService(d, discardLogger()).Fetch(context.Background(), FetchRequest{
		URL: srv.URL + "/Models.tar.xz", Dest: dest,
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, int64(len(payload)), res.Bytes)
	assert.FileExists(t, filepath.Join(dest, "Models", "pitch.onnx"))
	assert.NoFileExists(t, filepath.Join(dest, "Models.tar.xz"))
}

type recordingSchedular struct {
	added   []string
	addErr  error
	started bool
}

func (s *recordingSchedular) Start(ctx context.Context) error {
	s.started = true
	<-ctx.Done()
	return ctx.Err()
}
func (s *recordingSchedular) Stop() {}
func (s *recordingSchedular) AddJob(job *domain.Job) error {
	if s.addErr != nil {
		return s.addErr
	}
	s.added = append(s.added, job.Name)
	return nil
}
func (s *recordingSchedular) RemoveJob(string) error { return nil }
func (s *recordingSchedular) Jobs() []string         { return s.added }

func TestSchedularService(t *testing.T) {
	jobs := []domain.Job{
		{Name: "a", CronExpr: "@hourly", Function: "echo"},
		{Name: "b", CronExpr: "@daily", Function: "echo"},
	}
	s := &recordingSchedular{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewSchedularService(s, jobs, discardLogger()).Start(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a", "b"}, s.added)
	assert.True(t, s.started)
}

func TestSchedularService_RejectsBadJob(t *testing.T) {
	s := &recordingSchedular{addErr: errors.New("bad cron")}

	err := NewSchedularService(s, []domain.Job{{Name: "a"}}, discardLogger()).Start(context.Background())

	assert.ErrorContains(t, err, "registering job a")
	assert.False(t, s.started)
}
