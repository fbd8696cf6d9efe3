package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"taskpool/internal/domain"
	"taskpool/internal/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/emptypb"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister("math.square", square)
	reg.MustRegister("fail", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return nil, domain.NewTaskError("ValueError", "invalid value %v", args[0])
	})
	reg.MustRegister("fail.plain", func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("disk full")
	})
	reg.MustRegister("panic", func(context.Context, []any, map[string]any) (any, error) {
		panic("index out of range")
	})
	reg.MustRegister("make.chan", func(context.Context, []any, map[string]any) (any, error) {
		return make(chan int), nil
	})
	return NewServer(reg, "worker-test", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func execute(t *testing.T, s *Server, call domain.Call) rpc.Result {
	t.Helper()
	req, err := rpc.EncodeCall(call)
	require.NoError(t, err)
	resp, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	return rpc.DecodeResult(resp)
}

func TestServer_ExecuteReturnsValue(t *testing.T) {
	s := newTestServer(t)

	res := execute(t, s, domain.Call{ID: "t1", Function: "math.square", Args: []any{7}})

	assert.Equal(t, rpc.StatusOK, res.Status)
	assert.Equal(t, 49.0, res.Value)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, "worker-test", res.WorkerID)
}

func TestServer_ExecuteReportsFailures(t *testing.T) {
	tests := []struct {
		name     string
		function string
		status   string
		kind     string
		message  string
	}{
		{name: "task error keeps kind", function: "fail", status: rpc.StatusFailed, kind: "ValueError", message: "invalid value 1"},
		{name: "plain error", function: "fail.plain", status: rpc.StatusFailed, kind: domain.KindError, message: "disk full"},
		{name: "panic", function: "panic", status: rpc.StatusFailed, kind: domain.KindPanic, message: "index out of range"},
		{name: "unknown function", function: "nope", status: rpc.StatusUnserializable, kind: "function"},
		{name: "unencodable result", function: "make.chan", status: rpc.StatusUnserializable, kind: "result"},
	}

	s := newTestServer(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := execute(t, s, domain.Call{ID: "t", Function: tc.function, Args: []any{1}})

			assert.Equal(t, tc.status, res.Status)
			assert.Equal(t, tc.kind, res.ErrorKind)
			if tc.message != "" {
				assert.Equal(t, tc.message, res.ErrorMessage)
			}
			assert.Nil(t, res.Value)
		})
	}
}

func TestServer_Ping(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.Ping(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)

	info := rpc.DecodePing(resp)
	assert.Equal(t, "worker-test", info.WorkerID)
	assert.NotZero(t, info.PID)
	assert.Contains(t, info.Functions, "math.square")
}
