// Package tasks holds the functions every taskpool worker registers.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"taskpool/internal/domain"
	"taskpool/internal/infra/archive"
	infrahttp "taskpool/internal/infra/http"
	"taskpool/internal/infra/shell"
	"taskpool/internal/worker"
)

// Failure kinds reported by the built-in functions.
const (
	KindArgument = "ArgumentError"
	KindShell    = "ShellError"
	KindHTTP     = "HTTPError"
	KindArchive  = "ArchiveError"
)

// Function names.
const (
	Square         = "math.square"
	Add            = "math.add"
	Echo           = "echo"
	ShellRun       = "shell.run"
	HTTPFetch      = "http.fetch"
	HTTPDownload   = "http.download"
	ArchiveExtract = "archive.extract"
)

const fetchTimeout = 15 * time.Second

// Builtins carries the clients the I/O functions share within one worker.
type Builtins struct {
	shell  *shell.Runner
	http   *infrahttp.Client
	logger *slog.Logger
}

// New creates the built-in function set.
func New(logger *slog.Logger) *Builtins {
	return &Builtins{
		shell:  shell.NewRunner(logger),
		http:   infrahttp.NewClient(fetchTimeout),
		logger: logger.With("component", "tasks"),
	}
}

// Register adds every built-in function to reg.
func Register(reg *worker.Registry, logger *slog.Logger) error {
	b := New(logger)
	fns := []struct {
		name string
		fn   domain.Function
	}{
		{Square, MathSquare},
		{Add, MathAdd},
		{Echo, EchoArgs},
		{ShellRun, b.ShellRun},
		{HTTPFetch, b.HTTPFetch},
		{HTTPDownload, b.HTTPDownload},
		{ArchiveExtract, b.ArchiveExtract},
	}
	for _, f := range fns {
		if err := reg.Register(f.name, f.fn); err != nil {
			return err
		}
	}
	return nil
}

// MathSquare returns x*x.
func MathSquare(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	var x float64
	if err := arg(args, kwargs, 0, "x", &x); err != nil {
		return nil, err
	}
	return x * x, nil
}

// MathAdd returns a+b.
func MathAdd(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	var a, b float64
	if err := arg(args, kwargs, 0, "a", &a); err != nil {
		return nil, err
	}
	if err := arg(args, kwargs, 1, "b", &b); err != nil {
		return nil, err
	}
	return a + b, nil
}

// EchoArgs returns its arguments unchanged.
func EchoArgs(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	return map[string]any{"args": args, "kwargs": kwargs}, nil
}

// ShellRun runs command through bash. The optional timeout kwarg is in
// seconds.
func (b *Builtins) ShellRun(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	var (
		command string
		timeout float64
	)
	if err := arg(args, kwargs, 0, "command", &command); err != nil {
		return nil, err
	}
	if err := kwarg(kwargs, "timeout", &timeout); err != nil {
		return nil, err
	}

	out, err := b.shell.Run(ctx, command, time.Duration(timeout*float64(time.Second)))
	if err != nil {
		return nil, domain.NewTaskError(KindShell, "%v", err)
	}
	return out, nil
}

// HTTPFetch performs a request and returns its status and the start of its
// body.
func (b *Builtins) HTTPFetch(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	var url, method string
	if err := arg(args, kwargs, 0, "url", &url); err != nil {
		return nil, err
	}
	if err := kwarg(kwargs, "method", &method); err != nil {
		return nil, err
	}

	resp, err := b.http.Fetch(ctx, method, url)
	if err != nil {
		return nil, httpFailure(err)
	}
	return resp, nil
}

// HTTPDownload saves url to dest.
func (b *Builtins) HTTPDownload(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	var url, dest string
	if err := arg(args, kwargs, 0, "url", &url); err != nil {
		return nil, err
	}
	if err := arg(args, kwargs, 1, "dest", &dest); err != nil {
		return nil, err
	}

	b.logger.Info("downloading", "url", url, "dest", dest)
	dl, err := b.http.Download(ctx, url, dest)
	if err != nil {
		return nil, httpFailure(err)
	}
	b.logger.Info("download complete", "dest", dest, "bytes", dl.Bytes)
	return dl, nil
}

// ArchiveExtract unpacks a tar archive into dest.
func (b *Builtins) ArchiveExtract(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	var path, dest string
	if err := arg(args, kwargs, 0, "archive", &path); err != nil {
		return nil, err
	}
	if err := arg(args, kwargs, 1, "dest", &dest); err != nil {
		return nil, err
	}

	n, err := archive.ExtractFile(ctx, path, dest)
	if err != nil {
		return nil, domain.NewTaskError(KindArchive, "%v", err)
	}
	b.logger.Info("archive extracted", "archive", path, "dest", dest, "files", n)
	return map[string]any{"files": n}, nil
}

func httpFailure(err error) error {
	var statusErr *infrahttp.StatusError
	if errors.As(err, &statusErr) {
		return domain.NewTaskError(KindHTTP, "%s", statusErr.Status)
	}
	return domain.NewTaskError(KindHTTP, "%v", err)
}
