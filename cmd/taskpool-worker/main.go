// cmd/taskpool-worker/main.go
//
// Command taskpool-worker is the worker process started by the taskpool
// dispatcher. It serves the built-in functions on the unix socket named in
// TASKPOOL_WORKER_SOCKET and is not meant to be run by hand.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"taskpool/internal/config"
	"taskpool/internal/tasks"
	"taskpool/internal/tracing"
	"taskpool/internal/worker"
)

func main() {
	if !worker.IsWorkerProcess() {
		fmt.Fprintf(os.Stderr, "taskpool-worker is started by the taskpool dispatcher (%s is not set)\n", worker.EnvSocket)
		os.Exit(2)
	}

	v := config.New()
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		level = slog.LevelInfo
	}
	// stdout is left to task output; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("worker_id", os.Getenv(worker.EnvWorkerID), "pid", os.Getpid())
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.Setup("taskpool-worker", v.GetBool("tracing_enabled"), os.Stderr)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := worker.NewRegistry()
	if err := tasks.Register(reg, logger); err != nil {
		logger.Error("failed to register functions", "error", err)
		os.Exit(1)
	}

	if err := worker.ServeFromEnv(ctx, reg, logger); err != nil {
		logger.Error("worker stopped with error", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("worker shut down")
}
