package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	httpapi "taskpool/internal/api/http"
	"taskpool/internal/config"
	"taskpool/internal/domain"
	"taskpool/internal/pool"
	"taskpool/internal/scheduler"
	"taskpool/internal/tasks"
	"taskpool/internal/tracing"
	"taskpool/internal/usecase"
	"taskpool/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// usageError marks bad command line input.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{fmt.Errorf(format, args...)}
}

// app is the state shared by every subcommand once the pool is open.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	dispatcher *pool.Dispatcher
	shutdown   []func(context.Context) error
}

func (a *app) close() {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(); err != nil {
			a.logger.Error("failed to close dispatcher", "error", err)
		}
	}
	for _, fn := range a.shutdown {
		if err := fn(context.Background()); err != nil {
			a.logger.Error("failed to shutdown tracer", "error", err)
		}
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:           "taskpool",
		Short:         "Run functions on a pool of worker processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})
	if err := config.BindFlags(v, root.PersistentFlags()); err != nil {
		panic(err)
	}

	root.AddCommand(
		newRunCommand(v),
		newServeCommand(v),
		newScheduleCommand(v),
		newFetchModelsCommand(v),
	)
	return root
}

// open loads the configuration and starts the worker pool.
func open(ctx context.Context, v *viper.Viper, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	a := &app{cfg: cfg, logger: logger}

	tracerShutdown, err := tracing.Setup("taskpool", cfg.TracingEnabled, stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	a.shutdown = append(a.shutdown, tracerShutdown)

	reg := worker.NewRegistry()
	if err := tasks.Register(reg, logger); err != nil {
		a.close()
		return nil, err
	}

	var launcher pool.Launcher
	switch cfg.Mode {
	case config.ModeLocal:
		launcher = pool.NewLocalLauncher(reg, logger)
	default:
		launcher, err = pool.NewProcessLauncher(pool.ProcessConfig{
			Binary:       cfg.WorkerBinary,
			SocketDir:    cfg.SocketDir,
			StartTimeout: cfg.WorkerStartTimeout,
			Stderr:       stderr,
			Logger:       logger,
		})
		if err != nil {
			a.close()
			return nil, err
		}
	}

	logger.Info("starting worker pool", "processes", cfg.Processes, "mode", cfg.Mode)
	a.dispatcher, err = pool.Open(ctx, pool.Options{
		Processes:   cfg.Processes,
		Launcher:    launcher,
		Registry:    reg,
		StopTimeout: cfg.WorkerStopTimeout,
		Logger:      logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	var kwFlags []string
	cmd := &cobra.Command{
		Use:   "run FUNCTION [JSON_ARG...]",
		Short: "Run one function and print its result as JSON",
		Long: `Run one function on the pool and print its result as JSON.

Each argument is parsed as JSON; arguments that are not valid JSON are passed
as strings. Keyword arguments are given as --kw key=JSON.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return usagef("requires a function name")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs := parseArgs(args[1:])
			kwargs, err := parseKwargs(kwFlags)
			if err != nil {
				return err
			}

			a, err := open(cmd.Context(), v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			value, err := a.dispatcher.Submit(cmd.Context(), args[0], callArgs, kwargs)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(value)
		},
	}
	cmd.Flags().StringArrayVar(&kwFlags, "kw", nil, "Keyword argument as key=JSON (repeatable).")
	return cmd
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	var jobsFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task API, worker status and metrics over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			a, err := open(ctx, v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			var jobs []domain.Job
			if jobsFile == "" {
				jobsFile = a.cfg.JobsFile
			}
			if jobsFile != "" {
				if jobs, err = config.LoadJobs(jobsFile); err != nil {
					return err
				}
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			httpapi.NewTaskHandler(a.dispatcher, a.logger).RegisterRoutes(mux)

			server := &http.Server{
				Addr:    a.cfg.HttpListenAddr,
				Handler: corsMiddleware(mux),
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.logger.Info("starting HTTP API server", "addr", a.cfg.HttpListenAddr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("HTTP server failed: %w", err)
				}
				return nil
			})
			if len(jobs) > 0 {
				svc := usecase.NewSchedularService(scheduler.NewCronScheduler(a.dispatcher, a.logger), jobs, a.logger)
				g.Go(func() error {
					if err := svc.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				a.logger.Info("shutting down HTTP server")
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				return server.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&jobsFile, "jobs", "", "Also run the scheduled jobs in this file.")
	return cmd
}

func newScheduleCommand(v *viper.Viper) *cobra.Command {
	var jobsFile string
	cmd := &cobra.Command{
		Use:   "schedule --jobs FILE",
		Short: "Run the jobs in FILE on their cron schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if jobsFile == "" {
				jobsFile = v.GetString("jobs_file")
			}
			if jobsFile == "" {
				return usagef("--jobs is required")
			}
			jobs, err := config.LoadJobs(jobsFile)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()

			a, err := open(ctx, v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			svc := usecase.NewSchedularService(scheduler.NewCronScheduler(a.dispatcher, a.logger), jobs, a.logger)
			if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobsFile, "jobs", "", "YAML, JSON or TOML file listing the jobs.")
	return cmd
}

func newFetchModelsCommand(v *viper.Viper) *cobra.Command {
	var req usecase.FetchRequest
	cmd := &cobra.Command{
		Use:   "fetch-models --url URL --dest DIR",
		Short: "Download a model archive and extract it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.URL == "" || req.Dest == "" {
				return usagef("--url and --dest are required")
			}

			a, err := open(cmd.Context(), v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			res, err := usecase.NewModelFetchService(a.dispatcher, a.logger).Fetch(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Extracted %d files into %s\n", res.Files, req.Dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.URL, "url", "", "URL of the model archive.")
	cmd.Flags().StringVar(&req.Dest, "dest", "", "Directory to extract into.")
	cmd.Flags().StringVar(&req.Archive, "archive", "", "Where to store the download (default: inside --dest).")
	cmd.Flags().BoolVar(&req.KeepArchive, "keep-archive", false, "Keep the archive after extracting it.")
	return cmd
}

// parseArgs decodes each argument as JSON, keeping it as a string when it
// is not valid JSON.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, s := range raw {
		args = append(args, parseValue(s))
	}
	return args
}

func parseKwargs(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	kwargs := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, usagef("invalid --kw %q, expected key=JSON", kv)
		}
		kwargs[key] = parseValue(value)
	}
	return kwargs, nil
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
