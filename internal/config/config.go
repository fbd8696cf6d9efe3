// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"taskpool/internal/domain"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key when read from the environment,
// e.g. TASKPOOL_PROCESSES.
const EnvPrefix = "TASKPOOL"

// WorkerBinaryName is looked up next to the running executable and on PATH
// when worker_binary is not set.
const WorkerBinaryName = "taskpool-worker"

// Worker launch modes.
const (
	ModeProcess = "process"
	ModeLocal   = "local"
)

// Config holds all configuration for taskpool.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	Processes          int           `mapstructure:"processes" validate:"min=1"`
	Mode               string        `mapstructure:"mode" validate:"oneof=process local"`
	WorkerBinary       string        `mapstructure:"worker_binary" validate:"required_if=Mode process"`
	SocketDir          string        `mapstructure:"socket_dir"`
	WorkerStartTimeout time.Duration `mapstructure:"worker_start_timeout" validate:"gt=0"`
	WorkerStopTimeout  time.Duration `mapstructure:"worker_stop_timeout" validate:"gt=0"`
	HttpListenAddr     string        `mapstructure:"http_listen_addr" validate:"required"`
	LogLevel           string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	TracingEnabled     bool          `mapstructure:"tracing_enabled"`
	JobsFile           string        `mapstructure:"jobs_file"`
}

// New creates a viper instance with defaults, the config file search path
// and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("processes", runtime.NumCPU())
	v.SetDefault("mode", ModeProcess)
	v.SetDefault("worker_binary", "")
	v.SetDefault("socket_dir", "")
	v.SetDefault("worker_start_timeout", "10s")
	v.SetDefault("worker_stop_timeout", "5s")
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("jobs_file", "")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags registers the command line flags that override config keys.
// Flag names use dashes; keys use underscores.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.IntP("processes", "p", 0, "Number of worker processes (default: number of CPUs).")
	fs.String("mode", "", "Worker mode: 'process' runs each worker as a child process, 'local' runs them in-process.")
	fs.String("worker-binary", "", "Path to the taskpool-worker binary.")
	fs.String("socket-dir", "", "Directory for worker sockets (default: system temp dir).")
	fs.String("log-level", "", "Log level: debug, info, warn or error.")
	fs.Bool("tracing", false, "Export OpenTelemetry spans to stdout.")

	for flag, key := range map[string]string{
		"processes":     "processes",
		"mode":          "mode",
		"worker-binary": "worker_binary",
		"socket-dir":    "socket_dir",
		"log-level":     "log_level",
		"tracing":       "tracing_enabled",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the optional config file and unmarshals and validates the
// result. Every validation failure wraps domain.ErrInvalidConfiguration.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfiguration, err)
	}
	if cfg.Mode == ModeProcess && cfg.WorkerBinary == "" {
		cfg.WorkerBinary = findWorkerBinary()
	}

	if err := NewValidator().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidConfiguration, describe(err))
	}
	return &cfg, nil
}

// SlogLevel converts LogLevel to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func findWorkerBinary() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), WorkerBinaryName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if path, err := exec.LookPath(WorkerBinaryName); err == nil {
		return path
	}
	return ""
}
