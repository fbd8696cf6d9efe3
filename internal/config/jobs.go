package config

import (
	"fmt"

	"taskpool/internal/domain"

	"github.com/spf13/viper"
)

// LoadJobs reads the scheduled jobs listed under the "jobs" key of a YAML,
// JSON or TOML file. Every job is validated; names must be unique.
func LoadJobs(path string) ([]domain.Job, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading jobs file: %w", err)
	}

	var jobs []domain.Job
	if err := v.UnmarshalKey("jobs", &jobs); err != nil {
		return nil, fmt.Errorf("%w: jobs file %s: %v", domain.ErrInvalidConfiguration, path, err)
	}

	validate := NewValidator()
	seen := make(map[string]bool, len(jobs))
	for i := range jobs {
		if err := validate.Struct(&jobs[i]); err != nil {
			return nil, fmt.Errorf("%w: job %d: %s", domain.ErrInvalidConfiguration, i, describe(err))
		}
		if seen[jobs[i].Name] {
			return nil, fmt.Errorf("%w: duplicate job name %q", domain.ErrInvalidConfiguration, jobs[i].Name)
		}
		seen[jobs[i].Name] = true
	}
	return jobs, nil
}
