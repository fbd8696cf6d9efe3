package domain

import (
	"fmt"
)

// Job is a call submitted to the dispatcher on a cron schedule.
type Job struct {
	Name     string         `json:"name" mapstructure:"name" validate:"required,min=1,max=128"`
	CronExpr string         `json:"cron_expr" mapstructure:"cron_expr" validate:"required,cron"`
	Function string         `json:"function" mapstructure:"function" validate:"required"`
	Args     []any          `json:"args,omitempty" mapstructure:"args"`
	Kwargs   map[string]any `json:"kwargs,omitempty" mapstructure:"kwargs"`
}

// Validate checks the fields the scheduler relies on.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if j.CronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty for job %s", j.Name)
	}
	if j.Function == "" {
		return fmt.Errorf("function cannot be empty for job %s", j.Name)
	}
	return nil
}
