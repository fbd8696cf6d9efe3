package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidator_Cron(t *testing.T) {
	type schedule struct {
		Expr string `validate:"required,cron"`
	}
	v := NewValidator()

	assert.NoError(t, v.Struct(schedule{Expr: "0 */5 * * * *"}))
	assert.NoError(t, v.Struct(schedule{Expr: "@hourly"}))

	err := v.Struct(schedule{Expr: "*/5 * * * *"})
	require.Error(t, err)
	assert.Equal(t, []string{"Field 'schedule.Expr' failed on the 'cron' tag."}, Describe(err))
}

func TestNewValidator_OnlyKnownRules(t *testing.T) {
	type timeout struct {
		After string `validate:"duration"`
	}

	assert.Panics(t, func() { _ = NewValidator().Struct(timeout{After: "5s"}) })
}
