package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// CronParser accepts the six-field cron format with a leading seconds field.
var CronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewValidator returns a validator with the "cron" rule registered.
func NewValidator() *validator.Validate {
	validate := validator.New()

	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := CronParser.Parse(fl.Field().String())
		return err == nil
	})

	return validate
}

// Describe flattens validation errors into one line per failing field.
func Describe(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("Field '%s' failed on the '%s' tag.", fe.Namespace(), fe.Tag()))
	}
	return out
}

func describe(err error) string {
	return strings.Join(Describe(err), " ")
}
