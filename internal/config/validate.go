package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("duration", validateDuration)
	_ = validate.RegisterValidation("cron", validateCron)
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

func validateCron(fl validator.FieldLevel) bool {
	_, err := cron.ParseStandard(fl.Field().String())
	return err == nil
}

// Validate checks field constraints and the references between sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q (value %v)", fieldPath(fe), fe.Tag(), fe.Value())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	for _, t := range c.Notify.Targets {
		if _, ok := c.Services[t.Service]; !ok {
			return fmt.Errorf("invalid config: notify target %q is not a configured service", t.Service)
		}
	}
	if c.Notify.On != "never" && len(c.Notify.Targets) == 0 {
		return fmt.Errorf("invalid config: notify.on is %q but no targets are configured", c.Notify.On)
	}
	return nil
}

// ValidateServe checks that exactly one serve trigger is configured.
func (c *Config) ValidateServe() error {
	n := 0
	if c.Serve.Interval != "" {
		n++
	}
	if c.Serve.Cron != "" {
		n++
	}
	if c.Serve.Watch {
		n++
	}
	if n != 1 {
		return fmt.Errorf("invalid config: serve needs exactly one of interval, cron or watch (got %d)", n)
	}
	if c.Options.InputDir == "" {
		return fmt.Errorf("invalid config: serve needs options.input_dir")
	}
	if c.Serve.Watch && filepath.Clean(c.Options.InputDir) == filepath.Clean(c.Options.OutputDir) {
		return fmt.Errorf("invalid config: serve.watch needs output_dir outside input_dir")
	}
	return nil
}

// fieldPath turns "Config.Telemetry.SampleRate" into "Telemetry.SampleRate".
func fieldPath(fe validator.FieldError) string {
	_, rest, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		return fe.Namespace()
	}
	return rest
}
