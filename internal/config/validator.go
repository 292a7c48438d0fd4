package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/facelock/facelock/internal/domain/vision"
)

// RegisterCustomValidators registers facelock-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: a Go duration string that is not negative
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	// expression_label: one of the labels the expression net emits
	if err := v.RegisterValidation("expression_label", validateExpressionLabel); err != nil {
		return fmt.Errorf("failed to register expression_label validator: %w", err)
	}
	return nil
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

func validateExpressionLabel(fl validator.FieldLevel) bool {
	return vision.Expression(fl.Field().String()).IsKnown()
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateSerialPort(); err != nil {
		return err
	}
	if err := c.validateKeypadKeys(); err != nil {
		return err
	}
	if err := c.validatePositiveDurations(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("access.timezone: %w", err)
	}
	return nil
}

// validateSerialPort requires a port when either the keypad or the relay uses it.
func (c *Config) validateSerialPort() error {
	if c.Serial.Port != "" {
		return nil
	}
	if c.Keypad.Source == "serial" {
		return errors.New("serial.port is required when keypad.source is serial")
	}
	if c.Actuator.Driver == "serial" {
		return errors.New("serial.port is required when actuator.driver is serial")
	}
	return nil
}

// validateKeypadKeys ensures the submit key is not also a clear key.
func (c *Config) validateKeypadKeys() error {
	if slices.ContainsFunc(c.Keypad.ClearKeys, func(k string) bool {
		return strings.EqualFold(k, c.Keypad.SubmitKey)
	}) {
		return fmt.Errorf("keypad.submit_key %q is also a clear key", c.Keypad.SubmitKey)
	}
	return nil
}

// validatePositiveDurations rejects zero for durations that drive loops or deadlines.
func (c *Config) validatePositiveDurations() error {
	fields := []struct {
		name  string
		value string
	}{
		{"keypad.poll_interval", c.Keypad.PollInterval},
		{"camera.frame_timeout", c.Camera.FrameTimeout},
		{"vision.timeout", c.Vision.Timeout},
		{"liveness.hold_duration", c.Liveness.HoldDuration},
		{"liveness.challenge_time", c.Liveness.ChallengeTime},
		{"liveness.sample_interval", c.Liveness.SampleInterval},
		{"match.absence_timeout", c.Match.AbsenceTimeout},
		{"match.sample_interval", c.Match.SampleInterval},
		{"password.entry_timeout", c.Password.EntryTimeout},
		{"actuator.duration", c.Actuator.Duration},
		{"telemetry.metric_interval", c.Telemetry.MetricInterval},
	}
	for _, f := range fields {
		if Duration(f.value) <= 0 {
			return fmt.Errorf("%s must be a positive duration", f.name)
		}
	}
	if Duration(c.Liveness.HoldDuration) >= Duration(c.Liveness.ChallengeTime) {
		return errors.New("liveness.hold_duration must be shorter than liveness.challenge_time")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "len":
		return fmt.Sprintf("%s must be exactly %s character(s)", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "unique":
		return fmt.Sprintf("%s must not contain duplicates", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a non-negative duration such as \"300ms\" or \"5s\"", field)
	case "expression_label":
		return fmt.Sprintf("%s must be one of: %s", field, knownExpressionList())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}

func knownExpressionList() string {
	names := make([]string, len(vision.KnownExpressions))
	for i, e := range vision.KnownExpressions {
		names[i] = string(e)
	}
	return strings.Join(names, " ")
}
