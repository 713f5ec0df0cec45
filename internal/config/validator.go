package config

import (
	"fmt"
	"math"
	"net/url"
	"slices"
	"strings"

	"github.com/Iron-Ham/parallelmc/internal/workload"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "group.poll_interval_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateGroup()...)
	errors = append(errors, c.validateSeeds()...)
	errors = append(errors, c.validateRun()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateEngine()...)
	errors = append(errors, c.validateTelemetry()...)

	return errors
}

// validateGroup validates the GroupConfig
func (c *Config) validateGroup() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidTransports(), c.Group.Transport) {
		errors = append(errors, ValidationError{
			Field:   "group.transport",
			Value:   c.Group.Transport,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTransports(), ", ")),
		})
	}

	if c.Group.DialTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "group.dial_timeout_ms",
			Value:   c.Group.DialTimeoutMs,
			Message: "must be positive",
		})
	}

	// Polling faster than 1ms burns a core per waiting rank
	if c.Group.PollIntervalMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "group.poll_interval_ms",
			Value:   c.Group.PollIntervalMs,
			Message: "must be at least 1",
		})
	}

	if c.Group.Transport == TransportFile && strings.TrimSpace(c.Group.RunDir) == "" {
		errors = append(errors, ValidationError{
			Field:   "group.run_dir",
			Value:   c.Group.RunDir,
			Message: "is required for the file transport",
		})
	}

	if c.Group.Transport == TransportGRPC && strings.TrimSpace(c.Group.Address) == "" {
		errors = append(errors, ValidationError{
			Field:   "group.address",
			Value:   c.Group.Address,
			Message: "is required for the grpc transport",
		})
	}

	return errors
}

// validateSeeds validates the SeedsConfig
func (c *Config) validateSeeds() []ValidationError {
	var errors []ValidationError

	if c.Seeds.MaxRetries < 1 {
		errors = append(errors, ValidationError{
			Field:   "seeds.max_retries",
			Value:   c.Seeds.MaxRetries,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateRun validates the RunConfig
func (c *Config) validateRun() []ValidationError {
	var errors []ValidationError

	events := c.Run.Events
	if math.IsNaN(events) || math.IsInf(events, 0) || events < 0 || events != math.Trunc(events) {
		errors = append(errors, ValidationError{
			Field:   "run.events",
			Value:   events,
			Message: "must be a non-negative whole number",
		})
	}

	if _, err := workload.ParseMode(c.Run.Mode); err != nil {
		errors = append(errors, ValidationError{
			Field:   "run.mode",
			Value:   c.Run.Mode,
			Message: "must be one of: split, replicate",
		})
	}

	if c.Run.Threads < 0 {
		errors = append(errors, ValidationError{
			Field:   "run.threads",
			Value:   c.Run.Threads,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if strings.TrimSpace(c.Logging.OutputBase) == "" {
		errors = append(errors, ValidationError{
			Field:   "logging.output_base",
			Value:   c.Logging.OutputBase,
			Message: "is required to name worker output files",
		})
	}

	return errors
}

// validateEngine validates the EngineConfig
func (c *Config) validateEngine() []ValidationError {
	var errors []ValidationError

	if !(c.Engine.Thickness > 0) || math.IsInf(c.Engine.Thickness, 0) {
		errors = append(errors, ValidationError{
			Field:   "engine.thickness",
			Value:   c.Engine.Thickness,
			Message: "must be a positive number of mean free paths",
		})
	}

	if !(c.Engine.ScatterRatio >= 0 && c.Engine.ScatterRatio <= 1) {
		errors = append(errors, ValidationError{
			Field:   "engine.scatter_ratio",
			Value:   c.Engine.ScatterRatio,
			Message: "must be between 0 and 1",
		})
	}

	return errors
}

// validateTelemetry validates the TelemetryConfig
func (c *Config) validateTelemetry() []ValidationError {
	var errors []ValidationError

	if c.Telemetry.Endpoint == "" {
		return errors
	}
	u, err := url.Parse(c.Telemetry.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "telemetry.endpoint",
			Value:   c.Telemetry.Endpoint,
			Message: "must be an http(s) URL",
		})
	}

	return errors
}
