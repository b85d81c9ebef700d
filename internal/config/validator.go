package config

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/lfslock/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "poll.interval_ms")
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
	levels := logging.ValidLevels()
	for i, l := range levels {
		levels[i] = strings.ToLower(l)
	}
	return levels
}

// Limits for durations. Anything below the minimum poll interval would
// spawn git faster than it can answer.
const (
	minPollIntervalMs = 100
	maxTimeoutMs      = 10 * 60 * 1000
	maxAncestorFloor  = 64
)

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateAutoLock()...)
	errors = append(errors, c.validatePoll()...)
	errors = append(errors, c.validateTimeouts()...)
	errors = append(errors, c.validateModified()...)
	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateMetrics()...)

	if c.ShutdownTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "shutdown_timeout_ms",
			Value:   c.ShutdownTimeoutMs,
			Message: "must be positive",
		})
	}

	return errors
}

// validateAutoLock checks that every pattern compiles
func (c *Config) validateAutoLock() []ValidationError {
	var errors []ValidationError

	if c.AutoLock.Enabled && len(c.AutoLock.Patterns) == 0 {
		errors = append(errors, ValidationError{
			Field:   "auto_lock.patterns",
			Value:   c.AutoLock.Patterns,
			Message: "at least one pattern is required when auto_lock is enabled",
		})
	}
	for i, p := range c.AutoLock.Patterns {
		if strings.TrimSpace(p) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("auto_lock.patterns[%d]", i),
				Value:   p,
				Message: "pattern cannot be empty",
			})
			continue
		}
		if _, err := glob.Compile(strings.ToLower(p), '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("auto_lock.patterns[%d]", i),
				Value:   p,
				Message: fmt.Sprintf("invalid glob: %v", err),
			})
		}
	}

	return errors
}

// validatePoll validates the PollConfig
func (c *Config) validatePoll() []ValidationError {
	var errors []ValidationError

	if c.Poll.IntervalMs < minPollIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "poll.interval_ms",
			Value:   c.Poll.IntervalMs,
			Message: fmt.Sprintf("must be at least %d", minPollIntervalMs),
		})
	}
	if c.Poll.BusyBackoffMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "poll.busy_backoff_ms",
			Value:   c.Poll.BusyBackoffMs,
			Message: "must be positive",
		})
	}

	return errors
}

// validateTimeouts requires every command deadline to be positive and bounded
func (c *Config) validateTimeouts() []ValidationError {
	var errors []ValidationError

	fields := []struct {
		name  string
		value int
	}{
		{"timeouts.status_ms", c.Timeouts.StatusMs},
		{"timeouts.untracked_ms", c.Timeouts.UntrackedMs},
		{"timeouts.track_ms", c.Timeouts.TrackMs},
		{"timeouts.checkout_ms", c.Timeouts.CheckoutMs},
		{"timeouts.lock_ms", c.Timeouts.LockMs},
	}
	for _, f := range fields {
		switch {
		case f.value <= 0:
			errors = append(errors, ValidationError{Field: f.name, Value: f.value, Message: "must be positive"})
		case f.value > maxTimeoutMs:
			errors = append(errors, ValidationError{
				Field:   f.name,
				Value:   f.value,
				Message: fmt.Sprintf("exceeds maximum of %d", maxTimeoutMs),
			})
		}
	}

	return errors
}

// validateModified validates the ModifiedConfig
func (c *Config) validateModified() []ValidationError {
	var errors []ValidationError

	if c.Modified.AncestorFloor < 1 || c.Modified.AncestorFloor > maxAncestorFloor {
		errors = append(errors, ValidationError{
			Field:   "modified.ancestor_floor",
			Value:   c.Modified.AncestorFloor,
			Message: fmt.Sprintf("must be between 1 and %d", maxAncestorFloor),
		})
	}

	return errors
}

// validateStore validates the StoreConfig
func (c *Config) validateStore() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidStoreBackends(), c.Store.Backend) {
		errors = append(errors, ValidationError{
			Field:   "store.backend",
			Value:   c.Store.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStoreBackends(), ", ")),
		})
	}

	if strings.ContainsRune(c.Store.Dir, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "store.dir",
			Value:   c.Store.Dir,
			Message: "path contains invalid null character",
		})
	}

	if c.Store.Backend == "redis" {
		if _, _, err := net.SplitHostPort(c.Store.RedisAddr); err != nil {
			errors = append(errors, ValidationError{
				Field:   "store.redis_addr",
				Value:   c.Store.RedisAddr,
				Message: "must be host:port",
			})
		}
	}
	if c.Store.RedisDB < 0 {
		errors = append(errors, ValidationError{
			Field:   "store.redis_db",
			Value:   c.Store.RedisDB,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}

// validateMetrics validates the MetricsConfig
func (c *Config) validateMetrics() []ValidationError {
	var errors []ValidationError

	if c.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			errors = append(errors, ValidationError{
				Field:   "metrics.addr",
				Value:   c.Metrics.Addr,
				Message: "must be host:port or :port",
			})
		}
	}

	return errors
}
