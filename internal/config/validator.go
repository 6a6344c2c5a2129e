package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider validates a boundary provider name
func (v *Validator) ValidateProvider(provider string) error {
	switch provider {
	case "openai", "anthropic":
		return nil
	}
	return fmt.Errorf("invalid provider %s (must be: openai, anthropic)", provider)
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule validates a five-field cron expression
func (v *Validator) ValidateSchedule(spec string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if cfg.Runner.MaxTurns <= 0 {
		errors = append(errors, fmt.Errorf("runner.max_turns must be > 0"))
	}
	if cfg.Runner.MaxConversationTurns < 0 {
		errors = append(errors, fmt.Errorf("runner.max_conversation_turns must be >= 0"))
	}
	if cfg.Runner.BoundaryTimeoutMs < 0 {
		errors = append(errors, fmt.Errorf("runner.boundary_timeout_ms must be >= 0"))
	}
	if cfg.Runner.ToolTimeoutMs < 0 {
		errors = append(errors, fmt.Errorf("runner.tool_timeout_ms must be >= 0"))
	}
	if cfg.Runner.StreamStallTimeoutMs < 0 {
		errors = append(errors, fmt.Errorf("runner.stream_stall_timeout_ms must be >= 0"))
	}
	if cfg.Runner.MaxParallelTools < 1 {
		errors = append(errors, fmt.Errorf("runner.max_parallel_tools must be >= 1"))
	}
	if strings.TrimSpace(cfg.Runner.RejectionMessage) == "" {
		errors = append(errors, fmt.Errorf("runner.rejection_message is required"))
	}

	if cfg.Retry.MaxAttempts < 0 {
		errors = append(errors, fmt.Errorf("retry.max_attempts must be >= 0"))
	}
	if cfg.Retry.InitialBackoffMs < 0 {
		errors = append(errors, fmt.Errorf("retry.initial_backoff_ms must be >= 0"))
	}
	if cfg.Retry.MaxBackoffMs < 0 {
		errors = append(errors, fmt.Errorf("retry.max_backoff_ms must be >= 0"))
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		errors = append(errors, fmt.Errorf("retry.jitter must be between 0 and 1"))
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerMinute <= 0 {
		errors = append(errors, fmt.Errorf("rate_limit.requests_per_minute must be > 0 when enabled"))
	}

	if err := v.ValidateProvider(cfg.Boundary.Provider); err != nil {
		errors = append(errors, fmt.Errorf("boundary: %w", err))
	}
	if cfg.Boundary.Model == "" {
		errors = append(errors, fmt.Errorf("boundary.model is required"))
	}
	if err := v.ValidateTemperature(cfg.Boundary.Temperature); err != nil {
		errors = append(errors, fmt.Errorf("boundary: %w", err))
	}
	if cfg.Boundary.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Boundary.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("boundary: %w", err))
		}
	}

	if cfg.Store.SweepSchedule != "" {
		if err := v.ValidateSchedule(cfg.Store.SweepSchedule); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errors = append(errors, fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}
	if cfg.Gateway.RequestsPerMinute < 0 || cfg.Gateway.MaxConcurrent < 0 {
		errors = append(errors, fmt.Errorf("gateway limits must not be negative"))
	}

	return errors
}
