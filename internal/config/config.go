package config

import (
	"encoding/json"
	"errors"
	"time"
)

// Config represents the main switchboard configuration
type Config struct {
	// Runner controls the turn loop
	Runner RunnerConfig `json:"runner" mapstructure:"runner"`

	// Retry applies to retryable boundary errors only
	Retry RetryConfig `json:"retry" mapstructure:"retry"`

	// RateLimit throttles boundary requests
	RateLimit RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`

	// Boundary selects the model provider
	Boundary BoundaryConfig `json:"boundary" mapstructure:"boundary"`

	// Agents locates the agent catalog
	Agents AgentsConfig `json:"agents" mapstructure:"agents"`

	// Store configures conversation archival
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Moderation adds process-wide input rules to every agent
	Moderation ModerationConfig `json:"moderation" mapstructure:"moderation"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Tracing configuration
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// RunnerConfig holds turn loop limits and canned responses
type RunnerConfig struct {
	MaxTurns             int    `json:"max_turns" mapstructure:"max_turns"`
	MaxConversationTurns int    `json:"max_conversation_turns" mapstructure:"max_conversation_turns"`
	BoundaryTimeoutMs    int    `json:"boundary_timeout_ms" mapstructure:"boundary_timeout_ms"`
	ToolTimeoutMs        int    `json:"tool_timeout_ms" mapstructure:"tool_timeout_ms"`
	MaxParallelTools     int    `json:"max_parallel_tools" mapstructure:"max_parallel_tools"`
	MaxToolOutputBytes   int    `json:"max_tool_output_bytes" mapstructure:"max_tool_output_bytes"`
	QueueWarnAfterMs     int    `json:"queue_warn_after_ms" mapstructure:"queue_warn_after_ms"`
	// StreamStallTimeoutMs aborts a streamed turn whose reader stopped receiving
	StreamStallTimeoutMs int    `json:"stream_stall_timeout_ms" mapstructure:"stream_stall_timeout_ms"`
	RejectionMessage     string `json:"rejection_message" mapstructure:"rejection_message"`
	DegradedMessage      string `json:"degraded_message" mapstructure:"degraded_message"`
}

// BoundaryTimeout returns the per-call boundary timeout
func (r RunnerConfig) BoundaryTimeout() time.Duration {
	return time.Duration(r.BoundaryTimeoutMs) * time.Millisecond
}

// ToolTimeout returns the per-call tool timeout
func (r RunnerConfig) ToolTimeout() time.Duration {
	return time.Duration(r.ToolTimeoutMs) * time.Millisecond
}

// StreamStallTimeout returns how long a stream event may wait for a reader
func (r RunnerConfig) StreamStallTimeout() time.Duration {
	return time.Duration(r.StreamStallTimeoutMs) * time.Millisecond
}

// RetryConfig holds bounded exponential backoff settings
type RetryConfig struct {
	MaxAttempts      int     `json:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `json:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `json:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `json:"multiplier" mapstructure:"multiplier"`
	Jitter           float64 `json:"jitter" mapstructure:"jitter"`
}

// RateLimitConfig holds token bucket settings for boundary requests
type RateLimitConfig struct {
	Enabled           bool `json:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int  `json:"burst" mapstructure:"burst"`
}

// BoundaryConfig holds model provider settings
type BoundaryConfig struct {
	Provider    string                `json:"provider" mapstructure:"provider"` // openai, anthropic
	APIKey      string                `json:"api_key" mapstructure:"api_key"`
	BaseURL     string                `json:"base_url" mapstructure:"base_url"`
	Model       string                `json:"model" mapstructure:"model"`
	MaxTokens   int                   `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64               `json:"temperature" mapstructure:"temperature"`
	Pricing     map[string]PriceEntry `json:"pricing" mapstructure:"pricing"`
}

// PriceEntry is the USD price per million tokens of one model
type PriceEntry struct {
	InputPerMillion  float64 `json:"input_per_million" mapstructure:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million" mapstructure:"output_per_million"`
}

// AgentsConfig locates the agent catalog
type AgentsConfig struct {
	File  string `json:"file" mapstructure:"file"`
	Entry string `json:"entry" mapstructure:"entry"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// StoreConfig configures conversation archival
type StoreConfig struct {
	ArchivePath     string `json:"archive_path" mapstructure:"archive_path"`
	IdleTimeoutMins int    `json:"idle_timeout_mins" mapstructure:"idle_timeout_mins"`
	SweepSchedule   string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// IdleTimeout returns how long a conversation may sit unused before archival
func (s StoreConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMins) * time.Minute
}

// ModerationConfig holds process-wide input filtering
type ModerationConfig struct {
	Enabled         bool     `json:"enabled" mapstructure:"enabled"`
	BlockedKeywords []string `json:"blocked_keywords" mapstructure:"blocked_keywords"`
	BlockedPatterns []string `json:"blocked_patterns" mapstructure:"blocked_patterns"`
	MaxInputLength  int      `json:"max_input_length" mapstructure:"max_input_length"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port              int    `json:"port" mapstructure:"port"`
	Host              string `json:"host" mapstructure:"host"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
	TickIntervalSecs  int    `json:"tick_interval_secs" mapstructure:"tick_interval_secs"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Runner: RunnerConfig{
			MaxTurns:             10,
			BoundaryTimeoutMs:    60000,
			ToolTimeoutMs:        30000,
			MaxParallelTools:     4,
			MaxToolOutputBytes:   10 * 1024,
			QueueWarnAfterMs:     2000,
			StreamStallTimeoutMs: 30000,
			RejectionMessage:     "I cannot discuss that topic.",
			DegradedMessage:      "I could not finish this request. Please try again with a simpler question.",
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			InitialBackoffMs: 1000,
			MaxBackoffMs:     8000,
			Multiplier:       2,
			Jitter:           0.1,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Boundary: BoundaryConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.7,
			Pricing: map[string]PriceEntry{
				"gpt-4o":            {InputPerMillion: 2.5, OutputPerMillion: 10},
				"gpt-4o-mini":       {InputPerMillion: 0.15, OutputPerMillion: 0.6},
				"claude-3-5-sonnet": {InputPerMillion: 3, OutputPerMillion: 15},
				"claude-3-5-haiku":  {InputPerMillion: 0.8, OutputPerMillion: 4},
			},
		},
		Agents: AgentsConfig{
			Entry: "Triage",
		},
		Store: StoreConfig{
			IdleTimeoutMins: 60,
			SweepSchedule:   "*/5 * * * *",
		},
		Moderation: ModerationConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port:              8080,
			Host:              "127.0.0.1",
			RequestsPerMinute: 60,
			MaxConcurrent:     10,
			TickIntervalSecs:  30,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "switchboard",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
