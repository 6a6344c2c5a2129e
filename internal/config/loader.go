package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file, then environment.
// A missing file yields the defaults overlaid with environment values.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix("SWITCHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, DefaultConfig())

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType(configType(configPath))
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".switchboard")
	}

	if cfg.Store.ArchivePath == "" {
		cfg.Store.ArchivePath = filepath.Join(cfg.DataDir, "conversations.db")
	}

	if cfg.Boundary.APIKey == "" {
		cfg.Boundary.APIKey = providerKeyFromEnv(cfg.Boundary.Provider)
	}

	return cfg, nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".switchboard", "switchboard.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// bindDefaults registers every leaf key so AutomaticEnv can override keys
// that are absent from the config file.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("runner.max_turns", cfg.Runner.MaxTurns)
	v.SetDefault("runner.max_conversation_turns", cfg.Runner.MaxConversationTurns)
	v.SetDefault("runner.boundary_timeout_ms", cfg.Runner.BoundaryTimeoutMs)
	v.SetDefault("runner.tool_timeout_ms", cfg.Runner.ToolTimeoutMs)
	v.SetDefault("runner.max_parallel_tools", cfg.Runner.MaxParallelTools)
	v.SetDefault("runner.max_tool_output_bytes", cfg.Runner.MaxToolOutputBytes)
	v.SetDefault("runner.queue_warn_after_ms", cfg.Runner.QueueWarnAfterMs)
	v.SetDefault("runner.stream_stall_timeout_ms", cfg.Runner.StreamStallTimeoutMs)
	v.SetDefault("runner.rejection_message", cfg.Runner.RejectionMessage)
	v.SetDefault("runner.degraded_message", cfg.Runner.DegradedMessage)
	v.SetDefault("retry.max_attempts", cfg.Retry.MaxAttempts)
	v.SetDefault("retry.initial_backoff_ms", cfg.Retry.InitialBackoffMs)
	v.SetDefault("retry.max_backoff_ms", cfg.Retry.MaxBackoffMs)
	v.SetDefault("retry.multiplier", cfg.Retry.Multiplier)
	v.SetDefault("retry.jitter", cfg.Retry.Jitter)
	v.SetDefault("rate_limit.enabled", cfg.RateLimit.Enabled)
	v.SetDefault("rate_limit.requests_per_minute", cfg.RateLimit.RequestsPerMinute)
	v.SetDefault("rate_limit.burst", cfg.RateLimit.Burst)
	v.SetDefault("boundary.provider", cfg.Boundary.Provider)
	v.SetDefault("boundary.api_key", cfg.Boundary.APIKey)
	v.SetDefault("boundary.base_url", cfg.Boundary.BaseURL)
	v.SetDefault("boundary.model", cfg.Boundary.Model)
	v.SetDefault("boundary.max_tokens", cfg.Boundary.MaxTokens)
	v.SetDefault("boundary.temperature", cfg.Boundary.Temperature)
	v.SetDefault("agents.file", cfg.Agents.File)
	v.SetDefault("agents.entry", cfg.Agents.Entry)
	v.SetDefault("agents.watch", cfg.Agents.Watch)
	v.SetDefault("store.archive_path", cfg.Store.ArchivePath)
	v.SetDefault("store.idle_timeout_mins", cfg.Store.IdleTimeoutMins)
	v.SetDefault("store.sweep_schedule", cfg.Store.SweepSchedule)
	v.SetDefault("moderation.enabled", cfg.Moderation.Enabled)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.shared_secret", cfg.Gateway.SharedSecret)
	v.SetDefault("gateway.requests_per_minute", cfg.Gateway.RequestsPerMinute)
	v.SetDefault("gateway.max_concurrent", cfg.Gateway.MaxConcurrent)
	v.SetDefault("gateway.tick_interval_secs", cfg.Gateway.TickIntervalSecs)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("data_dir", cfg.DataDir)
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func providerKeyFromEnv(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}
