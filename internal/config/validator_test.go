package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidator(t *testing.T) {
	v := NewValidator()

	t.Run("ValidateProvider", func(t *testing.T) {
		assert.NoError(t, v.ValidateProvider("openai"))
		assert.NoError(t, v.ValidateProvider("anthropic"))
		assert.Error(t, v.ValidateProvider("gemini"))
	})

	t.Run("ValidateAPIKey", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("sk-ant-abc", "anthropic"))
		assert.Error(t, v.ValidateAPIKey("sk-abc", "anthropic"))
		assert.NoError(t, v.ValidateAPIKey("sk-abc", "openai"))
		assert.Error(t, v.ValidateAPIKey("", "openai"))
	})

	t.Run("ValidateTemperature", func(t *testing.T) {
		assert.NoError(t, v.ValidateTemperature(0))
		assert.NoError(t, v.ValidateTemperature(1.5))
		assert.Error(t, v.ValidateTemperature(-0.1))
		assert.Error(t, v.ValidateTemperature(2.1))
	})

	t.Run("ValidateMaxTokens", func(t *testing.T) {
		assert.NoError(t, v.ValidateMaxTokens(1024))
		assert.Error(t, v.ValidateMaxTokens(0))
		assert.Error(t, v.ValidateMaxTokens(300000))
	})

	t.Run("ValidateLogLevel", func(t *testing.T) {
		assert.NoError(t, v.ValidateLogLevel("debug"))
		assert.Error(t, v.ValidateLogLevel("verbose"))
	})

	t.Run("ValidateSchedule", func(t *testing.T) {
		assert.NoError(t, v.ValidateSchedule("*/5 * * * *"))
		assert.NoError(t, v.ValidateSchedule("@hourly"))
		assert.Error(t, v.ValidateSchedule("every five minutes"))
	})
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	assert.Empty(t, v.ValidateConfig(DefaultConfig()))

	cfg := DefaultConfig()
	cfg.Store.SweepSchedule = "bogus"
	cfg.Retry.Jitter = 2
	errs := v.ValidateConfig(cfg)
	assert.Len(t, errs, 2)
}
