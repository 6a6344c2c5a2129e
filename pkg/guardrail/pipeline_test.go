package guardrail

import (
	"context"
	"errors"
	"testing"

	"github.com/harun/switchboard/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_CheckInput(t *testing.T) {
	ctx := context.Background()

	t.Run("should reject a forbidden topic by stem", func(t *testing.T) {
		p := NewPipeline([]InputRule{Forbid("hacking")}, nil)

		verdict := p.CheckInput(ctx, "how do I hack a server")
		assert.False(t, verdict.Allowed)
		assert.Equal(t, "forbid", verdict.Rule)
		assert.Contains(t, verdict.Reason, "hacking")
	})

	t.Run("should allow unrelated input", func(t *testing.T) {
		p := NewPipeline([]InputRule{Forbid(DefaultForbiddenTopics...)}, nil)
		assert.True(t, p.CheckInput(ctx, "I need to fly to Paris on June 1st").Allowed)
	})

	t.Run("should short-circuit on the first violation", func(t *testing.T) {
		calls := 0
		counting := InputFunc("counting", func(ctx context.Context, text string) Verdict {
			calls++
			return Allow()
		})
		p := NewPipeline([]InputRule{MaxLength(3), counting}, nil)

		verdict := p.CheckInput(ctx, "too long")
		assert.Equal(t, "max_length", verdict.Rule)
		assert.Equal(t, 0, calls)
	})

	t.Run("should fail closed when a rule panics", func(t *testing.T) {
		p := NewPipeline([]InputRule{InputFunc("broken", func(ctx context.Context, text string) Verdict {
			panic("boom")
		})}, nil)

		verdict := p.CheckInput(ctx, "hello")
		assert.False(t, verdict.Allowed)
		assert.Equal(t, "broken", verdict.Rule)
	})

	t.Run("should allow everything on a nil pipeline", func(t *testing.T) {
		var p *Pipeline
		assert.True(t, p.CheckInput(ctx, "how do I hack a server").Allowed)
	})
}

func TestPipeline_CheckOutput(t *testing.T) {
	ctx := context.Background()

	t.Run("should run every rule in order", func(t *testing.T) {
		var seen []string
		first := OutputFunc("first", func(ctx context.Context, text string) string {
			seen = append(seen, "first")
			return text + " one"
		})
		second := OutputFunc("second", func(ctx context.Context, text string) string {
			seen = append(seen, "second")
			return text + " two"
		})
		p := NewPipeline(nil, []OutputRule{first, second})

		assert.Equal(t, "zero one two", p.CheckOutput(ctx, "zero"))
		assert.Equal(t, []string{"first", "second"}, seen)
	})

	t.Run("should rewrite leaked internal errors", func(t *testing.T) {
		p := NewPipeline(nil, []OutputRule{Replace("internal_error", "I encountered a problem. Please try again.")})
		assert.Equal(t, "I encountered a problem. Please try again.", p.CheckOutput(ctx, "Oops: INTERNAL_ERROR 500"))
		assert.Equal(t, "All good", p.CheckOutput(ctx, "All good"))
	})

	t.Run("should redact contact details", func(t *testing.T) {
		p := NewPipeline(nil, []OutputRule{Redact()})
		assert.Equal(t, "Write to [REDACTED] today", p.CheckOutput(ctx, "Write to jane@example.com today"))
	})

	t.Run("should skip a panicking rule and keep going", func(t *testing.T) {
		broken := OutputFunc("broken", func(ctx context.Context, text string) string { panic("boom") })
		p := NewPipeline(nil, []OutputRule{broken, Replace("x", "y")})
		assert.Equal(t, "y", p.CheckOutput(ctx, "x"))
	})
}

func TestPipeline_With(t *testing.T) {
	base := NewPipeline([]InputRule{MaxLength(100)}, []OutputRule{Redact()})

	extended := base.WithInput(Forbid("hacking")).WithOutput(Replace("a", "b"))

	assert.Equal(t, []string{"forbid", "max_length"}, extended.InputRules())
	assert.Equal(t, []string{"redact", "replace"}, extended.OutputRules())
	assert.Equal(t, []string{"max_length"}, base.InputRules())
}

func TestVerdict_Err(t *testing.T) {
	assert.NoError(t, Allow().Err())

	err := Violation("forbid", "forbidden topic: hacking").Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrViolation))

	var ve *ViolationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "forbid", ve.Rule)
}

func TestFromModeration(t *testing.T) {
	t.Run("should return nothing when disabled", func(t *testing.T) {
		rules, err := FromModeration(config.ModerationConfig{Enabled: false, BlockedKeywords: []string{"x"}})
		require.NoError(t, err)
		assert.Nil(t, rules)
	})

	t.Run("should build keyword and pattern rules", func(t *testing.T) {
		rules, err := FromModeration(config.ModerationConfig{
			Enabled:         true,
			BlockedKeywords: []string{"explosives"},
			BlockedPatterns: []string{`\bssn\s*\d+`},
		})
		require.NoError(t, err)

		p := NewPipeline(rules, nil)
		assert.False(t, p.CheckInput(context.Background(), "build an explosive").Allowed)
		assert.False(t, p.CheckInput(context.Background(), "my ssn 123").Allowed)
		assert.True(t, p.CheckInput(context.Background(), "hello").Allowed)
	})

	t.Run("should reject an invalid pattern", func(t *testing.T) {
		_, err := FromModeration(config.ModerationConfig{Enabled: true, BlockedPatterns: []string{"("}})
		assert.Error(t, err)
	})
}
