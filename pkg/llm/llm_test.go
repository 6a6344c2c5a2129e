package llm_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/pkg/llm"
	"github.com/harun/switchboard/pkg/llm/llmtest"
	"github.com/harun/switchboard/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noJitter() llm.RetryPolicy {
	p := llm.DefaultRetryPolicy()
	p.Jitter = 0
	return p
}

func recordSleeps(p *llm.RetryPolicy) *[]time.Duration {
	var slept []time.Duration
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return &slept
}

func request() llm.Request {
	return llm.Request{Messages: []message.Message{message.User("hello")}}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		err       error
		retryable bool
	}{
		{"rate limit", 429, errors.New("too many"), true},
		{"server error", 503, errors.New("unavailable"), true},
		{"request timeout", 408, errors.New("timeout"), true},
		{"bad request", 400, errors.New("bad"), false},
		{"unauthorized", 401, errors.New("nope"), false},
		{"connection reset", 0, errors.New("read: connection reset by peer"), true},
		{"net error", 0, &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"unknown", 0, errors.New("something odd"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := llm.Classify("openai", tt.status, tt.err)
			assert.Equal(t, tt.retryable, llm.IsRetryable(err))
			assert.Equal(t, !tt.retryable, errors.Is(err, llm.ErrFatal))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("should pass context errors through", func(t *testing.T) {
		err := llm.Classify("openai", 0, fmt.Errorf("call: %w", context.Canceled))
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, llm.IsRetryable(err))
		assert.False(t, errors.Is(err, llm.ErrFatal))
	})
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := noJitter()
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(5))

	p.Jitter = 0.1
	for i := 0; i < 20; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := llm.PolicyFromConfig(config.RetryConfig{MaxAttempts: 5, InitialBackoffMs: 200, MaxBackoffMs: 1000, Multiplier: 3, Jitter: 0})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, p.Delay(0))
	assert.Equal(t, 600*time.Millisecond, p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
}

func TestWithRetry(t *testing.T) {
	transient := llm.Retryable("llmtest", 503, errors.New("unavailable"))

	t.Run("should retry retryable errors with backoff", func(t *testing.T) {
		fake := llmtest.New(llmtest.Fail(transient), llmtest.Fail(transient), llmtest.Text("ok"))
		policy := noJitter()
		slept := recordSleeps(&policy)

		resp, err := llm.WithRetry(fake, policy).Complete(context.Background(), request())
		require.NoError(t, err)

		assert.Equal(t, "ok", resp.Text)
		assert.Equal(t, 3, fake.Calls())
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
	})

	t.Run("should not retry fatal errors", func(t *testing.T) {
		fake := llmtest.New(llmtest.Fail(llm.Fatal("llmtest", 400, errors.New("bad"))), llmtest.Text("never"))
		policy := noJitter()
		slept := recordSleeps(&policy)

		_, err := llm.WithRetry(fake, policy).Complete(context.Background(), request())
		assert.ErrorIs(t, err, llm.ErrFatal)
		assert.Equal(t, 1, fake.Calls())
		assert.Empty(t, *slept)
	})

	t.Run("should give up after max attempts", func(t *testing.T) {
		fake := llmtest.New().Repeat(llmtest.Fail(transient))
		policy := noJitter()
		recordSleeps(&policy)

		_, err := llm.WithRetry(fake, policy).Complete(context.Background(), request())
		require.Error(t, err)
		assert.ErrorIs(t, err, llm.ErrFatal)
		assert.False(t, llm.IsRetryable(err))
		assert.Contains(t, err.Error(), "max retries (3) exceeded")
		assert.Equal(t, 4, fake.Calls())

		var be *llm.BoundaryError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "llmtest", be.Provider)
		assert.Equal(t, 503, be.StatusCode)
	})

	t.Run("should stop when context is cancelled during backoff", func(t *testing.T) {
		fake := llmtest.New().Repeat(llmtest.Fail(transient))
		policy := noJitter()
		ctx, cancel := context.WithCancel(context.Background())
		policy.Sleep = func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}

		_, err := llm.WithRetry(fake, policy).Complete(ctx, request())
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, fake.Calls())
	})

	t.Run("should not retry a stream after fragments were emitted", func(t *testing.T) {
		partial := llmtest.Step{Fragments: []string{"Hel"}, Err: transient}
		fake := llmtest.New(partial, llmtest.Text("Hello"))
		policy := noJitter()
		recordSleeps(&policy)

		var got []string
		_, err := llm.WithRetry(fake, policy).Stream(context.Background(), request(), func(f string) {
			got = append(got, f)
		})
		assert.ErrorIs(t, err, llm.ErrRetryable)
		assert.Equal(t, []string{"Hel"}, got)
		assert.Equal(t, 1, fake.Calls())
	})

	t.Run("should retry a stream that failed before any fragment", func(t *testing.T) {
		fake := llmtest.New(llmtest.Fail(transient), llmtest.Streamed("Hel", "lo"))
		policy := noJitter()
		recordSleeps(&policy)

		var got []string
		resp, err := llm.WithRetry(fake, policy).Stream(context.Background(), request(), func(f string) {
			got = append(got, f)
		})
		require.NoError(t, err)
		assert.Equal(t, "Hello", resp.Text)
		assert.Equal(t, []string{"Hel", "lo"}, got)
	})

	t.Run("should return client unchanged when retries are disabled", func(t *testing.T) {
		fake := llmtest.New()
		assert.Same(t, fake, llm.WithRetry(fake, llm.RetryPolicy{}))
	})
}

func TestTokenBucket(t *testing.T) {
	t.Run("should allow bursts then throttle", func(t *testing.T) {
		bucket := llm.NewTokenBucket(60, 2)
		assert.True(t, bucket.Allow())
		assert.True(t, bucket.Allow())
		assert.False(t, bucket.Allow())
	})

	t.Run("should stop waiting when context ends", func(t *testing.T) {
		bucket := llm.NewTokenBucket(1, 1)
		require.True(t, bucket.Allow())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, bucket.Wait(ctx), context.DeadlineExceeded)
	})

	t.Run("should gate client calls", func(t *testing.T) {
		fake := llmtest.New(llmtest.Text("one"))
		bucket := llm.NewTokenBucket(1, 1)
		client := llm.WithRateLimit(fake, bucket)

		_, err := client.Complete(context.Background(), request())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = client.Complete(ctx, request())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 1, fake.Calls())
	})
}

func TestPricing_Cost(t *testing.T) {
	pricing := llm.Pricing{
		"gpt-4o-mini": {InputPerMillion: 0.15, OutputPerMillion: 0.60},
		"gpt-4o":      {InputPerMillion: 2.50, OutputPerMillion: 10},
	}
	usage := llm.Usage{InputTokens: 1_000_000, OutputTokens: 500_000}

	assert.InDelta(t, 0.45, pricing.Cost("gpt-4o-mini", usage), 1e-9)
	assert.InDelta(t, 0.45, pricing.Cost("gpt-4o-mini-2024-07-18", usage), 1e-9)
	assert.InDelta(t, 7.5, pricing.Cost("gpt-4o", usage), 1e-9)
	assert.Zero(t, pricing.Cost("unknown", usage))
}

func TestParams_Merge(t *testing.T) {
	merged := llm.Params{Temperature: 0.2}.Merge(llm.Params{Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 512})
	assert.Equal(t, llm.Params{Model: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 512}, merged)
}
