package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/rs/zerolog/log"
)

// RetryPolicy is bounded exponential backoff with jitter
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	// Jitter is the +/- fraction applied to each delay
	Jitter float64

	// Sleep waits d or until ctx ends; nil uses a timer
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy waits 1s, 2s, 4s between four attempts
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Initial:     time.Second,
		Max:         8 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

// PolicyFromConfig builds a policy from retry settings
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts >= 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoffMs > 0 {
		p.Initial = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoffMs > 0 {
		p.Max = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	}
	if cfg.Multiplier >= 1 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter >= 0 && cfg.Jitter < 1 {
		p.Jitter = cfg.Jitter
	}
	return p
}

// Delay returns the wait before retry number attempt (0-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type retryClient struct {
	Client
	policy RetryPolicy
}

// WithRetry retries calls that fail with ErrRetryable. MaxAttempts counts
// retries after the first call. Streams are only retried when no fragment
// reached the handler yet.
func WithRetry(client Client, policy RetryPolicy) Client {
	if policy.MaxAttempts <= 0 {
		return client
	}
	return &retryClient{Client: client, policy: policy}
}

func (c *retryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	return c.do(ctx, func() bool { return true }, func() (*Response, error) {
		return c.Client.Complete(ctx, req)
	})
}

func (c *retryClient) Stream(ctx context.Context, req Request, onFragment FragmentHandler) (*Response, error) {
	emitted := false
	relay := func(fragment string) {
		emitted = true
		if onFragment != nil {
			onFragment(fragment)
		}
	}
	return c.do(ctx, func() bool { return !emitted }, func() (*Response, error) {
		return c.Client.Stream(ctx, req, relay)
	})
}

func (c *retryClient) do(ctx context.Context, canRetry func() bool, call func() (*Response, error)) (*Response, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := call()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryable(err) || !canRetry() || ctx.Err() != nil {
			return nil, err
		}
		if attempt >= c.policy.MaxAttempts {
			break
		}

		delay := c.policy.Delay(attempt)
		logger.Info().
			Str("provider", c.Provider()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")
		observability.RecordBoundaryRetry(c.Provider())

		if err := c.policy.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, exhausted(c.Provider(), c.policy.MaxAttempts, lastErr)
}

// exhausted turns the last retryable failure into a fatal one so callers
// above the retry layer do not try again
func exhausted(provider string, attempts int, lastErr error) error {
	status := 0
	cause := lastErr
	var be *BoundaryError
	if errors.As(lastErr, &be) {
		provider = be.Provider
		status = be.StatusCode
		cause = be.Err
	}
	return &BoundaryError{
		Provider:   provider,
		StatusCode: status,
		Kind:       ErrFatal,
		Err:        fmt.Errorf("max retries (%d) exceeded: %w", attempts, cause),
	}
}
