package llm

import (
	"context"
	"sync"
	"time"
)

// TokenBucket limits request rate. Tokens refill continuously at
// rate per second up to burst.
type TokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

// NewTokenBucket allows requestsPerMinute on average with bursts of burst
func NewTokenBucket(requestsPerMinute, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		rate:   float64(requestsPerMinute) / 60,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
		now:    time.Now,
	}
}

// reserve takes a token if one is available, otherwise returns how long to wait
func (b *TokenBucket) reserve() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	if b.rate <= 0 {
		return time.Minute
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// Allow takes a token without waiting
func (b *TokenBucket) Allow() bool {
	return b.reserve() == 0
}

// Wait blocks until a token is available or ctx ends
func (b *TokenBucket) Wait(ctx context.Context) error {
	for {
		wait := b.reserve()
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type rateLimitedClient struct {
	Client
	bucket *TokenBucket
}

// WithRateLimit makes every call wait for a token from bucket
func WithRateLimit(client Client, bucket *TokenBucket) Client {
	if bucket == nil {
		return client
	}
	return &rateLimitedClient{Client: client, bucket: bucket}
}

func (c *rateLimitedClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := c.bucket.Wait(ctx); err != nil {
		return nil, err
	}
	return c.Client.Complete(ctx, req)
}

func (c *rateLimitedClient) Stream(ctx context.Context, req Request, onFragment FragmentHandler) (*Response, error) {
	if err := c.bucket.Wait(ctx); err != nil {
		return nil, err
	}
	return c.Client.Stream(ctx, req, onFragment)
}
