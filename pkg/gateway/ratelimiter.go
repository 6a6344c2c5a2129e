package gateway

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimited is returned when a client exceeds its requests per minute
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTooManyConcurrent is returned when a client has too many requests in flight
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
)

const (
	defaultRequestsPerMinute = 60
	defaultMaxConcurrent     = 10
)

// ClientLimiter applies a sliding one-minute window and an in-flight cap to
// one client
type ClientLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	inFlight          int
	now               func() time.Time
}

// NewClientLimiter creates a limiter. Non-positive limits use 60 requests
// per minute and 10 concurrent requests.
func NewClientLimiter(requestsPerMinute, maxConcurrent int) *ClientLimiter {
	l := &ClientLimiter{now: time.Now}
	l.SetLimits(requestsPerMinute, maxConcurrent)
	return l
}

// SetLimits replaces the limits; requests already counted are kept
func (l *ClientLimiter) SetLimits(requestsPerMinute, maxConcurrent int) {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.requestsPerMinute = requestsPerMinute
	l.maxConcurrent = maxConcurrent
}

// Acquire admits one request. Every successful Acquire must be paired with
// Release.
func (l *ClientLimiter) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight >= l.maxConcurrent {
		return ErrTooManyConcurrent
	}

	now := l.now()
	l.prune(now)
	if len(l.requests) >= l.requestsPerMinute {
		return ErrRateLimited
	}

	l.requests = append(l.requests, now)
	l.inFlight++
	return nil
}

// Release marks a request finished
func (l *ClientLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight > 0 {
		l.inFlight--
	}
}

// Stats returns requests in the current window and requests in flight
func (l *ClientLimiter) Stats() (requests, inFlight int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.requests), l.inFlight
}

func (l *ClientLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := l.requests[:0]
	for _, t := range l.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.requests = kept
}
