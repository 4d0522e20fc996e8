package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// maxExponentialDelay caps the exponential strategy.
const maxExponentialDelay = 30 * time.Second

// RetryPolicy decides whether a failed fetch is attempted again and how long to wait.
// attempt is the number of attempts already made, starting at 1.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
	MaxAttempts() int
}

// FixedRetryPolicy retries a bounded number of times with a constant sleep.
type FixedRetryPolicy struct {
	retries int
	sleep   time.Duration
}

// NewFixedRetryPolicy allows retries additional attempts after the first.
func NewFixedRetryPolicy(retries int, sleep time.Duration) *FixedRetryPolicy {
	if retries < 0 {
		retries = 0
	}
	return &FixedRetryPolicy{retries: retries, sleep: sleep}
}

// ShouldRetry decides whether the error is retryable.
func (p *FixedRetryPolicy) ShouldRetry(err error, attempt int) bool {
	return retryable(err) && attempt <= p.retries
}

// Backoff returns the constant sleep.
func (p *FixedRetryPolicy) Backoff(int) time.Duration {
	return p.sleep
}

// MaxAttempts returns the initial attempt plus retries.
func (p *FixedRetryPolicy) MaxAttempts() int {
	return p.retries + 1
}

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
type ExponentialRetryPolicy struct {
	retries   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialRetryPolicy doubles baseDelay per attempt up to a 30s cap.
func NewExponentialRetryPolicy(retries int, baseDelay time.Duration) *ExponentialRetryPolicy {
	if retries < 0 {
		retries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	return &ExponentialRetryPolicy{
		retries:   retries,
		baseDelay: baseDelay,
		maxDelay:  maxExponentialDelay,
	}
}

// ShouldRetry decides whether the error is retryable.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	return retryable(err) && attempt <= p.retries
}

// MaxAttempts returns the initial attempt plus retries.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.retries + 1
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// A per-attempt timeout surfaces as DeadlineExceeded and stays retryable;
// cancellation of the run does not.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
}
