package upstream

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffStrategy decides how long to wait between dial attempts.
type BackoffStrategy interface {
	// NextDelay returns the wait before the given retry (1-based). Zero for attempt <= 0.
	NextDelay(attempt int) time.Duration
	// MaxAttempts is the total number of dial attempts, including the first.
	MaxAttempts() int
}

// ExponentialBackoff grows the delay by a constant factor per attempt.
type ExponentialBackoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
	jitter       float64
	maxAttempts  int

	mu           sync.Mutex
	randomSource *rand.Rand
}

// NewExponentialBackoff creates a new exponential backoff strategy
func NewExponentialBackoff(initialDelay, maxDelay time.Duration, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		factor:       2.0,
		jitter:       0.2,
		maxAttempts:  maxAttempts,
		randomSource: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithFactor sets the exponential factor (default 2.0)
func (b *ExponentialBackoff) WithFactor(factor float64) *ExponentialBackoff {
	b.factor = factor
	return b
}

// WithJitter sets the jitter factor to randomize delays (default 0.2 - 20%)
func (b *ExponentialBackoff) WithJitter(jitter float64) *ExponentialBackoff {
	b.jitter = jitter
	return b
}

// NextDelay implements BackoffStrategy.NextDelay
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(b.initialDelay) * math.Pow(b.factor, float64(attempt-1))

	if b.jitter > 0 {
		// Spread the delay by +/- jitter/2.
		b.mu.Lock()
		r := b.randomSource.Float64()
		b.mu.Unlock()
		delay += (r - 0.5) * delay * b.jitter
	}

	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}
	return time.Duration(delay)
}

// MaxAttempts implements BackoffStrategy.MaxAttempts
func (b *ExponentialBackoff) MaxAttempts() int {
	return b.maxAttempts
}

// NoBackoff retries immediately.
type NoBackoff struct {
	maxAttempts int
}

// NewNoBackoff creates a new no-backoff strategy
func NewNoBackoff(maxAttempts int) *NoBackoff {
	return &NoBackoff{maxAttempts: maxAttempts}
}

// NextDelay implements BackoffStrategy.NextDelay
func (b *NoBackoff) NextDelay(int) time.Duration {
	return 0
}

// MaxAttempts implements BackoffStrategy.MaxAttempts
func (b *NoBackoff) MaxAttempts() int {
	return b.maxAttempts
}
