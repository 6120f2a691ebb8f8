package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/yajmaan/sevaflow/internal/client"
)

// RetryPolicy bounds the attempts made within a single stage
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	// Jitter spreads each delay by up to this fraction either way. Zero disables it.
	Jitter float64
}

// DefaultRetryPolicy is three attempts starting at half a second
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.2}
}

// Backoff returns the delay after the given failed attempt (1-based)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxBackoff := p.Max
	if maxBackoff <= 0 {
		maxBackoff = 10 * time.Second
	}

	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 10 {
		shift = 10
	}
	backoff := base * time.Duration(1<<shift)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	if p.Jitter > 0 {
		spread := (rand.Float64()*2 - 1) * p.Jitter
		backoff = time.Duration(float64(backoff) * (1 + spread))
	}
	return backoff
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// retry runs op until it succeeds, fails with a non-retryable error, or the
// attempts run out. Waiting between attempts stops early when stop is done.
// It returns how many attempts were made.
func retry(stop context.Context, p RetryPolicy, op func(attempt int) error) (int, error) {
	maxAttempts := p.attempts()
	for attempt := 1; ; attempt++ {
		err := op(attempt)
		if err == nil {
			return attempt, nil
		}
		if !client.IsRetryable(err) || attempt >= maxAttempts {
			return attempt, err
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-stop.Done():
			timer.Stop()
			return attempt, fmt.Errorf("%w: retry abandoned after %d attempts: %v", stop.Err(), attempt, err)
		case <-timer.C:
		}
	}
}
