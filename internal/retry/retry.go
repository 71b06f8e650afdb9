// Package retry provides exponential-backoff retry helpers reused by
// gossipd's anti-entropy sync rounds and infernode's cell forwarding.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/terraingossip/terraingossip/internal/tgerr"
)

// Policy configures exponential backoff with jitter.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// Default returns a policy suited to network peer operations: 3 retries,
// 1s initial delay, capped at 30s, doubling each attempt with 10% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Func is a function that can be retried.
type Func func() error

// Do executes fn, retrying on errors marked retryable in tgerr until
// policy.MaxAttempts is exhausted or ctx is cancelled.
func Do(ctx context.Context, policy Policy, fn Func) error {
	var lastErr error
	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !tgerr.IsRetryable(err) {
			return err
		}
		if attempt >= policy.MaxAttempts {
			return fmt.Errorf("max retry attempts (%d) exceeded: %w", policy.MaxAttempts, err)
		}

		delay := policy.delay(attempt)
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		jitter := d * p.Jitter
		d += (rand.Float64()*2 - 1) * jitter
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}
