package llm

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"quantumai/pkg/metrics"
)

// RetryPolicy bounds retries of the non-streaming modes. The wait after
// failed attempt n is clamp(Multiplier * 2^n, MinWait, MaxWait), so the
// default policy waits 4s, 4s, 8s, 10s...
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first (default: 3)
	Multiplier  time.Duration // default: 1s
	MinWait     time.Duration // floor (default: 4s)
	MaxWait     time.Duration // ceiling (default: 10s)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Multiplier:  time.Second,
		MinWait:     4 * time.Second,
		MaxWait:     10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	if p.MinWait <= 0 {
		p.MinWait = def.MinWait
	}
	if p.MaxWait <= 0 {
		p.MaxWait = def.MaxWait
	}
	if p.MaxWait < p.MinWait {
		p.MaxWait = p.MinWait
	}
	return p
}

// Wait returns the backoff after the given failed 1-based attempt.
func (p RetryPolicy) Wait(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Cap the exponent to prevent overflow
	const maxExponent = 30
	exp := attempt
	if exp > maxExponent {
		exp = maxExponent
	}

	raw := float64(p.Multiplier) * math.Pow(2, float64(exp))
	if raw >= float64(p.MaxWait) {
		return p.MaxWait
	}
	wait := time.Duration(raw)
	if wait < p.MinWait {
		wait = p.MinWait
	}
	if wait > p.MaxWait {
		wait = p.MaxWait
	}
	return wait
}

// doWithRetry runs call up to MaxAttempts times.
// - Retries only on RateLimitError and ServiceUnavailableError.
// - Any other error kind is returned immediately.
// - After the last attempt the last classified error is returned unchanged.
// - A done ctx stops retrying and returns the last error.
func (c *client) doWithRetry(
	ctx context.Context,
	mode mode,
	call func(ctx context.Context) (*ChatCompletionResponse, error),
) (*ChatCompletionResponse, error) {
	policy := c.cfg.Retry
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		start := time.Now()
		resp, err := call(ctx)

		c.logger.Debug("llm upstream attempt",
			zap.Stringer("mode", mode),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsTransient(err) {
			c.logger.Debug("non-retryable error", zap.Error(err))
			return nil, err
		}

		// No more attempts left
		if attempt == policy.MaxAttempts {
			break
		}

		// Caller gave up; don't start another attempt.
		if ctx.Err() != nil {
			return nil, err
		}

		wait := policy.Wait(attempt)
		metrics.ClientRetriesTotal.WithLabelValues(KindOf(err).String()).Inc()
		c.logger.Debug("backing off before retry",
			zap.Duration("backoff", wait),
			zap.Int("next_attempt", attempt+1),
			zap.Error(err),
		)

		if serr := c.sleep(ctx, wait); serr != nil {
			return nil, lastErr
		}
	}

	c.logger.Warn("llm request exhausted all retries",
		zap.Int("attempts", policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return nil, lastErr
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
