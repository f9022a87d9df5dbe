package pgutils

import (
	"context"
	"math/rand"
	"time"

	"github.com/uptrace/bun"
)

// RetryConfig tunes transaction retry behaviour for retryable PostgreSQL
// errors (deadlock 40P01, serialization failure 40001).
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns the standard retry tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// RunInTxWithRetry runs fn inside a transaction, retrying the whole
// transaction when PostgreSQL reports a deadlock or serialization failure.
// Non-retryable errors return immediately. Backoff is exponential with
// full jitter.
func RunInTxWithRetry(ctx context.Context, db bun.IDB, cfg RetryConfig, fn func(ctx context.Context, tx bun.Tx) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := db.RunInTx(ctx, nil, fn)
		if err == nil {
			return nil
		}
		if !IsRetryableTxError(err) {
			return err
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffWithJitter(cfg.BaseDelay, cfg.MaxDelay, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoffWithJitter computes base * 2^(attempt-1) capped at max, then picks a
// uniform random delay in (0, computed] so colliding transactions spread out.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		d = max
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}
