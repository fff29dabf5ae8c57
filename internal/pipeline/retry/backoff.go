package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultMaxAttempts    = 5
	defaultBackoffInitial = 500 * time.Millisecond
	defaultBackoffMax     = 30 * time.Second
)

// Policy bounds how long Do keeps retrying a transient failure. The zero
// value retries 5 times with 500ms initial backoff doubling up to 30s.
type Policy struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// SleepFn is swapped out in tests; nil means a ctx-aware time.Sleep.
	SleepFn func(ctx context.Context, d time.Duration) error
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = defaultBackoffInitial
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = defaultBackoffMax
	}
	if p.SleepFn == nil {
		p.SleepFn = sleepCtx
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails terminally, or the attempt budget is
// exhausted. Terminal errors are returned immediately without further
// attempts; exhaustion returns the last error wrapped with the attempt count
// so a permanently broken collaborator surfaces instead of wedging its task.
func Do(ctx context.Context, logger *slog.Logger, policy Policy, op string, fn func(ctx context.Context) error) error {
	p := policy.withDefaults()

	backoff := p.BackoffInitial
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		decision := Classify(lastErr)
		if !decision.IsTransient() {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		logger.Warn("transient failure, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"backoff", backoff.String(),
			"reason", decision.Reason,
			"error", lastErr,
		)
		if err := p.SleepFn(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > p.BackoffMax {
			backoff = p.BackoffMax
		}
	}

	return fmt.Errorf("%s: giving up after %d attempts: %w", op, p.MaxAttempts, lastErr)
}
