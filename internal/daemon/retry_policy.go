package daemon

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/msageha/taskdir/internal/model"
)

// RetryDelay returns how long a task that just failed attempt n (1-based)
// stays parked before it becomes eligible again.
func RetryDelay(cfg model.RetryConfig, attempt int) time.Duration {
	base := cfg.Delay()
	if cfg.Policy != model.RetryPolicyExponential || attempt <= 1 {
		return base
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = cfg.MaxDelay()
	b.MaxElapsedTime = 0
	b.Reset()

	d := base
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
