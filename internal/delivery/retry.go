package delivery

import (
	"context"
	"time"

	"volunteerops/internal/config"
)

// RetryPolicy retries transient failures with a doubling delay. Each attempt
// runs under its own timeout.
type RetryPolicy struct {
	Attempts       int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
	// Sleep is replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond, AttemptTimeout: 10 * time.Second}
}

func RetryPolicyFromConfig(cfg config.DispatchConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.Attempts > 0 {
		p.Attempts = cfg.Attempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.AttemptTimeout > 0 {
		p.AttemptTimeout = cfg.AttemptTimeout
	}
	return p
}

// Do calls fn until it succeeds, fails permanently or runs out of attempts.
// It returns how many attempts were made.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	delay := p.BaseDelay
	var err error
	for i := 1; i <= attempts; i++ {
		err = p.attempt(ctx, fn)
		if err == nil {
			return i, nil
		}
		if IsPermanent(err) || i == attempts {
			return i, err
		}
		if serr := sleep(ctx, delay); serr != nil {
			return i, err
		}
		delay *= 2
	}
	return attempts, err
}

func (p RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(actx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
