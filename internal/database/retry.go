package database

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryPolicy bounds how often a storage operation is attempted
type RetryPolicy struct {
	Attempts        uint          `yaml:"attempts" env:"ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
}

// DefaultRetryPolicy returns three attempts starting at 200ms and doubling
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:        3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// ApplyDefaults fills in zero values
func (p *RetryPolicy) ApplyDefaults() {
	d := DefaultRetryPolicy()
	if p.Attempts == 0 {
		p.Attempts = d.Attempts
	}
	if p.InitialInterval == 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval == 0 {
		p.MaxInterval = d.MaxInterval
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	return b
}

// Retry runs op until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, logger *zap.Logger, op func(ctx context.Context) error) error {
	policy.ApplyDefaults()

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(policy.Attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("storage operation failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}
