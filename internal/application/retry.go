package application

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/approval-gate/internal/domain"
)

type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      uint64
}

func DefaultNotifyRetry() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
		MaxRetries:      5,
	}
}

func DefaultStoreRetry() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsedTime:  5 * time.Second,
		MaxRetries:      5,
	}
}

// withDefaults fills every unset field from def, so a partially configured
// policy still gives up eventually.
func (p RetryPolicy) withDefaults(def RetryPolicy) RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxElapsedTime <= 0 {
		p.MaxElapsedTime = def.MaxElapsedTime
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = def.MaxRetries
	}
	return p
}

// Bounded reports whether the policy stops on its own.
func (p RetryPolicy) Bounded() bool { return p.MaxElapsedTime > 0 || p.MaxRetries > 0 }

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	if !p.Bounded() {
		p = p.withDefaults(DefaultStoreRetry())
	}

	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}
	bo.MaxElapsedTime = p.MaxElapsedTime

	var b backoff.BackOff = bo
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// retry runs op until it succeeds, returns a permanent error or the policy
// gives up. It reports how many attempts were made.
func (p RetryPolicy) retry(ctx context.Context, op func() error) (int, error) {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return op()
	}, p.backOff(ctx))
	return attempts, err
}

// retryStore retries transient storage failures only; domain outcomes such as
// conflicts or missing tokens are final.
func (p RetryPolicy) retryStore(ctx context.Context, op func() error) error {
	_, err := p.retry(ctx, func() error {
		err := op()
		if err != nil && isDomainError(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	return err
}

func isDomainError(err error) bool {
	return errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrPendingExists) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
