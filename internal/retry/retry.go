// Package retry holds the exponential wait policy shared by job retries and
// the transaction-conflict retry interceptor.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// Policy waits BaseWait * Multiplier^(attempt-1) between attempts, capped at MaxWait.
type Policy struct {
	MaxAttempts int
	BaseWait    time.Duration
	Multiplier  float64
	MaxWait     time.Duration
}

// DefaultCommandPolicy mirrors the usual serialization-retry settings for
// PostgreSQL and CockroachDB: 3 attempts, 50ms growing 5x.
func DefaultCommandPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseWait: 50 * time.Millisecond, Multiplier: 5, MaxWait: 5 * time.Second}
}

// DefaultJobPolicy is used to push back the due date of a failed job.
func DefaultJobPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseWait: 500 * time.Millisecond, Multiplier: 2, MaxWait: 10 * time.Minute}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseWait <= 0 {
		p.BaseWait = 50 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxWait <= 0 {
		p.MaxWait = time.Duration(math.MaxInt64)
	}
	return p
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseWait
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxWait
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Backoff returns the wait before the given attempt is retried (attempt >= 1).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.exponential()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Do runs op until it succeeds, returns an error retryable rejects, the
// attempts are exhausted or ctx is done. notify is called before every wait.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context) error, notify func(err error, attempt int, wait time.Duration)) error {
	p = p.withDefaults()
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err != nil && retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var b backoff.BackOff = backoff.WithMaxRetries(p.exponential(), uint64(p.MaxAttempts-1))
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempt, wait)
		}
	})
}

// SQLSTATE codes PostgreSQL and CockroachDB use for transactions that may succeed when retried.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// IsSerializationFailure reports whether err carries a retryable transaction conflict.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}
