package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseWait: 100 * time.Millisecond, Multiplier: 2, MaxWait: time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{9, time.Second},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("attempt_%d", tc.attempt), func(t *testing.T) {
			require.Equal(t, tc.want, p.Backoff(tc.attempt))
		})
	}
}

func TestDefaultCommandPolicy(t *testing.T) {
	p := DefaultCommandPolicy()
	require.Equal(t, 50*time.Millisecond, p.Backoff(1))
	require.Equal(t, 250*time.Millisecond, p.Backoff(2))
}

var errConflict = &pgconn.PgError{Code: "40001", Message: "could not serialize access"}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseWait: time.Millisecond, Multiplier: 2}
	calls := 0
	var waits []time.Duration
	var attempts []int

	err := Do(context.Background(), p, IsSerializationFailure, func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("commit: %w", errConflict)
		}
		return nil
	}, func(_ error, attempt int, wait time.Duration) {
		attempts = append(attempts, attempt)
		waits = append(waits, wait)
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, attempts)
	require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseWait: time.Millisecond, Multiplier: 1}
	calls := 0
	err := Do(context.Background(), p, IsSerializationFailure, func(context.Context) error {
		calls++
		return errConflict
	}, nil)

	require.ErrorIs(t, err, errConflict)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), DefaultCommandPolicy(), IsSerializationFailure, func(context.Context) error {
		calls++
		return boom
	}, nil)

	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseWait: time.Hour}
	calls := 0
	err := Do(ctx, p, nil, func(context.Context) error {
		calls++
		cancel()
		return errConflict
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestIsSerializationFailure(t *testing.T) {
	require.True(t, IsSerializationFailure(errConflict))
	require.True(t, IsSerializationFailure(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"})))
	require.False(t, IsSerializationFailure(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsSerializationFailure(errors.New("40001")))
	require.False(t, IsSerializationFailure(nil))
}
