package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/retry"
	"github.com/rishansujesh/jobexecutor/internal/worker/handlers"
)

func failWith(t *testing.T, store *jobs.MemStore, id string, kind jobs.Kind, cause error, p FailurePolicy) Outcome {
	t.Helper()
	var out Outcome
	require.NoError(t, store.InTx(context.Background(), func(ctx context.Context, tx jobs.Tx) error {
		j, err := tx.FindByID(ctx, kind, id)
		if err != nil {
			return err
		}
		out, err = HandleFailure(ctx, tx, j, cause, p)
		return err
	}))
	return out
}

func TestHandleFailure(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	p := FailurePolicy{
		DefaultRetries: 3,
		Backoff:        retry.Policy{MaxAttempts: 3, BaseWait: time.Second, Multiplier: 2, MaxWait: time.Minute},
		Now:            func() time.Time { return now },
	}
	owner := "node-a"
	until := now.Add(time.Minute)

	cases := []struct {
		name        string
		retries     int
		cause       error
		want        Outcome
		wantKind    jobs.Kind
		wantRetries int
		wantDue     *time.Time
	}{
		{"first failure backs off one step", 3, errors.New("x"), OutcomeRetry, jobs.KindExecutable, 2, ptr(now.Add(time.Second))},
		{"second failure backs off two steps", 2, errors.New("x"), OutcomeRetry, jobs.KindExecutable, 1, ptr(now.Add(2 * time.Second))},
		{"last retry dead-letters", 1, errors.New("x"), OutcomeDeadLetter, jobs.KindDeadLetter, 0, nil},
		{"no-retry dead-letters at once", 3, fmt.Errorf("bad config: %w", handlers.ErrNoRetry), OutcomeDeadLetter, jobs.KindDeadLetter, 0, nil},
		{"suspend keeps retries", 2, handlers.ErrSuspend, OutcomeSuspended, jobs.KindSuspended, 2, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := jobs.NewMemStore()
			seed(t, store, jobs.Job{ID: "j", Kind: jobs.KindExecutable, Retries: tc.retries, LockOwner: &owner, LockExpirationTime: &until})

			require.Equal(t, tc.want, failWith(t, store, "j", jobs.KindExecutable, tc.cause, p))

			j, err := find(t, store, tc.wantKind, "j")
			require.NoError(t, err)
			require.Equal(t, tc.wantRetries, j.Retries)
			require.Nil(t, j.LockOwner)
			require.Nil(t, j.LockExpirationTime)
			if tc.wantDue != nil {
				require.Equal(t, *tc.wantDue, *j.DueDate)
			}
			if tc.want == OutcomeSuspended {
				require.Nil(t, j.ExceptionMessage)
				require.Equal(t, jobs.KindExecutable, j.Origin)
			} else {
				require.Equal(t, tc.cause.Error(), *j.ExceptionMessage)
			}
		})
	}
}

func TestExceptionMessageTruncated(t *testing.T) {
	long := strings.Repeat("é", MaxExceptionMessage+10)
	msg, details := exceptionText(errors.New(long))
	require.Len(t, []rune(msg), MaxExceptionMessage)
	require.Equal(t, long, details)
}

func TestExceptionTextIsStorable(t *testing.T) {
	cause := fmt.Errorf("status 500: %s", "x\xc3\x00tail\xa9")
	msg, details := exceptionText(cause)
	for _, s := range []string{msg, details} {
		require.True(t, utf8.ValidString(s), "%q", s)
		require.NotContains(t, s, "\x00")
	}
	require.Equal(t, "status 500: x\uFFFDtail\uFFFD", msg)
}

func TestBadBytesInFailureStillDeadLetter(t *testing.T) {
	store := jobs.NewMemStore()
	seed(t, store, jobs.Job{ID: "j1", Kind: jobs.KindExecutable, HandlerType: "http", Retries: 1})
	out := failWith(t, store, "j1", jobs.KindExecutable, errors.New("body \xe9\x00"), FailurePolicy{DefaultRetries: 3, Backoff: retry.DefaultJobPolicy(), Now: time.Now})
	require.Equal(t, OutcomeDeadLetter, out)

	dl, err := find(t, store, jobs.KindDeadLetter, "j1")
	require.NoError(t, err)
	require.True(t, utf8.ValidString(*dl.ExceptionMessage))
	require.True(t, utf8.ValidString(*dl.ExceptionDetails))
}

func ptr[T any](v T) *T { return &v }
