package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/retry"
	"github.com/rishansujesh/jobexecutor/internal/worker/handlers"
)

// MaxExceptionMessage caps the stored exception message, in characters.
const MaxExceptionMessage = 4000

// Outcome labels what happened to an executed job.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeRetry      Outcome = "retry"
	OutcomeDeadLetter Outcome = "deadletter"
	OutcomeSuspended  Outcome = "suspended"
)

// FailurePolicy decides how a failed job is rescheduled.
type FailurePolicy struct {
	// DefaultRetries is the retry count jobs are created with; it turns the
	// remaining retries into an attempt number for the backoff.
	DefaultRetries int
	Backoff        retry.Policy
	Now            func() time.Time
}

func (p FailurePolicy) attempt(remaining int) int {
	if a := p.DefaultRetries - remaining + 1; a > 1 {
		return a
	}
	return 1
}

// HandleFailure records cause against job inside tx. The job must be the
// current row as loaded in tx.
//
//   - handlers.ErrSuspend parks the job in the suspended table.
//   - with retries left the job stays where it is, unlocked and due after a backoff.
//   - otherwise, or for handlers.ErrNoRetry, it moves to the dead-letter table.
func HandleFailure(ctx context.Context, tx jobs.Tx, job *jobs.Job, cause error, p FailurePolicy) (Outcome, error) {
	now := p.Now().UTC()

	if errors.Is(cause, handlers.ErrSuspend) {
		_, err := jobs.Move(ctx, tx, job, jobs.KindSuspended, func(j *jobs.Job) {
			j.Origin = job.Kind
			j.Unlock()
		})
		return OutcomeSuspended, err
	}

	msg, details := exceptionText(cause)
	if job.Retries > 1 && !errors.Is(cause, handlers.ErrNoRetry) {
		due := now.Add(p.Backoff.Backoff(p.attempt(job.Retries)))
		next := job.Clone()
		next.Retries--
		next.DueDate = &due
		next.Unlock()
		next.ExceptionMessage = &msg
		next.ExceptionDetails = &details
		if err := tx.Update(ctx, &next); err != nil {
			return OutcomeRetry, err
		}
		*job = next
		return OutcomeRetry, nil
	}

	_, err := jobs.Move(ctx, tx, job, jobs.KindDeadLetter, func(j *jobs.Job) {
		j.Origin = job.Kind
		j.Retries = 0
		j.Unlock()
		j.ExceptionMessage = &msg
		j.ExceptionDetails = &details
	})
	return OutcomeDeadLetter, err
}

// exceptionText renders err for the exception columns. Both strings are made
// valid UTF-8 without NUL bytes, which Postgres text columns reject.
func exceptionText(err error) (msg, details string) {
	msg = storable(err.Error())
	if r := []rune(msg); len(r) > MaxExceptionMessage {
		msg = string(r[:MaxExceptionMessage])
	}
	return msg, storable(fmt.Sprintf("%+v", err))
}

func storable(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}
