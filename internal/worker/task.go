package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/tenant"
	"github.com/rishansujesh/jobexecutor/internal/worker/handlers"
)

// errLockLost means the job is no longer locked by this runner; another node took it over.
var errLockLost = errors.New("job lock lost")

// execute runs one claimed job: reload, invoke the handler, then delete the
// row on success or classify the failure, all in the handler's transaction.
func (r *Runner) execute(ctx context.Context, job jobs.Job) {
	tenantID, _ := tenant.FromContext(ctx)
	log := r.log.With(zap.String("job_id", job.ID), zap.String("tenant", tenantID), zap.String("handler", job.HandlerType))
	start := time.Now()

	var (
		outcome    Outcome
		handlerErr error
	)
	err := r.cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
		outcome, handlerErr = "", nil
		cur, err := r.reload(ctx, tx, job)
		if err != nil {
			return err
		}
		handlerErr = r.invoke(ctx, cur)
		if handlerErr == nil {
			outcome = OutcomeSuccess
			return tx.Delete(ctx, cur)
		}
		outcome, err = HandleFailure(ctx, tx, cur, handlerErr, r.cfg.FailurePolicy())
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, errLockLost), errors.Is(err, jobs.ErrNotFound):
		log.Info("job vanished or changed owner before it could finish", zap.Error(err))
		return
	case ctx.Err() != nil:
		log.Info("job context ended, lock expiry will release it", zap.Error(err))
		return
	default:
		cause := err
		if handlerErr != nil {
			cause = handlerErr
		}
		log.Warn("job command failed, recording failure", zap.Error(err))
		outcome, err = r.recordFailure(ctx, job, cause)
		if errors.Is(err, errLockLost) || errors.Is(err, jobs.ErrNotFound) {
			log.Info("job taken over before its failure was recorded", zap.Error(err))
			return
		}
		if err != nil {
			log.Error("recording job failure", zap.Error(err))
			return
		}
	}

	r.metrics.Executed(tenantID, job.HandlerType, string(outcome), time.Since(start))
	switch outcome {
	case OutcomeSuccess:
		log.Debug("job executed", zap.Duration("took", time.Since(start)))
	case OutcomeDeadLetter:
		log.Warn("job moved to dead letter", zap.Error(handlerErr))
	default:
		log.Info("job failed", zap.String("outcome", string(outcome)), zap.Error(handlerErr))
	}
}

// recordFailure classifies cause in a fresh command after the execution command failed.
func (r *Runner) recordFailure(ctx context.Context, job jobs.Job, cause error) (Outcome, error) {
	var outcome Outcome
	err := r.cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
		cur, err := r.reload(ctx, tx, job)
		if err != nil {
			return err
		}
		outcome, err = HandleFailure(ctx, tx, cur, cause, r.cfg.FailurePolicy())
		return err
	})
	return outcome, err
}

func (r *Runner) reload(ctx context.Context, tx jobs.Tx, job jobs.Job) (*jobs.Job, error) {
	cur, err := tx.FindByID(ctx, job.Kind, job.ID)
	if err != nil {
		return nil, err
	}
	if !cur.OwnedBy(r.cfg.LockOwner) {
		return nil, errLockLost
	}
	return cur, nil
}

// invoke runs the handler, turning panics into errors. The lock expiry does
// not bound it; an expired lock is only reclaimed by the resetter.
func (r *Runner) invoke(ctx context.Context, job *jobs.Job) (err error) {
	h, err := r.handlers.Lookup(job.HandlerType)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p, stack: debug.Stack()}
		}
	}()
	return h.Execute(ctx, job.HandlerConfiguration, scopeOf(job))
}

func scopeOf(j *jobs.Job) handlers.ScopeContext {
	return handlers.ScopeContext{
		JobID:             j.ID,
		TenantID:          j.TenantID,
		ScopeID:           j.ScopeID,
		ScopeType:         j.ScopeType,
		SubScopeID:        j.SubScopeID,
		ProcessInstanceID: j.ProcessInstanceID,
		ElementID:         j.ElementID,
		ElementName:       j.ElementName,
		Retries:           j.Retries,
	}
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.value) }

// Format prints the stack with %+v, which ends up in the exception details.
func (e *panicError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s\n%s", e.Error(), e.stack)
		return
	}
	_, _ = io.WriteString(s, e.Error())
}
