package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rishansujesh/jobexecutor/internal/command"
	"github.com/rishansujesh/jobexecutor/internal/jobs"
)

// Claimed is the outcome of one claim round.
type Claimed struct {
	Jobs []jobs.Job
	// Full is set when the candidate query returned a whole batch, meaning
	// more work is likely waiting.
	Full      bool
	Conflicts int
}

// Claim selects due, unlocked jobs of kind and locks each one for owner
// until the given time, in its own transaction. Jobs another node locked
// first are skipped. Jobs claimed before an error are returned with it.
func Claim(ctx context.Context, cmds *command.Executor, kind jobs.Kind, p jobs.AcquireParams, owner string, until time.Time) (Claimed, error) {
	var out Claimed
	var candidates []jobs.Job
	err := cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
		var err error
		candidates, err = tx.FindAcquirable(ctx, kind, p)
		return err
	})
	if err != nil {
		return out, err
	}
	out.Full = p.Limit > 0 && len(candidates) >= p.Limit

	for _, c := range candidates {
		var locked jobs.Job
		err := cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
			j := c.Clone()
			j.Lock(owner, until)
			if err := tx.Update(ctx, &j); err != nil {
				return err
			}
			locked = j
			return nil
		})
		switch {
		case err == nil:
			out.Jobs = append(out.Jobs, locked)
		case errors.Is(err, jobs.ErrOptimisticLock):
			out.Conflicts++
		default:
			return out, err
		}
	}
	return out, nil
}

// claimOne locks a single known job for owner. It reports false when the job
// is gone, already locked or changed since it was read.
func claimOne(ctx context.Context, cmds *command.Executor, job jobs.Job, owner string, until time.Time) (jobs.Job, bool, error) {
	var locked jobs.Job
	err := cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
		cur, err := tx.FindByID(ctx, job.Kind, job.ID)
		if err != nil {
			return err
		}
		if cur.LockOwner != nil && !cur.OwnedBy(owner) {
			return jobs.ErrOptimisticLock
		}
		cur.Lock(owner, until)
		if err := tx.Update(ctx, cur); err != nil {
			return err
		}
		locked = *cur
		return nil
	})
	if errors.Is(err, jobs.ErrOptimisticLock) || errors.Is(err, jobs.ErrNotFound) {
		return jobs.Job{}, false, nil
	}
	return locked, err == nil, err
}
