package jobs

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrOptimisticLock means the (id, revision) pair no longer matches the stored row.
	ErrOptimisticLock = errors.New("optimistic lock conflict")
	ErrDuplicate      = errors.New("duplicate job id")
)

// Repository is the transaction boundary around the job tables.
type Repository interface {
	// InTx runs fn in a transaction. It commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the job table operations available inside a transaction.
type Tx interface {
	FindByID(ctx context.Context, kind Kind, id string) (*Job, error)
	// FindAcquirable returns due, unlocked jobs ordered by due date, capped at p.Limit.
	FindAcquirable(ctx context.Context, kind Kind, p AcquireParams) ([]Job, error)
	// FindExpired returns locked jobs whose lock expired before p.Now.
	FindExpired(ctx context.Context, kind Kind, p ExpiredParams) ([]Job, error)
	Find(ctx context.Context, q Query) ([]Job, error)
	Count(ctx context.Context, q Query) (int64, error)

	// Insert stores a new row with revision 1.
	Insert(ctx context.Context, job *Job) error
	// Update writes the row if its revision still matches and bumps job.Revision.
	Update(ctx context.Context, job *Job) error
	// Delete removes the row if its revision still matches.
	Delete(ctx context.Context, job *Job) error
	// UnlockOwned clears the locks held by owner. A nil tenant means any tenant.
	UnlockOwned(ctx context.Context, kind Kind, owner string, tenant *string) (int64, error)
}

// Move transfers a job to another kind: the old row is deleted and a new one
// inserted. mutate may adjust the copy before insertion.
func Move(ctx context.Context, tx Tx, job *Job, to Kind, mutate func(*Job)) (*Job, error) {
	if err := tx.Delete(ctx, job); err != nil {
		return nil, fmt.Errorf("delete %s job %s: %w", job.Kind, job.ID, err)
	}
	moved := job.Clone()
	moved.Kind = to
	if mutate != nil {
		mutate(&moved)
	}
	if err := tx.Insert(ctx, &moved); err != nil {
		return nil, fmt.Errorf("insert %s job %s: %w", to, moved.ID, err)
	}
	return &moved, nil
}
