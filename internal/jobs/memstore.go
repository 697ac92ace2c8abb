package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Repository with the same revision semantics as Store.
// A row written inside a transaction carries a write intent until commit or
// rollback; other transactions writing the same row get ErrOptimisticLock and
// keep reading the committed version.
type MemStore struct {
	mu      sync.Mutex
	rows    map[string]*Job
	intents map[string]*memTx

	Now func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		rows:    map[string]*Job{},
		intents: map[string]*memTx{},
		Now:     time.Now,
	}
}

func (s *MemStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{s: s, staged: map[string]*Job{}}
	err := fn(ctx, tx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, row := range tx.staged {
		if err == nil {
			if row == nil {
				delete(s.rows, id)
			} else {
				s.rows[id] = row
			}
		}
		if s.intents[id] == tx {
			delete(s.intents, id)
		}
	}
	return err
}

type memTx struct {
	s *MemStore
	// staged holds rows written by this transaction; a nil value is a delete.
	staged map[string]*Job
}

// view returns the row as this transaction sees it. Caller holds s.mu.
func (t *memTx) view(id string) *Job {
	if row, ok := t.staged[id]; ok {
		return row
	}
	return t.s.rows[id]
}

// visible returns clones of all rows of a kind that match keep. Caller holds s.mu.
func (t *memTx) visible(kind Kind, keep func(*Job) bool) []Job {
	var out []Job
	seen := map[string]bool{}
	collect := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		if row := t.view(id); row != nil && row.Kind == kind && keep(row) {
			out = append(out, row.Clone())
		}
	}
	for id := range t.staged {
		collect(id)
	}
	for id := range t.s.rows {
		collect(id)
	}
	return out
}

func (t *memTx) FindByID(_ context.Context, kind Kind, id string) (*Job, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	row := t.view(id)
	if row == nil || row.Kind != kind {
		return nil, ErrNotFound
	}
	c := row.Clone()
	return &c, nil
}

func (t *memTx) FindAcquirable(_ context.Context, kind Kind, p AcquireParams) ([]Job, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	out := t.visible(kind, func(j *Job) bool {
		if j.LockOwner != nil || !j.IsDue(p.Now) {
			return false
		}
		if p.Tenant != nil && *p.Tenant != j.TenantID {
			return false
		}
		return p.HandlerConfiguration == nil || *p.HandlerConfiguration == j.HandlerConfiguration
	})
	sort.Slice(out, func(a, b int) bool {
		da, db := out[a].DueDate, out[b].DueDate
		switch {
		case da == nil && db != nil:
			return true
		case da != nil && db == nil:
			return false
		case da != nil && db != nil && !da.Equal(*db):
			return da.Before(*db)
		}
		return out[a].CreateTime.Before(out[b].CreateTime)
	})
	return limit(out, p.Limit), nil
}

func (t *memTx) FindExpired(_ context.Context, kind Kind, p ExpiredParams) ([]Job, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	out := t.visible(kind, func(j *Job) bool {
		if j.LockOwner == nil || j.LockExpirationTime == nil || !j.LockExpirationTime.Before(p.Now) {
			return false
		}
		return p.Tenant == nil || *p.Tenant == j.TenantID
	})
	sort.Slice(out, func(a, b int) bool {
		return out[a].LockExpirationTime.Before(*out[b].LockExpirationTime)
	})
	return limit(out, p.Limit), nil
}

func (t *memTx) matching(q Query) []Job {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	out := t.visible(q.Kind, q.Matches)
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreateTime.Equal(out[b].CreateTime) {
			return out[a].CreateTime.Before(out[b].CreateTime)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

func (t *memTx) Find(_ context.Context, q Query) ([]Job, error) {
	q = q.normalized()
	out := t.matching(q)
	if q.Offset >= len(out) {
		return nil, nil
	}
	return limit(out[q.Offset:], q.Limit), nil
}

func (t *memTx) Count(_ context.Context, q Query) (int64, error) {
	return int64(len(t.matching(q.normalized()))), nil
}

// write stages next for id after checking no other transaction holds it.
func (t *memTx) write(id string, next func(cur *Job) (*Job, error)) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if owner, ok := t.s.intents[id]; ok && owner != t {
		return ErrOptimisticLock
	}
	row, err := next(t.view(id))
	if err != nil {
		return err
	}
	t.s.intents[id] = t
	t.staged[id] = row
	return nil
}

func (t *memTx) Insert(_ context.Context, job *Job) error {
	if job.Origin == "" {
		job.Origin = job.Kind
	}
	if job.CreateTime.IsZero() {
		job.CreateTime = t.s.Now().UTC()
	}
	return t.write(job.ID, func(cur *Job) (*Job, error) {
		if cur != nil {
			return nil, ErrDuplicate
		}
		job.Revision = 1
		c := job.Clone()
		return &c, nil
	})
}

func checkRevision(cur, job *Job) error {
	if cur == nil || cur.Kind != job.Kind || cur.Revision != job.Revision {
		return ErrOptimisticLock
	}
	return nil
}

func (t *memTx) Update(_ context.Context, job *Job) error {
	return t.write(job.ID, func(cur *Job) (*Job, error) {
		if err := checkRevision(cur, job); err != nil {
			return nil, err
		}
		job.Revision++
		c := job.Clone()
		return &c, nil
	})
}

func (t *memTx) Delete(_ context.Context, job *Job) error {
	return t.write(job.ID, func(cur *Job) (*Job, error) {
		if err := checkRevision(cur, job); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

func (t *memTx) UnlockOwned(ctx context.Context, kind Kind, owner string, tenant *string) (int64, error) {
	t.s.mu.Lock()
	owned := t.visible(kind, func(j *Job) bool {
		return j.OwnedBy(owner) && (tenant == nil || *tenant == j.TenantID)
	})
	t.s.mu.Unlock()

	var n int64
	for i := range owned {
		j := owned[i]
		j.Unlock()
		if err := t.Update(ctx, &j); err != nil {
			// held by another transaction; its lock expiry covers it
			continue
		}
		n++
	}
	return n, nil
}

func limit(jobs []Job, n int) []Job {
	if n > 0 && len(jobs) > n {
		return jobs[:n]
	}
	return jobs
}
