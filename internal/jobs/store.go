package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store keeps jobs in PostgreSQL, one table per Kind.
type Store struct {
	DB        *sql.DB
	DefaultTO time.Duration // default timeout per statement
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, DefaultTO: 5 * time.Second}
}

const jobColumns = `id, revision, origin, handler_type, handler_configuration, repeat,
scope_id, scope_type, sub_scope_id, scope_definition_id, process_instance_id, process_definition_id,
element_id, element_name, due_date, lock_owner, lock_expiration_time, retries,
exception_message, exception_details, tenant_id, create_time`

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &sqlTx{tx: tx, to: s.DefaultTO}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx *sql.Tx
	to time.Duration
}

func (t *sqlTx) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.to <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.to)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner, kind Kind) (*Job, error) {
	var j Job
	if err := r.Scan(&j.ID, &j.Revision, &j.Origin, &j.HandlerType, &j.HandlerConfiguration, &j.Repeat,
		&j.ScopeID, &j.ScopeType, &j.SubScopeID, &j.ScopeDefinitionID, &j.ProcessInstanceID, &j.ProcessDefinitionID,
		&j.ElementID, &j.ElementName, &j.DueDate, &j.LockOwner, &j.LockExpirationTime, &j.Retries,
		&j.ExceptionMessage, &j.ExceptionDetails, &j.TenantID, &j.CreateTime); err != nil {
		return nil, err
	}
	j.Kind = kind
	return &j, nil
}

func (t *sqlTx) queryJobs(ctx context.Context, kind Kind, q string, args ...any) ([]Job, error) {
	ctx, cancel := t.timeout(ctx)
	defer cancel()

	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (t *sqlTx) FindByID(ctx context.Context, kind Kind, id string) (*Job, error) {
	ctx, cancel := t.timeout(ctx)
	defer cancel()

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, kind.Table())
	j, err := scanJob(t.tx.QueryRowContext(ctx, q, id), kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (t *sqlTx) FindAcquirable(ctx context.Context, kind Kind, p AcquireParams) ([]Job, error) {
	args := []any{p.Now}
	conds := []string{"(due_date IS NULL OR due_date <= $1)", "lock_owner IS NULL"}
	if p.Tenant != nil {
		args = append(args, *p.Tenant)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if p.HandlerConfiguration != nil {
		args = append(args, *p.HandlerConfiguration)
		conds = append(conds, fmt.Sprintf("handler_configuration = $%d", len(args)))
	}
	args = append(args, p.Limit)
	q := fmt.Sprintf(`
SELECT %s FROM %s
WHERE %s
ORDER BY due_date ASC NULLS FIRST, create_time ASC
LIMIT $%d;`, jobColumns, kind.Table(), strings.Join(conds, " AND "), len(args))
	return t.queryJobs(ctx, kind, q, args...)
}

func (t *sqlTx) FindExpired(ctx context.Context, kind Kind, p ExpiredParams) ([]Job, error) {
	args := []any{p.Now}
	conds := []string{"lock_owner IS NOT NULL", "lock_expiration_time < $1"}
	if p.Tenant != nil {
		args = append(args, *p.Tenant)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	args = append(args, p.Limit)
	q := fmt.Sprintf(`
SELECT %s FROM %s
WHERE %s
ORDER BY lock_expiration_time ASC
LIMIT $%d;`, jobColumns, kind.Table(), strings.Join(conds, " AND "), len(args))
	return t.queryJobs(ctx, kind, q, args...)
}

func (t *sqlTx) Find(ctx context.Context, q Query) ([]Job, error) {
	q = q.normalized()
	where, args := q.where()
	args = append(args, q.Limit, q.Offset)
	stmt := fmt.Sprintf(`
SELECT %s FROM %s
%s
ORDER BY create_time ASC, id ASC
LIMIT $%d OFFSET $%d;`, jobColumns, q.Kind.Table(), where, len(args)-1, len(args))
	return t.queryJobs(ctx, q.Kind, stmt, args...)
}

func (t *sqlTx) Count(ctx context.Context, q Query) (int64, error) {
	ctx, cancel := t.timeout(ctx)
	defer cancel()

	q = q.normalized()
	where, args := q.where()
	var n int64
	err := t.tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s %s`, q.Kind.Table(), where), args...).Scan(&n)
	return n, err
}

func (t *sqlTx) Insert(ctx context.Context, job *Job) error {
	ctx, cancel := t.timeout(ctx)
	defer cancel()

	if job.Origin == "" {
		job.Origin = job.Kind
	}
	if job.CreateTime.IsZero() {
		job.CreateTime = time.Now().UTC()
	}
	q := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		job.Kind.Table(), strings.Replace(jobColumns, "id, revision", "revision, id", 1))
	_, err := t.tx.ExecContext(ctx, q, job.ID, job.Origin, job.HandlerType, job.HandlerConfiguration, job.Repeat,
		job.ScopeID, job.ScopeType, job.SubScopeID, job.ScopeDefinitionID, job.ProcessInstanceID, job.ProcessDefinitionID,
		job.ElementID, job.ElementName, job.DueDate, job.LockOwner, job.LockExpirationTime, job.Retries,
		job.ExceptionMessage, job.ExceptionDetails, job.TenantID, job.CreateTime)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	job.Revision = 1
	return nil
}

func (t *sqlTx) Update(ctx context.Context, job *Job) error {
	ctx, cancel := t.timeout(ctx)
	defer cancel()

	q := fmt.Sprintf(`
UPDATE %s SET
  revision = revision + 1, origin = $1, handler_type = $2, handler_configuration = $3, repeat = $4,
  due_date = $5, lock_owner = $6, lock_expiration_time = $7, retries = $8,
  exception_message = $9, exception_details = $10
WHERE id = $11 AND revision = $12`, job.Kind.Table())
	res, err := t.tx.ExecContext(ctx, q, job.Origin, job.HandlerType, job.HandlerConfiguration, job.Repeat,
		job.DueDate, job.LockOwner, job.LockExpirationTime, job.Retries,
		job.ExceptionMessage, job.ExceptionDetails, job.ID, job.Revision)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOptimisticLock
	}
	job.Revision++
	return nil
}

func (t *sqlTx) Delete(ctx context.Context, job *Job) error {
	ctx, cancel := t.timeout(ctx)
	defer cancel()

	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND revision = $2`, job.Kind.Table()), job.ID, job.Revision)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (t *sqlTx) UnlockOwned(ctx context.Context, kind Kind, owner string, tenant *string) (int64, error) {
	ctx, cancel := t.timeout(ctx)
	defer cancel()

	q := fmt.Sprintf(`UPDATE %s SET lock_owner = NULL, lock_expiration_time = NULL, revision = revision + 1 WHERE lock_owner = $1`, kind.Table())
	args := []any{owner}
	if tenant != nil {
		q += ` AND tenant_id = $2`
		args = append(args, *tenant)
	}
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
