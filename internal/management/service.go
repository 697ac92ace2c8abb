// Package management is the operator and client facing API over the job
// tables: creating jobs, inspecting them and moving them between kinds.
package management

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/command"
	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/schedule"
	"github.com/rishansujesh/jobexecutor/internal/tenant"
	"github.com/rishansujesh/jobexecutor/internal/worker"
)

var (
	ErrInvalid  = errors.New("invalid request")
	ErrLocked   = errors.New("job is locked by a running executor")
	ErrNotOwner = errors.New("job is not locked by this worker")
)

const pageSize = 500

type Service struct {
	cmds   *command.Executor
	policy worker.FailurePolicy
	// executor, when set, is handed new due jobs right after commit.
	executor worker.Executor
	notifier Notifier
	log      *zap.Logger
}

// Notifier wakes the acquisition of other executor nodes.
type Notifier interface {
	Notify(ctx context.Context, tenantID string)
}

func New(cmds *command.Executor, policy worker.FailurePolicy, executor worker.Executor, log *zap.Logger) *Service {
	if policy.Now == nil {
		policy.Now = time.Now
	}
	if policy.DefaultRetries <= 0 {
		policy.DefaultRetries = 3
	}
	return &Service{cmds: cmds, policy: policy, executor: executor, log: log.Named("management")}
}

// WithNotifier makes due jobs the local executor did not take wake the other nodes.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) now() time.Time { return s.policy.Now().UTC() }

func scoped(ctx context.Context, tenantID *string) context.Context {
	if tenantID == nil {
		return ctx
	}
	return tenant.WithTenant(ctx, *tenantID)
}

// NewJob describes a job to create.
type NewJob struct {
	Kind                 jobs.Kind  `json:"kind"`
	HandlerType          string     `json:"handler_type"`
	HandlerConfiguration string     `json:"handler_configuration,omitempty"`
	Repeat               string     `json:"repeat,omitempty"`
	DueDate              *time.Time `json:"due_date,omitempty"`
	Retries              int        `json:"retries,omitempty"`

	ScopeID             string `json:"scope_id,omitempty"`
	ScopeType           string `json:"scope_type,omitempty"`
	SubScopeID          string `json:"sub_scope_id,omitempty"`
	ScopeDefinitionID   string `json:"scope_definition_id,omitempty"`
	ProcessInstanceID   string `json:"process_instance_id,omitempty"`
	ProcessDefinitionID string `json:"process_definition_id,omitempty"`
	ElementID           string `json:"element_id,omitempty"`
	ElementName         string `json:"element_name,omitempty"`
	TenantID            string `json:"tenant_id,omitempty"`
}

func (n NewJob) validate(now time.Time) (*time.Time, error) {
	if n.HandlerType == "" {
		return nil, fmt.Errorf("%w: handler_type required", ErrInvalid)
	}
	switch n.Kind {
	case jobs.KindExecutable, jobs.KindExternalWorker:
		if n.Repeat != "" {
			return nil, fmt.Errorf("%w: repeat is only valid for timer jobs", ErrInvalid)
		}
		return n.DueDate, nil
	case jobs.KindTimer:
		if n.Repeat != "" {
			next, err := schedule.NextRun(n.Repeat, now)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			if n.DueDate == nil {
				return &next, nil
			}
		}
		if n.DueDate == nil {
			return nil, fmt.Errorf("%w: timer jobs need due_date or repeat", ErrInvalid)
		}
		return n.DueDate, nil
	case jobs.KindSuspended, jobs.KindDeadLetter:
		return nil, fmt.Errorf("%w: jobs cannot be created as %s", ErrInvalid, n.Kind)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, n.Kind)
	}
}

// Create stores a new job. An executable job that is already due is offered
// to the executor right after commit.
func (s *Service) Create(ctx context.Context, n NewJob) (*jobs.Job, error) {
	now := s.now()
	due, err := n.validate(now)
	if err != nil {
		return nil, err
	}
	retries := n.Retries
	if retries <= 0 {
		retries = s.policy.DefaultRetries
	}
	job := jobs.Job{
		ID:                   uuid.NewString(),
		Kind:                 n.Kind,
		HandlerType:          n.HandlerType,
		HandlerConfiguration: n.HandlerConfiguration,
		Repeat:               n.Repeat,
		ScopeID:              n.ScopeID,
		ScopeType:            n.ScopeType,
		SubScopeID:           n.SubScopeID,
		ScopeDefinitionID:    n.ScopeDefinitionID,
		ProcessInstanceID:    n.ProcessInstanceID,
		ProcessDefinitionID:  n.ProcessDefinitionID,
		ElementID:            n.ElementID,
		ElementName:          n.ElementName,
		DueDate:              due,
		Retries:              retries,
		TenantID:             n.TenantID,
	}
	ctx = tenant.WithTenant(ctx, n.TenantID)
	err = s.cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
		j := job.Clone()
		if err := tx.Insert(ctx, &j); err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.hint(ctx, job)
	return &job, nil
}

func (s *Service) hint(ctx context.Context, job jobs.Job) {
	if job.Kind == jobs.KindExternalWorker || !job.IsDue(s.now()) {
		return
	}
	if job.Kind == jobs.KindExecutable && s.executor != nil && s.executor.ExecuteAsyncJob(ctx, job) {
		return
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, job.TenantID)
	}
}

func (s *Service) List(ctx context.Context, q jobs.Query) ([]jobs.Job, error) {
	var out []jobs.Job
	err := s.cmds.Execute(scoped(ctx, q.Tenant), func(ctx context.Context, tx jobs.Tx) error {
		var err error
		out, err = tx.Find(ctx, q)
		return err
	})
	return out, err
}

func (s *Service) Count(ctx context.Context, q jobs.Query) (int64, error) {
	var n int64
	err := s.cmds.Execute(scoped(ctx, q.Tenant), func(ctx context.Context, tx jobs.Tx) error {
		var err error
		n, err = tx.Count(ctx, q)
		return err
	})
	return n, err
}

// Counts returns the number of jobs per kind.
func (s *Service) Counts(ctx context.Context, tenantID *string) (map[jobs.Kind]int64, error) {
	out := make(map[jobs.Kind]int64, len(jobs.Kinds))
	for _, k := range jobs.Kinds {
		n, err := s.Count(ctx, jobs.Query{Kind: k, Tenant: tenantID})
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, kind jobs.Kind, id string) (*jobs.Job, error) {
	var out *jobs.Job
	err := s.cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
		var err error
		out, err = tx.FindByID(ctx, kind, id)
		return err
	})
	return out, err
}

// Delete removes a job unless an executor currently holds its lock.
func (s *Service) Delete(ctx context.Context, kind jobs.Kind, id string) error {
	return s.cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
		j, err := tx.FindByID(ctx, kind, id)
		if err != nil {
			return err
		}
		if kind != jobs.KindExternalWorker && j.IsLocked(s.now()) {
			return ErrLocked
		}
		return tx.Delete(ctx, j)
	})
}

// MoveDeadLetterToExecutable gives a dead-lettered job a new set of retries
// and makes it due now.
func (s *Service) MoveDeadLetterToExecutable(ctx context.Context, id string, retries int) (*jobs.Job, error) {
	if retries <= 0 {
		retries = s.policy.DefaultRetries
	}
	var moved jobs.Job
	err := s.cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
		j, err := tx.FindByID(ctx, jobs.KindDeadLetter, id)
		if err != nil {
			return err
		}
		target := jobs.KindExecutable
		if j.Origin == jobs.KindExternalWorker {
			target = jobs.KindExternalWorker
		}
		now := s.now()
		m, err := jobs.Move(ctx, tx, j, target, func(m *jobs.Job) {
			m.Origin = target
			m.Retries = retries
			m.DueDate = &now
			m.ExceptionMessage, m.ExceptionDetails = nil, nil
			m.Unlock()
		})
		if err != nil {
			return err
		}
		moved = *m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.hint(tenant.WithTenant(ctx, moved.TenantID), moved)
	return &moved, nil
}

// MoveToDeadLetter takes a job out of circulation.
func (s *Service) MoveToDeadLetter(ctx context.Context, kind jobs.Kind, id string) (*jobs.Job, error) {
	if !kind.Lockable() {
		return nil, fmt.Errorf("%w: cannot dead-letter a %s job", ErrInvalid, kind)
	}
	var moved jobs.Job
	err := s.cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
		j, err := tx.FindByID(ctx, kind, id)
		if err != nil {
			return err
		}
		m, err := jobs.Move(ctx, tx, j, jobs.KindDeadLetter, func(m *jobs.Job) {
			m.Origin = kind
			m.Retries = 0
			m.Unlock()
		})
		if err != nil {
			return err
		}
		moved = *m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &moved, nil
}

// SuspendScope parks every timer, executable and external-worker job of a scope.
func (s *Service) SuspendScope(ctx context.Context, scopeID string, tenantID *string) (int, error) {
	if scopeID == "" {
		return 0, fmt.Errorf("%w: scope id required", ErrInvalid)
	}
	total := 0
	for _, kind := range []jobs.Kind{jobs.KindTimer, jobs.KindExecutable, jobs.KindExternalWorker} {
		n, err := s.moveAll(scoped(ctx, tenantID), jobs.Query{Kind: kind, ScopeID: scopeID, Tenant: tenantID}, func(j *jobs.Job) jobs.Kind {
			return jobs.KindSuspended
		})
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ActivateScope returns the suspended jobs of a scope to the kind they were suspended from.
func (s *Service) ActivateScope(ctx context.Context, scopeID string, tenantID *string) (int, error) {
	if scopeID == "" {
		return 0, fmt.Errorf("%w: scope id required", ErrInvalid)
	}
	return s.moveAll(scoped(ctx, tenantID), jobs.Query{Kind: jobs.KindSuspended, ScopeID: scopeID, Tenant: tenantID}, func(j *jobs.Job) jobs.Kind {
		if j.Origin.Lockable() {
			return j.Origin
		}
		return jobs.KindExecutable
	})
}

// moveAll moves every job matching q, page by page, one transaction per page.
func (s *Service) moveAll(ctx context.Context, q jobs.Query, target func(*jobs.Job) jobs.Kind) (int, error) {
	q.Limit = pageSize
	total := 0
	for {
		n := 0
		err := s.cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
			n = 0
			page, err := tx.Find(ctx, q)
			if err != nil {
				return err
			}
			for i := range page {
				j := page[i]
				to := target(&j)
				from := j.Kind
				if _, err := jobs.Move(ctx, tx, &j, to, func(m *jobs.Job) {
					m.Unlock()
					m.Origin = to
					if to == jobs.KindSuspended {
						m.Origin = from
					}
				}); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		total += n
		if err != nil || n < pageSize {
			return total, err
		}
	}
}

// AcquireExternal describes an external worker fetching jobs of a topic.
type AcquireExternal struct {
	Topic        string
	WorkerID     string
	LockDuration time.Duration
	Limit        int
	Tenant       *string
}

// AcquireExternalJobs locks due external-worker jobs whose handler
// configuration equals the topic for the calling worker.
func (s *Service) AcquireExternalJobs(ctx context.Context, req AcquireExternal) ([]jobs.Job, error) {
	if req.Topic == "" || req.WorkerID == "" {
		return nil, fmt.Errorf("%w: topic and worker id required", ErrInvalid)
	}
	if req.LockDuration <= 0 {
		return nil, fmt.Errorf("%w: lock duration must be positive", ErrInvalid)
	}
	if req.Limit <= 0 {
		req.Limit = 1
	}
	now := s.now()
	res, err := worker.Claim(scoped(ctx, req.Tenant), s.cmds, jobs.KindExternalWorker,
		jobs.AcquireParams{Now: now, Limit: req.Limit, Tenant: req.Tenant, HandlerConfiguration: &req.Topic},
		req.WorkerID, now.Add(req.LockDuration))
	return res.Jobs, err
}

func (s *Service) ownedExternal(ctx context.Context, tx jobs.Tx, id, workerID string) (*jobs.Job, error) {
	j, err := tx.FindByID(ctx, jobs.KindExternalWorker, id)
	if err != nil {
		return nil, err
	}
	if !j.OwnedBy(workerID) {
		return nil, ErrNotOwner
	}
	return j, nil
}

// CompleteExternal finishes a job the worker holds.
func (s *Service) CompleteExternal(ctx context.Context, id, workerID string) error {
	return s.cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
		j, err := s.ownedExternal(ctx, tx, id, workerID)
		if err != nil {
			return err
		}
		return tx.Delete(ctx, j)
	})
}

// FailExternal records a failure reported by the worker and applies the usual retry rules.
func (s *Service) FailExternal(ctx context.Context, id, workerID, message string) (worker.Outcome, error) {
	if message == "" {
		message = "external worker reported a failure"
	}
	var out worker.Outcome
	err := s.cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
		j, err := s.ownedExternal(ctx, tx, id, workerID)
		if err != nil {
			return err
		}
		out, err = worker.HandleFailure(ctx, tx, j, errors.New(message), s.policy)
		return err
	})
	return out, err
}

// ResetExpired clears every expired lock now instead of waiting for the resetter.
func (s *Service) ResetExpired(ctx context.Context, tenantID *string) (int, error) {
	ctx = scoped(ctx, tenantID)
	total := 0
	for _, kind := range []jobs.Kind{jobs.KindExecutable, jobs.KindTimer, jobs.KindExternalWorker} {
		for {
			n, full, err := worker.ResetExpired(ctx, s.cmds, kind, jobs.ExpiredParams{Now: s.now(), Limit: pageSize, Tenant: tenantID})
			total += n
			if err != nil {
				return total, err
			}
			if !full || n == 0 {
				break
			}
		}
	}
	return total, nil
}

// UnlockOwner releases every lock held by owner, typically a node that will not come back.
func (s *Service) UnlockOwner(ctx context.Context, owner string, tenantID *string) (int64, error) {
	if owner == "" {
		return 0, fmt.Errorf("%w: owner required", ErrInvalid)
	}
	ctx = scoped(ctx, tenantID)
	var total int64
	var errs error
	for _, kind := range []jobs.Kind{jobs.KindTimer, jobs.KindExecutable, jobs.KindExternalWorker} {
		err := s.cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
			n, err := tx.UnlockOwned(ctx, kind, owner, tenantID)
			if err == nil {
				total += n
			}
			return err
		})
		errs = multierr.Append(errs, err)
	}
	return total, errs
}
