package jobs

import (
	"fmt"
	"time"
)

// Kind tags which storage table currently holds a job.
type Kind string

const (
	KindTimer          Kind = "timer"
	KindExecutable     Kind = "executable"
	KindSuspended      Kind = "suspended"
	KindDeadLetter     Kind = "deadletter"
	KindExternalWorker Kind = "external-worker"
)

// Kinds lists every storage kind in a stable order.
var Kinds = []Kind{KindTimer, KindExecutable, KindSuspended, KindDeadLetter, KindExternalWorker}

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindTimer, KindExecutable, KindSuspended, KindDeadLetter, KindExternalWorker:
		return k, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", s)
	}
}

// Table returns the table backing the kind.
func (k Kind) Table() string {
	switch k {
	case KindTimer:
		return "timer_jobs"
	case KindExecutable:
		return "executable_jobs"
	case KindSuspended:
		return "suspended_jobs"
	case KindDeadLetter:
		return "deadletter_jobs"
	case KindExternalWorker:
		return "external_worker_jobs"
	default:
		panic(fmt.Sprintf("jobs: no table for kind %q", string(k)))
	}
}

// Lockable reports whether jobs of this kind can be claimed by a worker.
func (k Kind) Lockable() bool {
	switch k {
	case KindTimer, KindExecutable, KindExternalWorker:
		return true
	case KindSuspended, KindDeadLetter:
		return false
	default:
		return false
	}
}

// Job is a row of one of the job tables. The Kind tells which one.
type Job struct {
	ID       string `json:"id"`
	Revision int    `json:"revision"`
	Kind     Kind   `json:"kind"`
	// Origin is the kind a suspended job returns to on activation.
	Origin Kind `json:"origin"`

	HandlerType          string `json:"handler_type"`
	HandlerConfiguration string `json:"handler_configuration,omitempty"`
	// Repeat is a cron expression; only meaningful for timer jobs.
	Repeat string `json:"repeat,omitempty"`

	ScopeID             string `json:"scope_id,omitempty"`
	ScopeType           string `json:"scope_type,omitempty"`
	SubScopeID          string `json:"sub_scope_id,omitempty"`
	ScopeDefinitionID   string `json:"scope_definition_id,omitempty"`
	ProcessInstanceID   string `json:"process_instance_id,omitempty"`
	ProcessDefinitionID string `json:"process_definition_id,omitempty"`
	ElementID           string `json:"element_id,omitempty"`
	ElementName         string `json:"element_name,omitempty"`

	DueDate            *time.Time `json:"due_date,omitempty"`
	LockOwner          *string    `json:"lock_owner,omitempty"`
	LockExpirationTime *time.Time `json:"lock_expiration_time,omitempty"`

	Retries          int     `json:"retries"`
	ExceptionMessage *string `json:"exception_message,omitempty"`
	ExceptionDetails *string `json:"exception_details,omitempty"`

	TenantID   string    `json:"tenant_id,omitempty"`
	CreateTime time.Time `json:"create_time"`
}

// IsLocked reports whether the job is claimed at the given instant.
func (j *Job) IsLocked(now time.Time) bool {
	return j.LockOwner != nil && j.LockExpirationTime != nil && j.LockExpirationTime.After(now)
}

// IsDue reports whether the job may run at the given instant. A nil due date is due immediately.
func (j *Job) IsDue(now time.Time) bool {
	return j.DueDate == nil || !j.DueDate.After(now)
}

func (j *Job) Lock(owner string, until time.Time) {
	j.LockOwner = &owner
	j.LockExpirationTime = &until
}

func (j *Job) Unlock() {
	j.LockOwner = nil
	j.LockExpirationTime = nil
}

// OwnedBy reports whether owner currently holds the job's lock.
func (j *Job) OwnedBy(owner string) bool {
	return j.LockOwner != nil && *j.LockOwner == owner
}

// Clone returns a deep copy; pointer fields are not shared.
func (j Job) Clone() Job {
	c := j
	c.DueDate = cloneTime(j.DueDate)
	c.LockExpirationTime = cloneTime(j.LockExpirationTime)
	c.LockOwner = cloneString(j.LockOwner)
	c.ExceptionMessage = cloneString(j.ExceptionMessage)
	c.ExceptionDetails = cloneString(j.ExceptionDetails)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// AcquireParams selects due and unlocked jobs for acquisition.
type AcquireParams struct {
	Now   time.Time
	Limit int
	// Tenant restricts to one tenant; nil means any tenant.
	Tenant *string
	// HandlerConfiguration restricts external-worker jobs to a topic.
	HandlerConfiguration *string
}

// ExpiredParams selects locked jobs whose lock expired before Now.
type ExpiredParams struct {
	Now    time.Time
	Limit  int
	Tenant *string
}
