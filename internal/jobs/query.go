package jobs

import (
	"fmt"
	"strings"
	"time"
)

// Query filters jobs of one kind for management reads. Empty fields do not filter.
type Query struct {
	Kind                Kind
	ID                  string
	ScopeID             string
	ScopeType           string
	SubScopeID          string
	ScopeDefinitionID   string
	ProcessInstanceID   string
	ProcessDefinitionID string
	HandlerType         string
	ElementID           string
	LockOwner           string
	// Locked selects locked (true) or unlocked (false) jobs relative to Now.
	Locked *bool
	// ExceptionMessageLike matches a substring of the exception message.
	ExceptionMessageLike string
	WithException        bool
	Tenant               *string
	DueBefore            *time.Time
	Now                  time.Time

	Limit  int
	Offset int
}

// likeEscaper makes LIKE wildcards in a user substring match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (q Query) normalized() Query {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Now.IsZero() {
		q.Now = time.Now().UTC()
	}
	return q
}

// where builds the WHERE clause and its arguments, numbering placeholders from 1.
func (q Query) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	eq := func(col, v string) {
		if v != "" {
			add(col+" = $%d", v)
		}
	}
	eq("id", q.ID)
	eq("scope_id", q.ScopeID)
	eq("scope_type", q.ScopeType)
	eq("sub_scope_id", q.SubScopeID)
	eq("scope_definition_id", q.ScopeDefinitionID)
	eq("process_instance_id", q.ProcessInstanceID)
	eq("process_definition_id", q.ProcessDefinitionID)
	eq("handler_type", q.HandlerType)
	eq("element_id", q.ElementID)
	eq("lock_owner", q.LockOwner)
	if q.Locked != nil {
		if *q.Locked {
			add("(lock_owner IS NOT NULL AND lock_expiration_time > $%d)", q.Now)
		} else {
			add("(lock_owner IS NULL OR lock_expiration_time <= $%d)", q.Now)
		}
	}
	if q.ExceptionMessageLike != "" {
		add(`exception_message LIKE $%d ESCAPE '\'`, "%"+likeEscaper.Replace(q.ExceptionMessageLike)+"%")
	}
	if q.WithException {
		conds = append(conds, "exception_message IS NOT NULL")
	}
	if q.Tenant != nil {
		add("tenant_id = $%d", *q.Tenant)
	}
	if q.DueBefore != nil {
		add("due_date <= $%d", *q.DueBefore)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// Matches evaluates the query against a job in memory.
func (q Query) Matches(j *Job) bool {
	if q.Kind != "" && j.Kind != q.Kind {
		return false
	}
	checks := []struct{ want, got string }{
		{q.ID, j.ID},
		{q.ScopeID, j.ScopeID},
		{q.ScopeType, j.ScopeType},
		{q.SubScopeID, j.SubScopeID},
		{q.ScopeDefinitionID, j.ScopeDefinitionID},
		{q.ProcessInstanceID, j.ProcessInstanceID},
		{q.ProcessDefinitionID, j.ProcessDefinitionID},
		{q.HandlerType, j.HandlerType},
		{q.ElementID, j.ElementID},
	}
	for _, c := range checks {
		if c.want != "" && c.want != c.got {
			return false
		}
	}
	if q.LockOwner != "" && !j.OwnedBy(q.LockOwner) {
		return false
	}
	if q.Locked != nil && *q.Locked != j.IsLocked(q.Now) {
		return false
	}
	if q.ExceptionMessageLike != "" {
		if j.ExceptionMessage == nil || !strings.Contains(*j.ExceptionMessage, q.ExceptionMessageLike) {
			return false
		}
	}
	if q.WithException && j.ExceptionMessage == nil {
		return false
	}
	if q.Tenant != nil && *q.Tenant != j.TenantID {
		return false
	}
	if q.DueBefore != nil && (j.DueDate == nil || j.DueDate.After(*q.DueBefore)) {
		return false
	}
	return true
}
