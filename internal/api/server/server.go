package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/management"
	"github.com/rishansujesh/jobexecutor/internal/metrics"
	"github.com/rishansujesh/jobexecutor/internal/multitenant"
)

// Tenants is the runtime tenant set the API can inspect and change.
type Tenants interface {
	TenantIDs() []string
	AddTenant(ctx context.Context, id string) error
	RemoveTenant(ctx context.Context, id string) error
}

type Server struct {
	Jobs    *management.Service
	Tenants Tenants
	Metrics *metrics.Metrics
	// Ready reports whether the process can serve; nil means always ready.
	Ready func(ctx context.Context) error
	Log   *zap.Logger
}

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, management.ErrInvalid), errors.Is(err, multitenant.ErrTenantRequired):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, management.ErrLocked),
		errors.Is(err, management.ErrNotOwner),
		errors.Is(err, jobs.ErrOptimisticLock),
		errors.Is(err, jobs.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, multitenant.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		s.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, apiError{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(management.ErrInvalid, err)
	}
	return nil
}

func kindParam(r *http.Request) (jobs.Kind, error) {
	k, err := jobs.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		return "", errors.Join(management.ErrInvalid, err)
	}
	return k, nil
}

func optional(r *http.Request, name string) *string {
	q := r.URL.Query()
	if !q.Has(name) {
		return nil
	}
	v := q.Get(name)
	return &v
}

func queryOf(r *http.Request, kind jobs.Kind) (jobs.Query, error) {
	q := r.URL.Query()
	out := jobs.Query{
		Kind:                 kind,
		ID:                   q.Get("id"),
		ScopeID:              q.Get("scope_id"),
		ScopeType:            q.Get("scope_type"),
		SubScopeID:           q.Get("sub_scope_id"),
		ScopeDefinitionID:    q.Get("scope_definition_id"),
		ProcessInstanceID:    q.Get("process_instance_id"),
		ProcessDefinitionID:  q.Get("process_definition_id"),
		HandlerType:          q.Get("handler_type"),
		ElementID:            q.Get("element_id"),
		LockOwner:            q.Get("lock_owner"),
		ExceptionMessageLike: q.Get("exception"),
		WithException:        q.Get("with_exception") == "true",
		Tenant:               optional(r, "tenant"),
	}
	var err error
	if v := q.Get("locked"); v != "" {
		locked, perr := strconv.ParseBool(v)
		err = errors.Join(err, perr)
		out.Locked = &locked
	}
	if v := q.Get("due_before"); v != "" {
		t, perr := time.Parse(time.RFC3339, v)
		err = errors.Join(err, perr)
		out.DueBefore = &t
	}
	if v := q.Get("limit"); v != "" {
		n, perr := strconv.Atoi(v)
		err = errors.Join(err, perr)
		out.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, perr := strconv.Atoi(v)
		err = errors.Join(err, perr)
		out.Offset = n
	}
	if err != nil {
		return out, errors.Join(management.ErrInvalid, err)
	}
	return out, nil
}

/******** Jobs ********/

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req management.NewJob
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Kind == "" {
		req.Kind = jobs.KindExecutable
	}
	j, err := s.Jobs.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+string(j.Kind)+"/"+j.ID)
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q, err := queryOf(r, kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.Jobs.List(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) countJobs(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q, err := queryOf(r, kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := s.Jobs.Count(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	j, err := s.Jobs.Get(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Jobs.Delete(r.Context(), kind, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deadLetterJob(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	j, err := s.Jobs.MoveToDeadLetter(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) moveDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Retries int `json:"retries"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	j, err := s.Jobs.MoveDeadLetterToExecutable(r.Context(), chi.URLParam(r, "id"), req.Retries)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

/******** Scopes ********/

func (s *Server) scopeAction(move func(ctx context.Context, scopeID string, tenantID *string) (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := move(r.Context(), chi.URLParam(r, "scopeID"), optional(r, "tenant"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"moved": n})
	}
}

/******** External workers ********/

type acquireRequest struct {
	Topic        string  `json:"topic"`
	WorkerID     string  `json:"worker_id"`
	LockDuration string  `json:"lock_duration"`
	Limit        int     `json:"limit"`
	Tenant       *string `json:"tenant,omitempty"`
}

func (s *Server) acquireExternal(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := time.ParseDuration(req.LockDuration)
	if err != nil {
		s.fail(w, r, errors.Join(management.ErrInvalid, err))
		return
	}
	list, err := s.Jobs.AcquireExternalJobs(r.Context(), management.AcquireExternal{
		Topic: req.Topic, WorkerID: req.WorkerID, LockDuration: d, Limit: req.Limit, Tenant: req.Tenant,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

type externalResult struct {
	WorkerID     string `json:"worker_id"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (s *Server) completeExternal(w http.ResponseWriter, r *http.Request) {
	var req externalResult
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Jobs.CompleteExternal(r.Context(), chi.URLParam(r, "id"), req.WorkerID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) failExternal(w http.ResponseWriter, r *http.Request) {
	var req externalResult
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.Jobs.FailExternal(r.Context(), chi.URLParam(r, "id"), req.WorkerID, req.ErrorMessage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(out)})
}

/******** Locks ********/

func (s *Server) resetExpired(w http.ResponseWriter, r *http.Request) {
	n, err := s.Jobs.ResetExpired(r.Context(), optional(r, "tenant"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

func (s *Server) unlockOwner(w http.ResponseWriter, r *http.Request) {
	n, err := s.Jobs.UnlockOwner(r.Context(), chi.URLParam(r, "owner"), optional(r, "tenant"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unlocked": n})
}

/******** Tenants ********/

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"tenants": s.Tenants.TenantIDs()})
}

func (s *Server) addTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.Tenants.AddTenant(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.Tenants.RemoveTenant(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
