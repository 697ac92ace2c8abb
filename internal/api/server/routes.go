// Package server exposes the job management operations over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/tenant"
)

// TenantHeader binds the request to a tenant's job store.
const TenantHeader = "X-Tenant-Id"

// Routes builds the admin router: health, metrics and the /v1 job API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.requestLog, withTenant)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "jobexecutor"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.Ready != nil {
			if err := s.Ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, apiError{Error: err.Error()})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.createJob)
		r.Get("/jobs/{kind}", s.listJobs)
		r.Get("/jobs/{kind}/count", s.countJobs)
		r.Get("/jobs/{kind}/{id}", s.getJob)
		r.Delete("/jobs/{kind}/{id}", s.deleteJob)
		r.Post("/jobs/{kind}/{id}/deadletter", s.deadLetterJob)
		r.Post("/deadletter/{id}/move", s.moveDeadLetter)

		r.Post("/scopes/{scopeID}/suspend", s.scopeAction(s.Jobs.SuspendScope))
		r.Post("/scopes/{scopeID}/activate", s.scopeAction(s.Jobs.ActivateScope))

		r.Post("/external/acquire", s.acquireExternal)
		r.Post("/external/{id}/complete", s.completeExternal)
		r.Post("/external/{id}/fail", s.failExternal)

		r.Post("/locks/reset-expired", s.resetExpired)
		r.Post("/locks/owners/{owner}/unlock", s.unlockOwner)

		if s.Tenants != nil {
			r.Get("/tenants", s.listTenants)
			r.Put("/tenants/{id}", s.addTenant)
			r.Post("/tenants/{id}", s.addTenant)
			r.Delete("/tenants/{id}", s.removeTenant)
		}
	})
	return r
}

func withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(TenantHeader); id != "" {
			r = r.WithContext(tenant.WithTenant(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Serve runs the admin HTTP server until ctx is done, then shuts it down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.Log.Info("admin http listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
