// Package metrics exposes the executor's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	acquired       *prometheus.CounterVec
	claimConflicts *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	executed       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	lockResets     *prometheus.CounterVec
	commandRetries prometheus.Counter
	queueDepth     prometheus.Gauge
	tenants        prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobexecutor_jobs_acquired_total",
			Help: "Jobs locked by an acquisition loop.",
		}, []string{"tenant", "kind"}),
		claimConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobexecutor_claim_conflicts_total",
			Help: "Claims lost to another node.",
		}, []string{"tenant", "kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobexecutor_jobs_rejected_total",
			Help: "Jobs refused by a full executor queue.",
		}, []string{"tenant"}),
		executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobexecutor_jobs_executed_total",
			Help: "Executed jobs by outcome.",
		}, []string{"tenant", "handler", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobexecutor_job_duration_seconds",
			Help:    "Handler execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler"}),
		lockResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobexecutor_expired_locks_reset_total",
			Help: "Expired job locks cleared by the resetter.",
		}, []string{"tenant", "kind"}),
		commandRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobexecutor_command_retries_total",
			Help: "Commands retried after a transaction conflict.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobexecutor_queue_depth",
			Help: "Tasks waiting in executor queues.",
		}),
		tenants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobexecutor_active_tenants",
			Help: "Tenants with running acquisition loops.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.acquired, m.claimConflicts, m.rejected, m.executed, m.duration,
		m.lockResets, m.commandRetries, m.queueDepth, m.tenants,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Acquired(tenant, kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.acquired.WithLabelValues(tenant, kind).Add(float64(n))
}

func (m *Metrics) ClaimConflict(tenant, kind string) {
	if m == nil {
		return
	}
	m.claimConflicts.WithLabelValues(tenant, kind).Inc()
}

func (m *Metrics) Rejected(tenant string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(tenant).Inc()
}

// Executed records a finished job. result is one of success, retry, deadletter, suspended.
func (m *Metrics) Executed(tenant, handler, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.executed.WithLabelValues(tenant, handler, result).Inc()
	m.duration.WithLabelValues(handler).Observe(took.Seconds())
}

func (m *Metrics) LocksReset(tenant, kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.lockResets.WithLabelValues(tenant, kind).Add(float64(n))
}

func (m *Metrics) CommandRetried() {
	if m == nil {
		return
	}
	m.commandRetries.Inc()
}

func (m *Metrics) QueueDelta(d int) {
	if m == nil {
		return
	}
	m.queueDepth.Add(float64(d))
}

func (m *Metrics) SetTenants(n int) {
	if m == nil {
		return
	}
	m.tenants.Set(float64(n))
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
