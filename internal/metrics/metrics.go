// Package metrics exposes Prometheus collectors for task runs, mailbox
// requests and routed messages.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mailbox request outcomes.
const (
	OutcomeApplied     = "applied"
	OutcomeDenied      = "denied"
	OutcomeQuarantined = "quarantined"
)

// Router message outcomes.
const (
	OutcomeRouted  = "routed"
	OutcomeIgnored = "ignored"
	OutcomeFailed  = "failed"
)

// Metrics holds the collectors on a private registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	taskRuns     *prometheus.CounterVec
	taskDuration prometheus.Histogram
	ipcRequests  *prometheus.CounterVec
	routerMsgs   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tgclaw",
			Name:      "task_runs_total",
			Help:      "Scheduled task runs by outcome.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tgclaw",
			Name:      "task_run_duration_seconds",
			Help:      "Wall time of scheduled task runs.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		ipcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tgclaw",
			Name:      "ipc_requests_total",
			Help:      "Mailbox requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		routerMsgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tgclaw",
			Name:      "router_messages_total",
			Help:      "Inbound messages handled by the router, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.taskRuns, m.taskDuration, m.ipcRequests, m.routerMsgs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveTaskRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(status).Inc()
	m.taskDuration.Observe(d.Seconds())
}

func (m *Metrics) IncIPC(kind, outcome string) {
	if m == nil {
		return
	}
	m.ipcRequests.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) IncRouter(outcome string) {
	if m == nil {
		return
	}
	m.routerMsgs.WithLabelValues(outcome).Inc()
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
