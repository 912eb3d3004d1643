// Package metrics exposes the scheduler's Prometheus instrumentation:
// fork counts, retry counts, queue depth, and dispatch/completion
// counters, broken out by the dimensions the scheduler naturally
// produces (dispatch mode, completion outcome).
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests can construct multiple
// independent collectors without colliding on Prometheus's global
// DefaultRegisterer.
type Collector struct {
	registry *prometheus.Registry

	actionsDispatched *prometheus.CounterVec
	actionsCompleted *prometheus.CounterVec
	forksTotal prometheus.Counter
	forkFailuresTotal prometheus.Counter
	readyQueueDepth prometheus.Gauge
	workerPoolSize prometheus.Gauge
}

// NewCollector creates and registers a fresh set of metrics.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		actionsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeplan_actions_dispatched_total",
			Help: "Total number of actions dispatched, by mode.",
		}, []string{"mode"}),
		actionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeplan_actions_completed_total",
			Help: "Total number of actions completed, by outcome.",
		}, []string{"outcome"}),
		forksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeplan_forks_total",
			Help: "Total number of worker processes forked.",
		}),
		forkFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeplan_fork_failures_total",
			Help: "Total number of failed attempts to fork a worker.",
		}),
		readyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeplan_ready_queue_depth",
			Help: "Ready queue depth, sampled at each dispatch.",
		}),
		workerPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeplan_worker_pool_size",
			Help: "Number of outstanding forked workers.",
		}),
	}

	registry.MustRegister(
		c.actionsDispatched,
		c.actionsCompleted,
		c.forksTotal,
		c.forkFailuresTotal,
		c.readyQueueDepth,
		c.workerPoolSize,
	)
	return c
}

// Mode labels for RecordDispatch.
const (
	ModeBackground = "background"
	ModeForeground = "foreground"
)

// Outcome labels for RecordCompletion.
const (
	OutcomeDone = "done"
	OutcomeFailed = "failed"
	OutcomeRetried = "retried"
)

func (c *Collector) RecordDispatch(mode string) {
	c.actionsDispatched.WithLabelValues(mode).Inc()
}

func (c *Collector) RecordCompletion(outcome string) {
	c.actionsCompleted.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordFork(ok bool) {
	if ok {
		c.forksTotal.Inc()
		return
	}
	c.forkFailuresTotal.Inc()
}

func (c *Collector) SetReadyQueueDepth(n int) { c.readyQueueDepth.Set(float64(n)) }
func (c *Collector) SetWorkerPoolSize(n int) { c.workerPoolSize.Set(float64(n)) }

// Handler returns the HTTP handler serving this collector's registry in
// Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ServeAddr starts an HTTP server exposing /metrics on addr, returning once
// ctx is cancelled or the server fails to start.
func ServeAddr(ctx context.Context, addr string, c *Collector) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
