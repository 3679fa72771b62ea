// Package metrics exposes Prometheus collectors reporting control plane
// activity. Collectors register against an injected Registerer so tests
// can use a fresh registry; registering twice against the same registry
// reuses the existing collectors instead of panicking.
package metrics

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zjrosen/gaffer/internal/domain"
)

const namespace = "gaffer"

// Metrics holds the control plane's Prometheus collectors.
type Metrics struct {
	cycles      prometheus.Counter
	dispatches  prometheus.Counter
	executions  *prometheus.CounterVec
	failures    *prometheus.CounterVec
	escalations prometheus.Counter

	queueDepth       prometheus.Gauge
	retriesPending   prometheus.Gauge
	executionsActive prometheus.Gauge
	workers          *prometheus.GaugeVec

	mu             sync.Mutex
	lastCycleCount int64
}

// MustNewMetrics constructs the collectors against the registerer. A nil
// registerer falls back to the global default. Registration errors other
// than duplicate registration panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &Metrics{
		cycles: mustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Scheduler cycles completed.",
		})),
		dispatches: mustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Work items dispatched to a worker.",
		})),
		executions: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions by terminal status.",
		}, []string{"status"})),
		failures: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Execution failures by error category.",
		}, []string{"category"})),
		escalations: mustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Work items escalated to a human after exhausted retries.",
		})),
		queueDepth: mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Ready work items waiting for dispatch.",
		})),
		retriesPending: mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retries_pending",
			Help:      "Scheduled retries not yet due.",
		})),
		executionsActive: mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_active",
			Help:      "Executions currently running.",
		})),
		workers: mustRegister(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Workers in the pool by status.",
		}, []string{"status"})),
	}
}

// mustRegister registers the collector, reusing the existing one on a
// duplicate registration.
func mustRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler returns the scrape endpoint for the gatherer. A nil gatherer
// serves the global default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordCycles advances the cycle counter to the given cumulative total.
// Totals that do not advance are ignored, so replays cannot double-count.
func (m *Metrics) RecordCycles(total int64) {
	if m == nil || m.cycles == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if total > m.lastCycleCount {
		m.cycles.Add(float64(total - m.lastCycleCount))
		m.lastCycleCount = total
	}
}

// RecordDispatch counts one work item handed to a worker.
func (m *Metrics) RecordDispatch() {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.Inc()
}

// RecordExecution counts one finished execution under its terminal status.
func (m *Metrics) RecordExecution(status string) {
	if m == nil || m.executions == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
}

// RecordFailure counts one failure under its error category.
func (m *Metrics) RecordFailure(category string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(category).Inc()
}

// RecordEscalation counts one item handed off to a human.
func (m *Metrics) RecordEscalation() {
	if m == nil || m.escalations == nil {
		return
	}
	m.escalations.Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetPendingRetries updates the pending retries gauge.
func (m *Metrics) SetPendingRetries(n int) {
	if m == nil || m.retriesPending == nil {
		return
	}
	m.retriesPending.Set(float64(n))
}

// SetActiveExecutions updates the running executions gauge.
func (m *Metrics) SetActiveExecutions(n int) {
	if m == nil || m.executionsActive == nil {
		return
	}
	m.executionsActive.Set(float64(n))
}

// SetWorkers replaces the per-status worker gauges. Every known status
// is written so stale series drop to zero instead of lingering.
func (m *Metrics) SetWorkers(byStatus map[string]int) {
	if m == nil || m.workers == nil {
		return
	}
	for _, status := range []domain.WorkerStatus{
		domain.WorkerIdle,
		domain.WorkerWorking,
		domain.WorkerPaused,
		domain.WorkerError,
		domain.WorkerTerminated,
	} {
		m.workers.WithLabelValues(string(status)).Set(float64(byStatus[string(status)]))
	}
}
