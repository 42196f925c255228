// Package metrics holds the prometheus collectors updated by the engine and
// the observer. There is no daemon to scrape, so the registry is exported to
// a node_exporter textfile at the end of each command.
package metrics

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "specwork"

// Metrics is a private registry plus the collectors registered in it.
type Metrics struct {
	reg *prometheus.Registry

	Runs             *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	LockConflicts    *prometheus.CounterVec
	FinalizeDuration *prometheus.HistogramVec
	AgentDuration    prometheus.Histogram
	ActiveSandboxes  prometheus.Gauge
	ObserverTicks    prometheus.Counter
	Retries          *prometheus.CounterVec
}

// New registers every collector in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Spec executions by run mode and outcome.",
		}, []string{"mode", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Applied status transitions.",
		}, []string{"from", "to"}),
		LockConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "conflicts_total",
			Help:      "Lock acquisitions refused, by holder state.",
		}, []string{"state"}),
		FinalizeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finalize_duration_seconds",
			Help:      "Time spent finalizing a spec, by resulting status.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status"}),
		AgentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "duration_seconds",
			Help:      "Wall time of attached agent runs.",
			Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200},
		}),
		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "observer",
			Name:      "active_sandboxes",
			Help:      "Sandboxes seen by the last observer tick.",
		}),
		ObserverTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "observer",
			Name:      "ticks_total",
			Help:      "Observer passes over the sandbox root.",
		}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_decisions_total",
			Help:      "Automatic retry decisions for failed specs.",
		}, []string{"decision"}),
	}
	m.reg.MustRegister(m.Runs, m.Transitions, m.LockConflicts, m.FinalizeDuration,
		m.AgentDuration, m.ActiveSandboxes, m.ObserverTicks, m.Retries)
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveFinalize records one finalize that ended in status.
func (m *Metrics) ObserveFinalize(status string, start time.Time) {
	m.FinalizeDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

// WriteTextfile writes the registry in text exposition format to path. An
// empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, m.reg)
}
