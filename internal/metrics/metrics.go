// ============================================================================
// Parallel Checker Metrics - Prometheus Coordinator Metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collects and exposes coordinator-side run metrics
//
// Metric categories:
//
//   1. Counters:
//      - pcheck_workers_connected_total: accepted handshakes
//      - pcheck_handshakes_rejected_total: duplicate identities refused
//      - pcheck_heartbeats_total: progress heartbeats received
//      - pcheck_bugs_reported_total: BugFound messages received
//      - pcheck_stop_commands_total: stop commands pushed to workers
//      - pcheck_reports_total: test reports merged
//      - pcheck_traces_total{mode}: trace transfers (inline | reference)
//      - pcheck_workers_dead_total: workers removed by the liveness sweeper
//
//   2. Gauges:
//      - pcheck_workers_active: workers currently connected
//      - pcheck_worker_progress{worker}: last reported progress in [0,1]
//
// Example queries:
//
//   # heartbeat rate across the fleet
//   rate(pcheck_heartbeats_total[1m])
//
//   # slowest worker
//   min(pcheck_worker_progress)
//
// HTTP endpoint:
//   Served on /metrics next to the back-channel endpoint. The collector
//   registers on an explicit registry so tests and embedded coordinators do
//   not share process globals.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the coordinator metrics.
type Collector struct {
	registry *prometheus.Registry

	workersConnected   prometheus.Counter
	handshakesRejected prometheus.Counter
	heartbeats         prometheus.Counter
	bugsReported       prometheus.Counter
	stopCommands       prometheus.Counter
	reports            prometheus.Counter
	traces             *prometheus.CounterVec
	workersDead        prometheus.Counter

	workersActive  prometheus.Gauge
	workerProgress *prometheus.GaugeVec
}

// NewCollector creates a collector registered on reg. A nil reg gets a fresh registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: reg,
		workersConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pcheck_workers_connected_total",
			Help: "Total number of accepted worker handshakes",
		}),
		handshakesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pcheck_handshakes_rejected_total",
			Help: "Total number of handshakes refused because the identity was taken",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pcheck_heartbeats_total",
			Help: "Total number of progress heartbeats received",
		}),
		bugsReported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pcheck_bugs_reported_total",
			Help: "Total number of bug notifications received",
		}),
		stopCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pcheck_stop_commands_total",
			Help: "Total number of stop commands pushed to workers",
		}),
		reports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pcheck_reports_total",
			Help: "Total number of test reports merged",
		}),
		traces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pcheck_traces_total",
			Help: "Total number of trace transfers by mode",
		}, []string{"mode"}),
		workersDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pcheck_workers_dead_total",
			Help: "Total number of workers declared dead after missing heartbeats",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pcheck_workers_active",
			Help: "Current number of connected workers",
		}),
		workerProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pcheck_worker_progress",
			Help: "Last reported exploration progress per worker",
		}, []string{"worker"}),
	}

	reg.MustRegister(
		c.workersConnected,
		c.handshakesRejected,
		c.heartbeats,
		c.bugsReported,
		c.stopCommands,
		c.reports,
		c.traces,
		c.workersDead,
		c.workersActive,
		c.workerProgress,
	)
	return c
}

// Registry is the registry the collector registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordConnected records an accepted handshake.
func (c *Collector) RecordConnected() {
	c.workersConnected.Inc()
	c.workersActive.Inc()
}

// RecordRejected records a refused handshake.
func (c *Collector) RecordRejected() {
	c.handshakesRejected.Inc()
}

// RecordHeartbeat records progress from worker.
func (c *Collector) RecordHeartbeat(worker string, progress float64) {
	c.heartbeats.Inc()
	c.workerProgress.WithLabelValues(worker).Set(progress)
}

// RecordBug records a BugFound notification.
func (c *Collector) RecordBug() {
	c.bugsReported.Inc()
}

// RecordStopCommand records one pushed stop command.
func (c *Collector) RecordStopCommand() {
	c.stopCommands.Inc()
}

// RecordReport records a merged report; the worker is no longer active.
func (c *Collector) RecordReport(worker string) {
	c.reports.Inc()
	c.workersActive.Dec()
	c.workerProgress.WithLabelValues(worker).Set(1)
}

// RecordTrace records a trace transfer.
func (c *Collector) RecordTrace(inline bool) {
	mode := "reference"
	if inline {
		mode = "inline"
	}
	c.traces.WithLabelValues(mode).Inc()
}

// RecordDead records a worker removed by the liveness sweeper.
func (c *Collector) RecordDead(worker string) {
	c.workersDead.Inc()
	c.workersActive.Dec()
	c.workerProgress.DeleteLabelValues(worker)
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
