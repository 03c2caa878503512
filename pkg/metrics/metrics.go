// Package metrics exposes Prometheus collectors for controller and lookup
// table activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canopy-network/checkpointx/pkg/errs"
)

const namespace = "checkpointx"

type Metrics struct {
	// Counters
	Transitions    *prometheus.CounterVec
	UnitsSubmitted *prometheus.CounterVec
	Failures       *prometheus.CounterVec
	TableOps       *prometheus.CounterVec

	// Gauges
	Cursor       *prometheus.GaugeVec
	Remaining    *prometheus.GaugeVec
	LastRebaseAt *prometheus.GaugeVec

	// Histograms
	SubmitDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Controller state transitions",
		},
		[]string{"pool", "from", "to"},
	)
	m.UnitsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_submitted_total",
			Help:      "Rebase transactions confirmed",
		},
		[]string{"pool", "strategy"},
	)
	m.Failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failures by phase and error kind",
		},
		[]string{"pool", "phase", "kind"},
	)
	m.TableOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_table_ops_total",
			Help:      "Lookup table instructions submitted",
		},
		[]string{"pool", "op", "status"}, // status: "success", "error"
	)
	m.Cursor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_cursor",
			Help:      "Next stake id the checkpoint expects",
		},
		[]string{"pool"},
	)
	m.Remaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants_remaining",
			Help:      "Participants not yet rebased this interval",
		},
		[]string{"pool"},
	)
	m.LastRebaseAt = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_rebase_timestamp_seconds",
			Help:      "Ledger time of the last completed interval",
		},
		[]string{"pool"},
	)
	m.SubmitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Time to submit one reconciliation pass",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"pool"},
	)

	m.registry.MustRegister(
		m.Transitions,
		m.UnitsSubmitted,
		m.Failures,
		m.TableOps,
		m.Cursor,
		m.Remaining,
		m.LastRebaseAt,
		m.SubmitDuration,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordTransition(pool, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(pool, from, to).Inc()
}

func (m *Metrics) RecordSubmitted(pool, strategy string, units int) {
	if m == nil || units == 0 {
		return
	}
	m.UnitsSubmitted.WithLabelValues(pool, strategy).Add(float64(units))
}

func (m *Metrics) RecordFailure(pool, phase string, err error) {
	if m == nil || err == nil {
		return
	}
	m.Failures.WithLabelValues(pool, phase, errs.KindOf(err).String()).Inc()
}

func (m *Metrics) RecordTableOp(pool, op string, n int, err error) {
	if m == nil || n == 0 {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TableOps.WithLabelValues(pool, op, status).Add(float64(n))
}

func (m *Metrics) SetCheckpoint(pool string, cursor uint64, lastRebase int64) {
	if m == nil {
		return
	}
	m.Cursor.WithLabelValues(pool).Set(float64(cursor))
	m.LastRebaseAt.WithLabelValues(pool).Set(float64(lastRebase))
}

func (m *Metrics) SetRemaining(pool string, n int) {
	if m == nil {
		return
	}
	m.Remaining.WithLabelValues(pool).Set(float64(n))
}

func (m *Metrics) ObserveSubmit(pool string, d time.Duration) {
	if m == nil {
		return
	}
	m.SubmitDuration.WithLabelValues(pool).Observe(d.Seconds())
}
