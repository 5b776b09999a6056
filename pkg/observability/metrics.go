package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments scraped from the observer surface.
type Metrics struct {
	AppendsTotal    *prometheus.CounterVec
	AppendFailures  *prometheus.CounterVec
	AppendDuration  *prometheus.HistogramVec
	HaltsTotal      *prometheus.CounterVec
	ForksTotal      *prometheus.CounterVec
	WitnessCoSigns  *prometheus.CounterVec
	WitnessAnomalies prometheus.Counter
	ActiveLeases    prometheus.Gauge
	IntakeDepth     prometheus.Gauge
	CycleState      *prometheus.GaugeVec
	ComputeUnits    *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh registry
// so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AppendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synod_appends_total",
				Help: "Events durably appended, by kind",
			},
			[]string{"kind"},
		),

		AppendFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synod_append_failures_total",
				Help: "Appends rejected, by error kind",
			},
			[]string{"error_kind"},
		),

		AppendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "synod_append_duration_seconds",
				Help:    "Wall time from append entry to durable write",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		HaltsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synod_halts_total",
				Help: "Halt declarations, by scope and reason",
			},
			[]string{"scope", "reason"},
		),

		ForksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synod_forks_total",
				Help: "Fork detections, by chain actor",
			},
			[]string{"actor_id"},
		),

		WitnessCoSigns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synod_witness_cosigns_total",
				Help: "Witness co-signatures attached, by witness",
			},
			[]string{"witness_id"},
		),

		WitnessAnomalies: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "synod_witness_anomalies_total",
				Help: "Witness pair frequency anomalies flagged",
			},
		),

		ActiveLeases: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "synod_active_leases",
				Help: "Identity leases currently live",
			},
		),

		IntakeDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "synod_intake_depth",
				Help: "Items waiting in the intake queue",
			},
		),

		CycleState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "synod_cycle_state",
				Help: "Current state per cycle (1 = in this state)",
			},
			[]string{"cycle_id", "state"},
		),

		ComputeUnits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synod_compute_units_total",
				Help: "Compute units announced in cost snapshots, by cycle",
			},
			[]string{"cycle_id"},
		),
	}
}

// RecordAppend records a successful durable append.
func (m *Metrics) RecordAppend(kind string, seconds float64) {
	m.AppendsTotal.WithLabelValues(kind).Inc()
	m.AppendDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordAppendFailure records a rejected append by error kind.
func (m *Metrics) RecordAppendFailure(errorKind string) {
	m.AppendFailures.WithLabelValues(errorKind).Inc()
}

// RecordHalt records a halt declaration.
func (m *Metrics) RecordHalt(scope, reason string) {
	m.HaltsTotal.WithLabelValues(scope, reason).Inc()
}

// RecordFork records a fork detection on an actor chain.
func (m *Metrics) RecordFork(actorID string) {
	m.ForksTotal.WithLabelValues(actorID).Inc()
}

// RecordWitnessCoSign records one attached witness signature.
func (m *Metrics) RecordWitnessCoSign(witnessID string) {
	m.WitnessCoSigns.WithLabelValues(witnessID).Inc()
}

// SetCycleState moves the per-cycle state gauge: the previous state drops to
// zero and the new state is set to one.
func (m *Metrics) SetCycleState(cycleID, prev, next string) {
	if prev != "" {
		m.CycleState.WithLabelValues(cycleID, prev).Set(0)
	}
	m.CycleState.WithLabelValues(cycleID, next).Set(1)
}

// AddComputeUnits accumulates announced compute spend for a cycle.
func (m *Metrics) AddComputeUnits(cycleID string, units float64) {
	m.ComputeUnits.WithLabelValues(cycleID).Add(units)
}
