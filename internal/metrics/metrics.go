// Package metrics holds the Prometheus collectors for the wager engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "samuraibot"

// Metrics groups every collector the engine updates.
type Metrics struct {
	WagersResolved      *prometheus.CounterVec
	WagersRejected      *prometheus.CounterVec
	LedgerRetries       prometheus.Counter
	LedgerUnavailable   prometheus.Counter
	StakeRefunds        *prometheus.CounterVec
	InvariantViolations prometheus.Counter
	LedgerLatency       *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WagersResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wager",
			Name:      "resolved_total",
			Help:      "Resolved wagers by game and outcome.",
		}, []string{"game", "outcome"}),
		WagersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wager",
			Name:      "rejected_total",
			Help:      "Rejected wagers by reason.",
		}, []string{"reason"}),
		LedgerRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "retries_total",
			Help:      "Ledger operations retried after a transient store conflict.",
		}),
		LedgerUnavailable: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "unavailable_total",
			Help:      "Ledger operations that exhausted the retry budget.",
		}),
		StakeRefunds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "stake_refunds_total",
			Help:      "Reserved stakes returned to their owner, by source.",
		}, []string{"source"}),
		InvariantViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wager",
			Name:      "invariant_violations_total",
			Help:      "Resolved wagers whose arithmetic failed verification.",
		}),
		LedgerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_seconds",
			Help:      "Ledger operation latency including retries.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"kind"}),
	}
}

// ObserveWager counts one resolved wager.
func (m *Metrics) ObserveWager(game, outcome string) {
	if m == nil {
		return
	}
	m.WagersResolved.WithLabelValues(game, outcome).Inc()
}

// ObserveRejection counts one rejected wager.
func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.WagersRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.LedgerRetries.Inc()
}

func (m *Metrics) ObserveUnavailable() {
	if m == nil {
		return
	}
	m.LedgerUnavailable.Inc()
}

// ObserveRefund counts a returned stake. source is "rollback" or "sweeper".
func (m *Metrics) ObserveRefund(source string) {
	if m == nil {
		return
	}
	m.StakeRefunds.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveInvariantViolation() {
	if m == nil {
		return
	}
	m.InvariantViolations.Inc()
}

// ObserveLatency records how long a ledger operation of kind took since start.
func (m *Metrics) ObserveLatency(kind string, start time.Time) {
	if m == nil {
		return
	}
	m.LedgerLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
