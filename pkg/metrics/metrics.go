// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dex"

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	fees         *prometheus.CounterVec
	openOrders   prometheus.Gauge
	lastSeq      prometheus.Gauge
	sinkFailures *prometheus.CounterVec
	halted       prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations by outcome",
		}, []string{"op", "result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Time from admission to commit",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
		fees: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "fees_collected_total",
			Help:      "Fees credited to the fee receiver, in smallest units (float approximation)",
		}, []string{"asset"}),
		openOrders: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orderbook",
			Name:      "open_orders",
			Help:      "Orders neither filled nor cancelled",
		}),
		lastSeq: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "last_event_seq",
			Help:      "Sequence number of the last committed event",
		}),
		sinkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "sink_failures_total",
			Help:      "Events a sink failed to publish",
		}, []string{"sink"}),
		halted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "halted",
			Help:      "1 once the engine stopped accepting writes",
		}),
	}
}

func (m *Metrics) ObserveOp(op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) AddFee(assetHex string, fee *uint256.Int) {
	if m == nil || fee == nil || fee.IsZero() {
		return
	}
	v, _ := new(big.Float).SetInt(fee.ToBig()).Float64()
	m.fees.WithLabelValues(assetHex).Add(v)
}

func (m *Metrics) SetOpenOrders(n int) {
	if m == nil {
		return
	}
	m.openOrders.Set(float64(n))
}

func (m *Metrics) SetLastSeq(seq uint64) {
	if m == nil {
		return
	}
	m.lastSeq.Set(float64(seq))
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) SetHalted() {
	if m == nil {
		return
	}
	m.halted.Set(1)
}
