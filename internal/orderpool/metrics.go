package orderpool

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/ordermesh/ordermesh/types"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "orderpool"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Size is the number of pooled orders, per sub-pool.
	Size metrics.Gauge

	// SizeBytes is the cumulative encoded size of pooled orders, per
	// sub-pool.
	SizeBytes metrics.Gauge

	// AddedOrders is the number of admitted orders.
	AddedOrders metrics.Counter

	// RejectedOrders is the number of orders refused at admission.
	RejectedOrders metrics.Counter

	// ReplacedOrders is the number of orders displaced by a higher-fee
	// order at the same sender+nonce slot.
	ReplacedOrders metrics.Counter

	// MinedOrders is the number of orders removed because a canonical
	// update reported them included in a block.
	MinedOrders metrics.Counter

	// EvictedOrders is the number of orders discarded for reasons other
	// than mining or replacement.
	EvictedOrders metrics.Counter

	// OrderSizeBytes measures the encoded size of admitted orders.
	OrderSizeBytes metrics.Histogram

	// DroppedEvents is the number of pool events discarded because a
	// subscriber's buffer was full.
	DroppedEvents metrics.Counter
}

// PrometheusMetrics returns Metrics built using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Size: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "size",
			Help:      "Number of pooled orders, per sub-pool.",
		}, append(labels, "subpool")).With(labelsAndValues...),
		SizeBytes: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "size_bytes",
			Help:      "Cumulative encoded size of pooled orders, per sub-pool.",
		}, append(labels, "subpool")).With(labelsAndValues...),
		AddedOrders: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "added_orders",
			Help:      "Number of admitted orders.",
		}, labels).With(labelsAndValues...),
		RejectedOrders: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rejected_orders",
			Help:      "Number of orders refused at admission.",
		}, labels).With(labelsAndValues...),
		ReplacedOrders: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "replaced_orders",
			Help:      "Number of orders displaced by a higher-fee replacement.",
		}, labels).With(labelsAndValues...),
		MinedOrders: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "mined_orders",
			Help:      "Number of orders removed as mined.",
		}, labels).With(labelsAndValues...),
		EvictedOrders: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "evicted_orders",
			Help:      "Number of orders discarded outside of mining or replacement.",
		}, labels).With(labelsAndValues...),
		OrderSizeBytes: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "order_size_bytes",
			Help:      "Encoded size of admitted orders.",
			Buckets:   stdprometheus.ExponentialBuckets(128, 4, 8),
		}, labels).With(labelsAndValues...),
		DroppedEvents: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dropped_events",
			Help:      "Number of pool events dropped on slow subscribers.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Size:           discard.NewGauge(),
		SizeBytes:      discard.NewGauge(),
		AddedOrders:    discard.NewCounter(),
		RejectedOrders: discard.NewCounter(),
		ReplacedOrders: discard.NewCounter(),
		MinedOrders:    discard.NewCounter(),
		EvictedOrders:  discard.NewCounter(),
		OrderSizeBytes: discard.NewHistogram(),
		DroppedEvents:  discard.NewCounter(),
	}
}

// observeSize publishes a pool size snapshot.
func (m *Metrics) observeSize(sz types.PoolSize) {
	m.Size.With("subpool", types.SubPoolPending.String()).Set(float64(sz.Pending))
	m.Size.With("subpool", types.SubPoolBaseFee.String()).Set(float64(sz.BaseFee))
	m.Size.With("subpool", types.SubPoolQueued.String()).Set(float64(sz.Queued))
	m.SizeBytes.With("subpool", types.SubPoolPending.String()).Set(float64(sz.PendingBytes))
	m.SizeBytes.With("subpool", types.SubPoolBaseFee.String()).Set(float64(sz.BaseFeeBytes))
	m.SizeBytes.With("subpool", types.SubPoolQueued.String()).Set(float64(sz.QueuedBytes))
}
