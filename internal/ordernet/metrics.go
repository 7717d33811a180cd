package ordernet

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "ordernet"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// ActiveSessions is the number of peers with an established order
	// session.
	ActiveSessions metrics.Gauge

	// MessagesSent is the number of messages sent, per message type.
	MessagesSent metrics.Counter

	// MessagesReceived is the number of valid messages received, per
	// message type.
	MessagesReceived metrics.Counter

	// InvalidMessages is the number of inbound messages that failed to
	// decode or validate.
	InvalidMessages metrics.Counter

	// OrdersReceived is the number of full orders received from peers.
	OrdersReceived metrics.Counter

	// OrdersPropagated is the number of order transmissions, labeled full
	// or hash.
	OrdersPropagated metrics.Counter
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
		ActiveSessions: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "active_sessions",
			Help:      "Number of peers with an established order session.",
		}, labels).With(labelsAndValues...),
		MessagesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_sent",
			Help:      "Number of messages sent, per message type.",
		}, append(labels, "message_type")).With(labelsAndValues...),
		MessagesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_received",
			Help:      "Number of valid messages received, per message type.",
		}, append(labels, "message_type")).With(labelsAndValues...),
		InvalidMessages: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "invalid_messages",
			Help:      "Number of inbound messages that failed to decode or validate.",
		}, labels).With(labelsAndValues...),
		OrdersReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "orders_received",
			Help:      "Number of full orders received from peers.",
		}, labels).With(labelsAndValues...),
		OrdersPropagated: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "orders_propagated",
			Help:      "Number of order transmissions to peers, full or hash.",
		}, append(labels, "mode")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		ActiveSessions:   discard.NewGauge(),
		MessagesSent:     discard.NewCounter(),
		MessagesReceived: discard.NewCounter(),
		InvalidMessages:  discard.NewCounter(),
		OrdersReceived:   discard.NewCounter(),
		OrdersPropagated: discard.NewCounter(),
	}
}

func msgTypeLabel(msg Message) string {
	switch msg.(type) {
	case *HashAnnouncement:
		return "hash_announcement"
	case *GetPooledOrders:
		return "get_pooled_orders"
	case *PooledOrders:
		return "pooled_orders"
	case *NewPooledOrders:
		return "new_pooled_orders"
	default:
		return "unknown"
	}
}
