// Package metrics defines the server's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the server's collectors. All fields are always non-nil.
type Metrics struct {
	StreamsCreated prometheus.Counter
	StreamsDeleted prometheus.Counter
	Appends        *prometheus.CounterVec // label: result (accepted, duplicate, rejected)
	Reads          *prometheus.CounterVec // label: mode (catchup, longpoll, sse)
	BytesAppended  prometheus.Counter
	LiveWaiters    prometheus.Gauge
	SSESessions    prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StreamsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamd",
			Name:      "streams_created_total",
			Help:      "Streams created.",
		}),
		StreamsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamd",
			Name:      "streams_deleted_total",
			Help:      "Streams deleted.",
		}),
		Appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamd",
			Name:      "appends_total",
			Help:      "Append requests by result.",
		}, []string{"result"}),
		Reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamd",
			Name:      "reads_total",
			Help:      "Read requests by delivery mode.",
		}, []string{"mode"}),
		BytesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamd",
			Name:      "appended_bytes_total",
			Help:      "Logical payload bytes appended.",
		}),
		LiveWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamd",
			Name:      "long_poll_waiters",
			Help:      "Long-poll requests currently blocked.",
		}),
		SSESessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamd",
			Name:      "sse_sessions",
			Help:      "SSE sessions currently streaming.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.StreamsCreated, m.StreamsDeleted,
			m.Appends, m.Reads,
			m.BytesAppended, m.LiveWaiters, m.SSESessions,
		)
	}
	return m
}

// NewNop returns unregistered collectors, for tests and embedding without a
// registry.
func NewNop() *Metrics { return New(nil) }
