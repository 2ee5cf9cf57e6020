// Package observability exposes Prometheus metrics for both services.
// All methods are nil-receiver safe so metrics stay optional in tests.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "schemapilot"

// Metrics holds the instrument set shared by the worker and the API service.
type Metrics struct {
	eventsProcessed prometheus.Counter
	decodeFailures  prometheus.Counter
	eventsDropped   prometheus.Counter
	rebuildSeconds  prometheus.Histogram
	queriesTotal    *prometheus.CounterVec
}

// New registers the instrument set on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		eventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cdc",
			Name:      "events_processed_total",
			Help:      "Schema change notifications fully processed.",
		}),
		decodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cdc",
			Name:      "decode_failures_total",
			Help:      "Notifications dropped because the payload would not decode.",
		}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "events_dropped_total",
			Help:      "Fan-out messages dropped on full subscriber buffers.",
		}),
		rebuildSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "rebuild_seconds",
			Help:      "Duration of full schema index rebuilds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "verifications_total",
			Help:      "SQL verification outcomes.",
		}, []string{"outcome"}),
	}
}

// RegisterSubscriberGauge exposes a live subscriber count from fn.
func RegisterSubscriberGauge(reg prometheus.Registerer, fn func() float64) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "subscribers",
		Help:      "Currently connected event stream subscribers.",
	}, fn)
}

func (m *Metrics) EventProcessed() {
	if m != nil {
		m.eventsProcessed.Inc()
	}
}

func (m *Metrics) DecodeFailed() {
	if m != nil {
		m.decodeFailures.Inc()
	}
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}

func (m *Metrics) ObserveRebuild(d time.Duration) {
	if m != nil {
		m.rebuildSeconds.Observe(d.Seconds())
	}
}

// QueryOutcome records one verification result, e.g. "ok", "unsafe",
// "multiple_statements", "cost_limit".
func (m *Metrics) QueryOutcome(outcome string) {
	if m != nil {
		m.queriesTotal.WithLabelValues(outcome).Inc()
	}
}
