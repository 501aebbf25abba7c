package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the ingestion instrumentation.
type Metrics struct {
	decisions     *prometheus.CounterVec
	duration      prometheus.Histogram
	failures      prometheus.Counter
	publishErrors prometheus.Counter
}

// NewMetrics registers the ingestion metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fsmcore",
			Subsystem: "ingest",
			Name:      "decisions_total",
			Help:      "Ingestion decisions by outcome and reason code.",
		}, []string{"decision", "reason_code"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fsmcore",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Wall time of the ingestion transaction.",
			Buckets:   prometheus.DefBuckets,
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fsmcore",
			Subsystem: "ingest",
			Name:      "failures_total",
			Help:      "Ingestion attempts aborted by infrastructure errors.",
		}),
		publishErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fsmcore",
			Subsystem: "ingest",
			Name:      "publish_errors_total",
			Help:      "Accepted events that could not be announced on the feed.",
		}),
	}
}
