package inference

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes recorded in the status label.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Metrics are the generation counters of one registry. A nil *Metrics
// records nothing.
type Metrics struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	tokens    *prometheus.CounterVec
	steps     prometheus.Histogram
	anomalies *prometheus.CounterVec
	inflight  prometheus.Gauge
}

// NewMetrics registers the generation metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seqgen",
			Name:      "generation_requests_total",
			Help:      "Generation requests by model family and outcome",
		}, []string{"family", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seqgen",
			Name:      "generation_duration_seconds",
			Help:      "Wall time of completed generations",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"family"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seqgen",
			Name:      "generation_tokens_total",
			Help:      "Tokens appended across all slots",
		}, []string{"family"}),
		steps: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "seqgen",
			Name:      "generation_steps",
			Help:      "Decoding steps per generation",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seqgen",
			Name:      "numeric_anomalies_total",
			Help:      "Slots terminated for non-finite scores",
		}, []string{"family"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "seqgen",
			Name:      "inflight_generations",
			Help:      "Generations currently running",
		}),
	}
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) finished(family, status string, stats Stats, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.requests.WithLabelValues(family, status).Inc()
	if status != StatusOK {
		return
	}
	m.duration.WithLabelValues(family).Observe(elapsed.Seconds())
	m.tokens.WithLabelValues(family).Add(float64(stats.TokensGenerated))
	m.steps.Observe(float64(stats.Steps))
}

func (m *Metrics) anomaly(family string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.anomalies.WithLabelValues(family).Add(float64(n))
}
