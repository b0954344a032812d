package inference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metrics = struct {
	breakerState    *prometheus.GaugeVec
	breakerTrips    *prometheus.CounterVec
	shortCircuited  *prometheus.CounterVec
	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
}{
	breakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inference_breaker_state",
		Help: "Circuit breaker state per model (0=closed, 1=open, 2=half-open)",
	}, []string{"model"}),
	breakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inference_breaker_trips_total",
		Help: "Times the breaker entered the open state",
	}, []string{"model"}),
	shortCircuited: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inference_short_circuited_total",
		Help: "Calls rejected without touching the upstream",
	}, []string{"model"}),
	upstreamCalls: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inference_upstream_calls_total",
		Help: "Upstream completion calls by outcome",
	}, []string{"model", "outcome"}), // outcome: ok, upstream_4xx, failure
	upstreamLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inference_upstream_latency_seconds",
		Help:    "Upstream completion latency",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"model"}),
}
