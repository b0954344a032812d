package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metrics = struct {
	enqueued     prometheus.Counter
	written      prometheus.Counter
	dropped      prometheus.Counter
	deadLettered prometheus.Counter
}{
	enqueued: promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_records_enqueued_total",
		Help: "Audit records accepted into the async queue.",
	}),
	written: promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_records_written_total",
		Help: "Audit records successfully persisted to the sink.",
	}),
	dropped: promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_records_dropped_total",
		Help: "Audit records dropped because the queue was full or closed.",
	}),
	deadLettered: promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_records_dead_lettered_total",
		Help: "Audit records parked after exhausting delivery retries.",
	}),
}
