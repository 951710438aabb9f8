// Package metrics wires the pipeline's Prometheus instrumentation:
// per-stage counters and gauges that processing elements update as
// they run, and an HTTP handler to expose them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "swtrigger"
	subsystem = "pipeline"
)

// Registry holds every named metric the pipeline updates. Fields are
// safe for concurrent use by multiple processing-element goroutines,
// since the underlying prometheus collectors are themselves
// goroutine-safe.
type Registry struct {
	RingItemsTotal      *prometheus.CounterVec
	CorruptRecordsTotal prometheus.Counter
	HitsEmittedTotal    prometheus.Counter
	SorterQueueDepth    *prometheus.GaugeVec
	BufferArenaSize     prometheus.Gauge
	WindowHitCount      *prometheus.GaugeVec
	WindowByteCount     *prometheus.GaugeVec
}

// NewRegistry constructs and registers every pipeline metric against
// reg (pass prometheus.DefaultRegisterer for the global registry).
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		RingItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ring_items_total",
			Help:      "Ring items processed, by pipeline stage.",
		}, []string{"stage"}),
		CorruptRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "corrupt_records_total",
			Help:      "Records dropped due to corruption or size mismatch.",
		}),
		HitsEmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "hits_emitted_total",
			Help:      "Hits emitted by the hit manager's merge queue.",
		}),
		SorterQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sorter_queue_depth",
			Help:      "Number of chunks queued per producer in the sorter.",
		}, []string{"source"}),
		BufferArenaSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "buffer_arena_size",
			Help:      "Number of buffers currently pooled in a reader's arena.",
		}),
		WindowHitCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sink_window_hit_count",
			Help:      "Hits written by the sink in the most recently completed throughput window, by source.",
		}, []string{"source"}),
		WindowByteCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sink_window_byte_count",
			Help:      "Bytes written by the sink in the most recently completed throughput window, by source.",
		}, []string{"source"}),
	}

	reg.MustRegister(
		r.RingItemsTotal,
		r.CorruptRecordsTotal,
		r.HitsEmittedTotal,
		r.SorterQueueDepth,
		r.BufferArenaSize,
		r.WindowHitCount,
		r.WindowByteCount,
	)
	return r
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
