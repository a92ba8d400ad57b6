package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the counters/gauges set shared by the pipeline. All methods
// are safe on a nil receiver so components can run without it.
type Metrics struct {
	cycles           *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	recordsStored    prometheus.Counter
	deliveryAttempts *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	published        prometheus.Counter
	dropped          prometheus.Counter
	readers          prometheus.Gauge
	mirrorErrors     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "neowatch_ingest_cycles_total",
			Help: "Ingestion cycles by trigger and result.",
		}, []string{"trigger", "result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "neowatch_ingest_cycle_duration_seconds",
			Help:    "Wall time of ingestion cycles, fetch through fan-out.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		recordsStored: f.NewCounter(prometheus.CounterOpts{
			Name: "neowatch_records_stored_total",
			Help: "Close-approach records newly stored.",
		}),
		deliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "neowatch_webhook_attempts_total",
			Help: "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "neowatch_webhook_deliveries_total",
			Help: "Webhook notifications by final result after retries.",
		}, []string{"result"}),
		published: f.NewCounter(prometheus.CounterOpts{
			Name: "neowatch_stream_published_total",
			Help: "Records published to the live stream.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "neowatch_stream_dropped_total",
			Help: "Messages dropped from full reader queues.",
		}),
		readers: f.NewGauge(prometheus.GaugeOpts{
			Name: "neowatch_stream_readers",
			Help: "Currently attached live stream readers.",
		}),
		mirrorErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "neowatch_stream_mirror_errors_total",
			Help: "Failed writes to the stream mirror.",
		}),
	}
}

func (m *Metrics) Cycle(trigger, result string, took time.Duration, stored int) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(trigger, result).Inc()
	m.cycleDuration.Observe(took.Seconds())
	if stored > 0 {
		m.recordsStored.Add(float64(stored))
	}
}

func (m *Metrics) DeliveryAttempt(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.deliveryAttempts.WithLabelValues("success").Inc()
		return
	}
	m.deliveryAttempts.WithLabelValues("failure").Inc()
}

func (m *Metrics) Delivery(delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		m.deliveries.WithLabelValues("delivered").Inc()
		return
	}
	m.deliveries.WithLabelValues("failed").Inc()
}

func (m *Metrics) Published(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.published.Add(float64(n))
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) ReaderAttached() {
	if m == nil {
		return
	}
	m.readers.Inc()
}

func (m *Metrics) ReaderDetached() {
	if m == nil {
		return
	}
	m.readers.Dec()
}

func (m *Metrics) MirrorError() {
	if m == nil {
		return
	}
	m.mirrorErrors.Inc()
}
