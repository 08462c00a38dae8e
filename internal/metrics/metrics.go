// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voxrelay"

// Metrics records relay activity. It satisfies bus.MetricsRecorder,
// broadcast.Recorder and pipeline.Recorder.
type Metrics struct {
	registry *prometheus.Registry
	factory  promauto.Factory

	// Bus metrics
	// Labels: topic, status (ok|error)
	BusPublished *prometheus.CounterVec
	// Labels: topic
	BusLatency *prometheus.HistogramVec

	// Fan-out metrics
	// Labels: outcome (sent|failed|evicted)
	BroadcastDeliveries *prometheus.CounterVec
	BroadcastRecipients prometheus.Histogram

	// Message pipeline
	// Labels: action, stage
	PipelineStages *prometheus.CounterVec

	// HTTP metrics
	// Labels: method, path, status
	HTTPRequests *prometheus.CounterVec
	// Labels: method, path
	HTTPDuration         *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	startTime time.Time
}

// New creates a Metrics bound to a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates a Metrics registered on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		registry:  reg,
		factory:   f,
		startTime: time.Now(),

		BusPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_published_total",
			Help:      "Events handed to the bus by topic and outcome",
		}, []string{"topic", "status"}),

		BusLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_publish_duration_seconds",
			Help:      "Time to enqueue an event on the bus",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"topic"}),

		BroadcastDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Per-recipient fan-out outcomes",
		}, []string{"outcome"}),

		BroadcastRecipients: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_recipients",
			Help:      "Recipients attempted per broadcast",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),

		PipelineStages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_messages_total",
			Help:      "Inbound messages by action and the stage they finished in",
		}, []string{"action", "stage"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path and status",
		}, []string{"method", "path", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path"}),

		HTTPRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served",
		}),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the metrics were created",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordBusPublish records one Publish call.
func (m *Metrics) RecordBusPublish(topic string, latencyMs int64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BusPublished.WithLabelValues(topic, status).Inc()
	m.BusLatency.WithLabelValues(topic).Observe(float64(latencyMs) / 1000)
}

// RecordBroadcast records the outcome of one fan-out.
func (m *Metrics) RecordBroadcast(sent, failed, evicted int) {
	m.BroadcastDeliveries.WithLabelValues("sent").Add(float64(sent))
	m.BroadcastDeliveries.WithLabelValues("failed").Add(float64(failed))
	m.BroadcastDeliveries.WithLabelValues("evicted").Add(float64(evicted))
	m.BroadcastRecipients.Observe(float64(sent + failed + evicted))
}

// RecordStage records the stage an inbound message ended in.
func (m *Metrics) RecordStage(action, stage string) {
	m.PipelineStages.WithLabelValues(action, stage).Inc()
}

// RecordHTTP records a served request.
func (m *Metrics) RecordHTTP(method, path string, status int, seconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, statusCode(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(seconds)
}

// Gauge registers a gauge sampled from fn at scrape time. Used for values
// owned elsewhere, such as registry size or attached sockets.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}
