// Package metrics exposes Prometheus counters and histograms for the
// aggregator, the MQTT collector and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	aggregationsTotal   *prometheus.CounterVec
	aggregationDuration *prometheus.HistogramVec
	mqttMessagesTotal   *prometheus.CounterVec
	mqttConnected       prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pubobs_http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pubobs_http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		aggregationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pubobs_safe_hours_aggregations_total",
			Help: "Safe hours aggregations by granularity and outcome.",
		}, []string{"granularity", "outcome"}),
		aggregationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pubobs_safe_hours_aggregation_duration_seconds",
			Help:    "Histogram of safe hours aggregation durations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"granularity"}),
		mqttMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pubobs_mqtt_messages_total",
			Help: "MQTT messages received per configured topic name.",
		}, []string{"topic"}),
		mqttConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pubobs_mqtt_connected",
			Help: "1 while the MQTT client is connected.",
		}),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpDuration,
		m.aggregationsTotal,
		m.aggregationDuration,
		m.mqttMessagesTotal,
		m.mqttConnected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Middleware records request count and latency. The route label is the
// matched ServeMux pattern so path values do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the private registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Aggregation records one aggregator call. Outcome is "ok", "degraded" or "error".
func (m *Metrics) Aggregation(granularity, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.aggregationsTotal.WithLabelValues(granularity, outcome).Inc()
	m.aggregationDuration.WithLabelValues(granularity).Observe(d.Seconds())
}

// MQTTMessage counts one message for the named topic.
func (m *Metrics) MQTTMessage(topic string) {
	if m == nil {
		return
	}
	m.mqttMessagesTotal.WithLabelValues(topic).Inc()
}

// SetMQTTConnected updates the connection gauge.
func (m *Metrics) SetMQTTConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.mqttConnected.Set(1)
		return
	}
	m.mqttConnected.Set(0)
}
