package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/studiocdz/collaborative-editor/internal/domain"
)

// Metrics defines the Prometheus metrics exported by the server. It also
// records session activity for the websocket layer.
type Metrics struct {
	registry *prometheus.Registry

	requestCount       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	eventsAppended     *prometheus.CounterVec
	submitsRejected    *prometheus.CounterVec
	slowConsumers      prometheus.Counter
	participantsOnline *prometheus.GaugeVec
	uploadBytes        prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "collab",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "session_events_total",
			Help:      "Events appended to session logs by kind.",
		}, []string{"kind"}),
		submitsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "session_rejections_total",
			Help:      "Rejected submissions by reason code.",
		}, []string{"code"}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "session_slow_consumers_total",
			Help:      "Connections dropped because their outbound queue was full.",
		}),
		participantsOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "session_participants_online",
			Help:      "Online participants per session.",
		}, []string{"session"}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "collab",
			Name:      "upload_size_bytes",
			Help:      "Size of accepted uploads.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestCount,
		m.requestDuration,
		m.eventsAppended,
		m.submitsRejected,
		m.slowConsumers,
		m.participantsOnline,
		m.uploadBytes,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.requestCount.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveUpload(size int64) {
	m.uploadBytes.Observe(float64(size))
}

func (m *Metrics) EventAppended(kind domain.EventKind) {
	m.eventsAppended.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) SubmitRejected(code string) {
	m.submitsRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) SlowConsumerDropped() {
	m.slowConsumers.Inc()
}

func (m *Metrics) ParticipantsOnline(sessionID string, n int) {
	m.participantsOnline.WithLabelValues(sessionID).Set(float64(n))
}
