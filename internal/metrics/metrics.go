package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	Registry *prometheus.Registry

	SyncsTotal          *prometheus.CounterVec
	SyncRowsTotal       prometheus.Counter
	SyncDuration        prometheus.Histogram
	LastSuccessfulSync  prometheus.Gauge
	FetchAttemptsTotal  *prometheus.CounterVec
	PublishErrorsTotal  prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		SyncsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptorate_syncs_total",
				Help: "Sync cycles by result.",
			},
			[]string{"result"},
		),
		SyncRowsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cryptorate_sync_rows_total",
			Help: "Rate samples appended by sync cycles.",
		}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cryptorate_sync_duration_seconds",
			Help:    "Wall time of sync cycles, including the retry delay.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		LastSuccessfulSync: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cryptorate_last_successful_sync_timestamp_seconds",
			Help: "Unix time of the last sync that stored rows.",
		}),
		FetchAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptorate_provider_requests_total",
				Help: "Provider calls by outcome.",
			},
			[]string{"outcome"},
		),
		PublishErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cryptorate_publish_errors_total",
			Help: "Batches that could not be published to Kafka.",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptorate_http_requests_total",
				Help: "HTTP requests by route and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cryptorate_http_request_duration_seconds",
				Help:    "HTTP request latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// RecordSync records the outcome of one sync cycle.
func (m *Metrics) RecordSync(result string, rows int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SyncsTotal.WithLabelValues(result).Inc()
	m.SyncDuration.Observe(elapsed.Seconds())
	if rows > 0 {
		m.SyncRowsTotal.Add(float64(rows))
		m.LastSuccessfulSync.SetToCurrentTime()
	}
}

// RecordFetch counts one provider call.
func (m *Metrics) RecordFetch(outcome string) {
	if m == nil {
		return
	}
	m.FetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordPublishError counts a failed Kafka publication.
func (m *Metrics) RecordPublishError() {
	if m == nil {
		return
	}
	m.PublishErrorsTotal.Inc()
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
