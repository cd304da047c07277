package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
// Every method is a no-op on a nil receiver.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	reportFetches       *prometheus.CounterVec
	reportFetchDuration prometheus.Histogram
	reportRowsSkipped   prometheus.Counter
	mapRenders          prometheus.Counter
	mapRenderDuration   prometheus.Histogram
	mapInitFailures     prometheus.Counter
	mapSessions         prometheus.Gauge
	changeNotifications prometheus.Counter
}

// New creates a fresh Metrics registry with HTTP and map pipeline metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapgo",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by map-go",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mapgo",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by map-go",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	reportFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapgo",
		Name:      "report_fetches_total",
		Help:      "Report store fetches by result (ok, empty, error, canceled)",
	}, []string{"result"})

	reportFetchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mapgo",
		Name:      "report_fetch_duration_seconds",
		Help:      "Duration of report store fetches including normalization",
		Buckets:   prometheus.DefBuckets,
	})

	reportRowsSkipped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mapgo",
		Name:      "report_rows_skipped_total",
		Help:      "Report rows dropped by coordinate validation",
	})

	mapRenders := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mapgo",
		Name:      "map_renders_total",
		Help:      "Layer render passes applied to map surfaces",
	})

	mapRenderDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mapgo",
		Name:      "map_render_duration_seconds",
		Help:      "Duration of a single layer render pass",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	mapInitFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mapgo",
		Name:      "map_init_failures_total",
		Help:      "Map surfaces that never reached the ready state",
	})

	mapSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mapgo",
		Name:      "map_sessions",
		Help:      "Currently mounted map sessions",
	})

	changeNotifications := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mapgo",
		Name:      "change_notifications_total",
		Help:      "Report store change notifications received",
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		reportFetches,
		reportFetchDuration,
		reportRowsSkipped,
		mapRenders,
		mapRenderDuration,
		mapInitFailures,
		mapSessions,
		changeNotifications,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		reportFetches:       reportFetches,
		reportFetchDuration: reportFetchDuration,
		reportRowsSkipped:   reportRowsSkipped,
		mapRenders:          mapRenders,
		mapRenderDuration:   mapRenderDuration,
		mapInitFailures:     mapInitFailures,
		mapSessions:         mapSessions,
		changeNotifications: changeNotifications,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveReportFetch records one fetch; result is "ok", "empty", "error" or
// "canceled".
func (m *Metrics) ObserveReportFetch(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.reportFetches.WithLabelValues(result).Inc()
	m.reportFetchDuration.Observe(duration.Seconds())
}

func (m *Metrics) AddReportRowsSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reportRowsSkipped.Add(float64(n))
}

func (m *Metrics) ObserveMapRender(duration time.Duration) {
	if m == nil {
		return
	}
	m.mapRenders.Inc()
	m.mapRenderDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncMapInitFailure() {
	if m == nil {
		return
	}
	m.mapInitFailures.Inc()
}

// AddMapSessions moves the mounted session gauge by delta.
func (m *Metrics) AddMapSessions(delta int) {
	if m == nil {
		return
	}
	m.mapSessions.Add(float64(delta))
}

func (m *Metrics) IncChangeNotification() {
	if m == nil {
		return
	}
	m.changeNotifications.Inc()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
