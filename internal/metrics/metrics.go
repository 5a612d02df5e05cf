// Package metrics exposes Prometheus metrics for passes, the catalog, the
// fetcher, and the dashboard API. All recording methods are safe to call on a
// nil *Metrics.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
)

const namespace = "retrohd"

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	passRuns       *prometheus.CounterVec
	passDuration   *prometheus.HistogramVec
	assetsTotal    *prometheus.CounterVec
	assetsInFlight prometheus.Gauge

	catalogPersist *prometheus.CounterVec
	catalogEntries prometheus.Gauge

	fetchTotal    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	circuitState  *prometheus.GaugeVec

	httpTotal    *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		passRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pass", Name: "runs_total",
			Help: "Completed passes by agent and status.",
		}, []string{"agent", "status"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pass", Name: "duration_seconds",
			Help:    "Pass duration in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"agent"}),
		assetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pass", Name: "assets_total",
			Help: "Assets handled by passes, by outcome.",
		}, []string{"agent", "outcome"}),
		assetsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pass", Name: "assets_in_flight",
			Help: "Assets currently being processed.",
		}),
		catalogPersist: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "catalog", Name: "persist_total",
			Help: "Catalog persist attempts by status.",
		}, []string{"status"}),
		catalogEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "catalog", Name: "entries",
			Help: "Entries in the catalog at the last persist.",
		}),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "requests_total",
			Help: "HTTP fetches by host and status (0 for transport errors).",
		}, []string{"host", "status"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "duration_seconds",
			Help:    "HTTP fetch duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"host"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "circuit_state",
			Help: "Circuit breaker state per name (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),
		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Dashboard API requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Dashboard API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.passRuns, m.passDuration, m.assetsTotal, m.assetsInFlight,
		m.catalogPersist, m.catalogEntries,
		m.fetchTotal, m.fetchDuration, m.circuitState,
		m.httpTotal, m.httpDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePass records a finished pass.
func (m *Metrics) ObservePass(agent, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.passRuns.WithLabelValues(agent, status).Inc()
	m.passDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// AssetStarted marks one asset as in flight.
func (m *Metrics) AssetStarted() {
	if m == nil {
		return
	}
	m.assetsInFlight.Inc()
}

// AssetDone marks an asset started with AssetStarted as finished.
func (m *Metrics) AssetDone() {
	if m == nil {
		return
	}
	m.assetsInFlight.Dec()
}

// ObserveAsset counts an asset outcome ("succeeded", "failed", "skipped").
func (m *Metrics) ObserveAsset(agent, outcome string) {
	if m == nil {
		return
	}
	m.assetsTotal.WithLabelValues(agent, outcome).Inc()
}

// ObservePersist records a catalog persist attempt.
func (m *Metrics) ObservePersist(entries int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.catalogPersist.WithLabelValues("error").Inc()
		return
	}
	m.catalogPersist.WithLabelValues("ok").Inc()
	m.catalogEntries.Set(float64(entries))
}

// ObserveFetch records one HTTP round trip.
func (m *Metrics) ObserveFetch(host string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(host, strconv.Itoa(status)).Inc()
	m.fetchDuration.WithLabelValues(host).Observe(d.Seconds())
}

// SetCircuitState records a breaker's state as its numeric value.
func (m *Metrics) SetCircuitState(name string, state int) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(name).Set(float64(state))
}

// Middleware records request counts and latency labelled by chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.httpTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, eris.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
