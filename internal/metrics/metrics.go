// Package metrics provides Prometheus metrics for the tutoring service.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/edututor/internal/store"
	"github.com/ashureev/edututor/internal/tutor"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Language model metrics
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec

	// Session lifecycle metrics
	EventsTotal          *prometheus.CounterVec
	SummaryUpdatesTotal  *prometheus.CounterVec
	SessionsEndedByCause *prometheus.CounterVec

	// Store gauges, refreshed periodically
	ProfilesTotal  prometheus.Gauge
	SessionsActive prometheus.Gauge
	MessagesTotal  prometheus.Gauge
}

// New creates the metrics on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers all metrics on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.HTTPRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edututor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edututor_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.LLMRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edututor_llm_requests_total",
			Help: "Total number of language model calls",
		},
		[]string{"provider", "status"},
	)

	m.LLMRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edututor_llm_request_duration_seconds",
			Help:    "Duration of language model calls in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"provider"},
	)

	m.EventsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edututor_session_events_total",
			Help: "Total number of session lifecycle events",
		},
		[]string{"type"},
	)

	m.SummaryUpdatesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edututor_summary_updates_total",
			Help: "Cumulative summary outcomes by status",
		},
		[]string{"status"},
	)

	m.SessionsEndedByCause = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edututor_sessions_ended_total",
			Help: "Sessions ended, by cause",
		},
		[]string{"reason"},
	)

	m.ProfilesTotal = f.NewGauge(prometheus.GaugeOpts{
		Name: "edututor_profiles",
		Help: "Number of stored profiles",
	})
	m.SessionsActive = f.NewGauge(prometheus.GaugeOpts{
		Name: "edututor_sessions_active",
		Help: "Number of active sessions",
	})
	m.MessagesTotal = f.NewGauge(prometheus.GaugeOpts{
		Name: "edututor_messages",
		Help: "Number of stored messages",
	})

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by chi route pattern,
// so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// ObserveLLM matches gateway.ObserveFunc.
func (m *Metrics) ObserveLLM(provider string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// Observe counts lifecycle events. It implements tutor.Observer.
func (m *Metrics) Observe(e tutor.Event) {
	m.EventsTotal.WithLabelValues(string(e.Kind)).Inc()
	if e.Kind == tutor.EventSessionEnded {
		m.SummaryUpdatesTotal.WithLabelValues(e.SummaryStatus).Inc()
		m.SessionsEndedByCause.WithLabelValues(e.Reason).Inc()
	}
}

// UpdateStoreStats sets the store gauges.
func (m *Metrics) UpdateStoreStats(s *store.Stats) {
	m.ProfilesTotal.Set(float64(s.Profiles))
	m.SessionsActive.Set(float64(s.ActiveSessions))
	m.MessagesTotal.Set(float64(s.Messages))
}

// StartStatsRefresher periodically copies store counts into the gauges.
func (m *Metrics) StartStatsRefresher(ctx context.Context, repo store.Repository, interval time.Duration) {
	refresh := func() {
		stats, err := repo.Stats(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("Failed to refresh store metrics", "error", err)
			}
			return
		}
		m.UpdateStoreStats(stats)
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		refresh()
		for {
			select {
			case <-ticker.C:
				refresh()
			case <-ctx.Done():
				return
			}
		}
	}()
}
