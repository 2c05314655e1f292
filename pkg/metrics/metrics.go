// Package metrics exposes Prometheus metrics for placement, redirection
// and replica registration. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics tracks per-server placement and consistency metrics
type Metrics struct {
	// Resolution
	ResolveTotal   *prometheus.CounterVec
	ResolveLatency prometheus.Histogram
	VoteCalls      prometheus.Counter

	// Redirection
	RedirectTotal   *prometheus.CounterVec
	ForwardFailures prometheus.Counter
	PooledConns     prometheus.Gauge

	// Registration and updates
	RegistrationsTotal *prometheus.CounterVec
	Corrections        *prometheus.CounterVec
	Demotions          prometheus.Counter
	UpdatesTotal       *prometheus.CounterVec
}

// New creates and registers the metrics. A nil registerer uses the
// process default.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		ResolveTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_resolve_total",
			Help: "Hierarchy resolutions by operation and outcome",
		}, []string{"operation", "outcome"}),
		ResolveLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridstore_resolve_latency_seconds",
			Help:    "Hierarchy resolution latency",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		VoteCalls: f.NewCounter(prometheus.CounterOpts{
			Name: "gridstore_vote_calls_total",
			Help: "Resource plugin vote calls",
		}),
		RedirectTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_redirect_total",
			Help: "Requests by redirection decision",
		}, []string{"decision"}),
		ForwardFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "gridstore_forward_failures_total",
			Help: "Forwarded requests that failed in transport",
		}),
		PooledConns: f.NewGauge(prometheus.GaugeOpts{
			Name: "gridstore_pooled_connections",
			Help: "Open outbound server connections",
		}),
		RegistrationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_registrations_total",
			Help: "Replica registrations by outcome",
		}, []string{"outcome"}),
		Corrections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_verification_corrections_total",
			Help: "Registered replica fields corrected after physical verification",
		}, []string{"field"}),
		Demotions: f.NewCounter(prometheus.CounterOpts{
			Name: "gridstore_replica_demotions_total",
			Help: "Sibling replicas marked stale",
		}),
		UpdatesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_metadata_updates_total",
			Help: "Replica metadata updates by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObserveResolve(op, outcome string, started time.Time, votes int) {
	if m == nil {
		return
	}
	m.ResolveTotal.WithLabelValues(op, outcome).Inc()
	m.ResolveLatency.Observe(time.Since(started).Seconds())
	m.VoteCalls.Add(float64(votes))
}

func (m *Metrics) ObserveRedirect(decision string) {
	if m == nil {
		return
	}
	m.RedirectTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveForwardFailure() {
	if m == nil {
		return
	}
	m.ForwardFailures.Inc()
}

func (m *Metrics) SetPooledConns(n int) {
	if m == nil {
		return
	}
	m.PooledConns.Set(float64(n))
}

func (m *Metrics) ObserveRegistration(outcome string) {
	if m == nil {
		return
	}
	m.RegistrationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCorrection(field string) {
	if m == nil {
		return
	}
	m.Corrections.WithLabelValues(field).Inc()
}

func (m *Metrics) ObserveDemotions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Demotions.Add(float64(n))
}

func (m *Metrics) ObserveUpdate(outcome string) {
	if m == nil {
		return
	}
	m.UpdatesTotal.WithLabelValues(outcome).Inc()
}

// RegisterHandlers mounts /metrics and the liveness endpoints on mux.
func RegisterHandlers(mux *http.ServeMux, gatherer prometheus.Gatherer, logger *zap.Logger) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Debug("Failed to write liveness response", zap.Error(err))
		}
	})
}
