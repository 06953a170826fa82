// Package metrics exposes Prometheus instruments for the admission pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"imagegen/internal/domain"
	"imagegen/internal/queue"
)

// Metrics groups every instrument the service records. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	queuePending      *prometheus.GaugeVec
	queueProcessing   *prometheus.GaugeVec
	attempts          *prometheus.CounterVec
	results           *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	enhanceFallbacks  *prometheus.CounterVec
	rateLimited       prometheus.Counter
	rateLimiterErrors prometheus.Counter
}

// New registers the instruments with reg. Passing nil uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		queuePending: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imagegen_queue_pending",
			Help: "Pending requests per backend queue",
		}, []string{"backend"}),
		queueProcessing: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imagegen_queue_processing",
			Help: "1 when the backend slot is held",
		}, []string{"backend"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imagegen_generation_attempts_total",
			Help: "Backend HTTP attempts by outcome",
		}, []string{"backend", "outcome"}),
		results: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imagegen_generation_results_total",
			Help: "Requests reaching a terminal status",
		}, []string{"backend", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagegen_generation_duration_seconds",
			Help:    "Admission to terminal status latency",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 11), // 0.5s to ~8.5m
		}, []string{"backend"}),
		enhanceFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imagegen_enhancement_fallbacks_total",
			Help: "Enhancements that fell back to the original prompt",
		}, []string{"reason"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "imagegen_rate_limited_total",
			Help: "Submissions rejected by the caller rate limiter",
		}),
		rateLimiterErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "imagegen_rate_limiter_errors_total",
			Help: "Limiter backend failures that let a request through",
		}),
	}
}

var _ queue.Observer = (*Metrics)(nil)

// QueueChanged mirrors queue state into the gauges.
func (m *Metrics) QueueChanged(s queue.BackendStats) {
	if m == nil {
		return
	}
	b := s.Backend.String()
	m.queuePending.WithLabelValues(b).Set(float64(s.Pending))
	processing := 0.0
	if s.Processing {
		processing = 1
	}
	m.queueProcessing.WithLabelValues(b).Set(processing)
}

// Attempt counts one backend call. outcome is "success" or an error kind.
func (m *Metrics) Attempt(backend domain.Backend, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(backend.String(), outcome).Inc()
}

// Result records a terminal request.
func (m *Metrics) Result(backend domain.Backend, status domain.Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(backend.String(), string(status)).Inc()
	m.duration.WithLabelValues(backend.String()).Observe(elapsed.Seconds())
}

// EnhanceFallback counts enhancement fallbacks by reason.
func (m *Metrics) EnhanceFallback(reason string) {
	if m == nil {
		return
	}
	m.enhanceFallbacks.WithLabelValues(reason).Inc()
}

// RateLimited counts one rejected submission.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// RateLimiterError counts a limiter failure that failed open.
func (m *Metrics) RateLimiterError() {
	if m == nil {
		return
	}
	m.rateLimiterErrors.Inc()
}
