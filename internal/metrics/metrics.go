// Package metrics provides Prometheus instrumentation for the segment worker.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only audience metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// Metrics holds all Prometheus collectors and implements segmentation.Observer.
type Metrics struct {
	Registry *prometheus.Registry

	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	SharedEvaluations  prometheus.Counter
	RefreshesScheduled prometheus.Counter
	QueueDepthGauge    prometheus.Gauge
}

// New creates and registers all audience metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audience_segment_evaluations_total",
			Help: "Total number of segment evaluations by type and outcome.",
		}, []string{"type", "result"}),

		EvaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audience_segment_evaluation_duration_seconds",
			Help:    "Segment evaluation latency in seconds.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"type"}),

		SharedEvaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audience_segment_shared_evaluations_total",
			Help: "Total number of callers that joined an evaluation already in flight.",
		}),

		RefreshesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audience_segment_refresh_scheduled_total",
			Help: "Total number of stale segments queued for re-evaluation.",
		}),

		QueueDepthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audience_segment_queue_depth",
			Help: "Number of scheduled evaluations waiting for a worker.",
		}),
	}

	reg.MustRegister(
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.SharedEvaluations,
		m.RefreshesScheduled,
		m.QueueDepthGauge,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EvaluationFinished(segType domain.SegmentType, d time.Duration, err error) {
	typ := string(segType)
	if typ == "" {
		typ = "unknown"
	}
	m.EvaluationsTotal.WithLabelValues(typ, resultLabel(err)).Inc()
	if err == nil {
		m.EvaluationDuration.WithLabelValues(typ).Observe(d.Seconds())
	}
}

func (m *Metrics) EvaluationShared() { m.SharedEvaluations.Inc() }

func (m *Metrics) RefreshScheduled(n int) { m.RefreshesScheduled.Add(float64(n)) }

func (m *Metrics) QueueDepth(n int) { m.QueueDepthGauge.Set(float64(n)) }

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, segmentation.ErrInvalidCriterion), errors.Is(err, segmentation.ErrInvalidDefinition):
		return "invalid"
	case errors.Is(err, segmentation.ErrSegmentNotFound):
		return "not_found"
	case errors.Is(err, segmentation.ErrCyclicComposite):
		return "cyclic"
	case errors.Is(err, segmentation.ErrStoreUnavailable), errors.Is(err, segmentation.ErrSourceUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}
