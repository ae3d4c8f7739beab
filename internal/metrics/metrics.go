// Package metrics exposes Prometheus collectors for the scoring pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskguard"

type Metrics struct {
	gatherer prometheus.Gatherer

	RiskScore          prometheus.Gauge
	LevelTransitions   *prometheus.CounterVec
	SignalsIngested    *prometheus.CounterVec
	SignalsRejected    *prometheus.CounterVec
	Evaluations        prometheus.Counter
	EvaluationDuration prometheus.Histogram
	BaselineConfidence *prometheus.GaugeVec
	RateLimitDenials   *prometheus.CounterVec
	AlertOutcomes      *prometheus.CounterVec
	CaptureBreaker     prometheus.Gauge
	RetentionDeleted   *prometheus.CounterVec
}

// New registers collectors on a fresh registry that also carries the Go and
// process collectors. Use NewWithRegistry to share a registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers on reg. A nil reg gets a private registry that
// nothing scrapes.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		RiskScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Latest risk score total.",
		}),
		LevelTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_level_transitions_total",
			Help:      "Risk level changes by source and target level.",
		}, []string{"from", "to"}),
		SignalsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_ingested_total",
			Help:      "Signals accepted by type.",
		}, []string{"signal_type"}),
		SignalsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_rejected_total",
			Help:      "Signals dropped before scoring by reason.",
		}, []string{"reason"}), // invalid, duplicate, queue_full
		Evaluations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Score evaluations and decays that produced a record.",
		}),
		EvaluationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent in one evaluation pass.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		BaselineConfidence: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "baseline_confidence",
			Help:      "Confidence in [0,1] per baseline metric.",
		}, []string{"metric"}),
		RateLimitDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denials_total",
			Help:      "Requests denied by the token bucket per endpoint.",
		}, []string{"endpoint"}),
		AlertOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_dispatch_total",
			Help:      "Alert dispatch attempts by outcome.",
		}, []string{"outcome"}),
		CaptureBreaker: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_breaker_state",
			Help:      "Intruder capture circuit breaker (0=closed, 1=half-open, 2=open).",
		}),
		RetentionDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_rows_total",
			Help:      "Rows removed by retention cleanup per table.",
		}, []string{"table"}),
	}
}

// Handler serves the registry this Metrics was built on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveScore(total int, from, to string) {
	if m == nil {
		return
	}
	m.RiskScore.Set(float64(total))
	m.Evaluations.Inc()
	if from != to {
		m.LevelTransitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) ObserveEvaluation(seconds float64) {
	if m == nil {
		return
	}
	m.EvaluationDuration.Observe(seconds)
}

func (m *Metrics) SignalIngested(signalType string) {
	if m == nil {
		return
	}
	m.SignalsIngested.WithLabelValues(signalType).Inc()
}

func (m *Metrics) SignalRejected(reason string) {
	if m == nil {
		return
	}
	m.SignalsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetBaselineConfidence(metric string, confidence float64) {
	if m == nil {
		return
	}
	m.BaselineConfidence.WithLabelValues(metric).Set(confidence)
}

func (m *Metrics) RateLimited(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitDenials.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) AlertOutcome(outcome string) {
	if m == nil {
		return
	}
	m.AlertOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetCaptureBreaker(state int) {
	if m == nil {
		return
	}
	m.CaptureBreaker.Set(float64(state))
}

func (m *Metrics) RowsDeleted(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionDeleted.WithLabelValues(table).Add(float64(n))
}
