// Package metrics exposes Prometheus instruments for optimisation runs and
// the collaborators they call. A nil *Collector records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collaborator names used as label values.
const (
	CollaboratorGenerate = "generate"
	CollaboratorJudge    = "judge"
	CollaboratorRevise   = "revise"
)

type Collector struct {
	runsTotal      *prometheus.CounterVec
	activeRuns     prometheus.Gauge
	iterations     *prometheus.CounterVec
	judgeScore     *prometheus.HistogramVec
	callsTotal     *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	retriesTotal   *prometheus.CounterVec
	generationCost *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers all instruments with reg. A nil reg registers with
// a private registry, which is what tests and one-shot CLI runs want.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Optimisation runs by terminal outcome",
		},
		[]string{"provider", "outcome"}, // outcome: accepted, budget_exhausted, cancelled, failed
	)

	c.activeRuns = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Optimisation runs currently in progress",
		},
	)

	c.iterations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Iterations recorded",
		},
		[]string{"provider"},
	)

	c.judgeScore = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "judge_score",
			Help:      "Judge scores of recorded iterations",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		},
		[]string{"provider"},
	)

	c.callsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_calls_total",
			Help:      "Calls to generate, judge and revise collaborators",
		},
		[]string{"collaborator", "provider", "status"},
	)

	c.callDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_duration_seconds",
			Help:      "Collaborator call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"collaborator", "provider"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_retries_total",
			Help:      "Retries of transient collaborator failures",
		},
		[]string{"collaborator", "provider"},
	)

	c.generationCost = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_cost_total",
			Help:      "Estimated image generation cost in USD",
		},
		[]string{"provider", "model"},
	)

	return c
}

func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.activeRuns.Inc()
}

func (c *Collector) RunFinished(provider, outcome string) {
	if c == nil {
		return
	}
	c.activeRuns.Dec()
	c.runsTotal.WithLabelValues(provider, outcome).Inc()
	c.logger.Debug("run finished", zap.String("provider", provider), zap.String("outcome", outcome))
}

// IterationRecorded counts an iteration; score is nil for unjudged ones.
func (c *Collector) IterationRecorded(provider string, score *int) {
	if c == nil {
		return
	}
	c.iterations.WithLabelValues(provider).Inc()
	if score != nil {
		c.judgeScore.WithLabelValues(provider).Observe(float64(*score))
	}
}

func (c *Collector) ObserveCall(collaborator, provider string, d time.Duration, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.callsTotal.WithLabelValues(collaborator, provider, status).Inc()
	c.callDuration.WithLabelValues(collaborator, provider).Observe(d.Seconds())
}

func (c *Collector) RetryAttempted(collaborator, provider string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(collaborator, provider).Inc()
}

func (c *Collector) CostRecorded(provider, model string, usd float64) {
	if c == nil {
		return
	}
	c.generationCost.WithLabelValues(provider, model).Add(usd)
}
