package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache lookup results reported by Metrics.
const (
	cacheHit         = "hit"
	cacheMiss        = "miss"
	cacheStale       = "stale"
	cacheDegraded    = "degraded"
	cacheUncacheable = "uncacheable"
)

// Metrics holds the engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	StepOutcomes     *prometheus.CounterVec
	StepAttempts     *prometheus.CounterVec
	StepRetries      *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	CacheWriteErrors *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
}

// NewMetrics registers the engine collectors on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StepOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "animus",
				Subsystem: "pipeline",
				Name:      "step_outcomes_total",
				Help:      "Terminal step outcomes by pipeline and state.",
			},
			[]string{"pipeline", "state"},
		),
		StepAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "animus",
				Subsystem: "pipeline",
				Name:      "step_attempts_total",
				Help:      "Step function invocations.",
			},
			[]string{"pipeline", "step"},
		),
		StepRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "animus",
				Subsystem: "pipeline",
				Name:      "step_retries_total",
				Help:      "Attempts scheduled after a failed attempt.",
			},
			[]string{"pipeline", "step"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "animus",
				Subsystem: "pipeline",
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by result.",
			},
			[]string{"pipeline", "result"},
		),
		CacheWriteErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "animus",
				Subsystem: "pipeline",
				Name:      "cache_write_errors_total",
				Help:      "Cache entries that could not be written.",
			},
			[]string{"pipeline"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "animus",
				Subsystem: "pipeline",
				Name:      "step_duration_seconds",
				Help:      "Wall time of a step from cache check to terminal state.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"pipeline", "state"},
		),
	}
}

func (m *Metrics) outcome(pipeline, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StepOutcomes.WithLabelValues(pipeline, state).Inc()
	m.StepDuration.WithLabelValues(pipeline, state).Observe(elapsed.Seconds())
}

func (m *Metrics) attempt(pipeline, step string) {
	if m == nil {
		return
	}
	m.StepAttempts.WithLabelValues(pipeline, step).Inc()
}

func (m *Metrics) retry(pipeline, step string) {
	if m == nil {
		return
	}
	m.StepRetries.WithLabelValues(pipeline, step).Inc()
}

func (m *Metrics) cacheLookup(pipeline, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(pipeline, result).Inc()
}

func (m *Metrics) cacheWriteError(pipeline string) {
	if m == nil {
		return
	}
	m.CacheWriteErrors.WithLabelValues(pipeline).Inc()
}
