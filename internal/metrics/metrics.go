// Package metrics collects and exposes Prometheus metrics for generation runs
// and the history archive.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/echoes/internal/echo"
)

// Collector records provider call outcomes and history activity.
// It satisfies pipeline.Recorder and narration.Recorder.
type Collector struct {
	phaseLatency   *prometheus.HistogramVec
	phaseFailures  *prometheus.CounterVec
	superseded     prometheus.Counter
	historySaves   *prometheus.CounterVec
	historyEntries prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		phaseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "echoes_phase_duration_seconds",
			Help:    "Provider call latency per generation phase.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}, []string{"phase", "outcome"}),
		phaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "echoes_phase_failures_total",
			Help: "Failed provider calls by phase, error kind and cause.",
		}, []string{"phase", "kind", "cause"}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "echoes_runs_superseded_total",
			Help: "Provider results discarded because their run was reset or replaced.",
		}),
		historySaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "echoes_history_saves_total",
			Help: "History save attempts by outcome.",
		}, []string{"outcome"}),
		historyEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "echoes_history_entries",
			Help: "Entries currently in the history index.",
		}),
	}

	reg.MustRegister(
		c.phaseLatency,
		c.phaseFailures,
		c.superseded,
		c.historySaves,
		c.historyEntries,
	)
	return c
}

// ObservePhase records one provider call.
func (c *Collector) ObservePhase(phase string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		kind, cause := "unknown", "provider"
		var e *echo.Error
		if errors.As(err, &e) {
			kind, cause = string(e.Kind), string(e.Cause)
		} else if errors.Is(err, context.DeadlineExceeded) {
			cause = string(echo.CauseTimeout)
		}
		c.phaseFailures.WithLabelValues(phase, kind, cause).Inc()
	}
	c.phaseLatency.WithLabelValues(phase, outcome).Observe(elapsed.Seconds())
}

// RecordSuperseded counts a discarded late result.
func (c *Collector) RecordSuperseded() {
	c.superseded.Inc()
}

// RecordHistorySave counts a save attempt.
func (c *Collector) RecordHistorySave(err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, echo.ErrStorageQuotaExceeded):
		outcome = "quota_exceeded"
	default:
		outcome = "error"
	}
	c.historySaves.WithLabelValues(outcome).Inc()
}

// SetHistoryEntries records the current index size.
func (c *Collector) SetHistoryEntries(n int) {
	c.historyEntries.Set(float64(n))
}

// Handler returns the HTTP handler for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
