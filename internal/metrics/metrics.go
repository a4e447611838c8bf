// Package metrics provides Prometheus metrics collection for rulegraph.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/rulegraph/internal/engine"
)

// Collector holds all Prometheus metrics for rulegraph. It implements
// engine.Metrics.
type Collector struct {
	registry *prometheus.Registry

	// Firing metrics
	FiringsTotal   *prometheus.CounterVec
	FiringDuration *prometheus.HistogramVec
	ActionDuration *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec

	// Rule metrics
	RulesInstalled   prometheus.Gauge
	SubmissionsTotal *prometheus.CounterVec

	// Reload metrics
	Reloads      prometheus.Counter
	ReloadErrors prometheus.Counter
}

var _ engine.Metrics = (*Collector)(nil)

// New creates a collector on a fresh private registry, so several engines
// (and tests) never collide on the global one.
func New() *Collector {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates a collector registering into reg.
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)
	return &Collector{
		registry: reg,

		FiringsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rulegraph",
				Name:      "firings_total",
				Help:      "Total number of finished firings by outcome",
			},
			[]string{"rule", "outcome"},
		),
		FiringDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rulegraph",
				Name:      "firing_duration_seconds",
				Help:      "Firing duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"rule"},
		),
		ActionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rulegraph",
				Name:      "action_duration_seconds",
				Help:      "Action invocation duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"rule", "module"},
		),
		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "rulegraph",
				Name:      "queue_depth",
				Help:      "Pending firings per rule",
			},
			[]string{"rule"},
		),

		RulesInstalled: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rulegraph",
				Name:      "rules_installed",
				Help:      "Number of installed rules",
			},
		),
		SubmissionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rulegraph",
				Name:      "submissions_total",
				Help:      "Rule submissions by result",
			},
			[]string{"result"},
		),

		Reloads: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rulegraph",
				Name:      "definition_reloads_total",
				Help:      "Total number of definition reloads",
			},
		),
		ReloadErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rulegraph",
				Name:      "definition_reload_errors_total",
				Help:      "Total number of failed definition reloads",
			},
		),
	}
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveFiring implements engine.Metrics.
func (c *Collector) ObserveFiring(ruleID string, outcome engine.Outcome, d time.Duration) {
	c.FiringsTotal.WithLabelValues(ruleID, string(outcome)).Inc()
	c.FiringDuration.WithLabelValues(ruleID).Observe(d.Seconds())
}

// ObserveAction implements engine.Metrics.
func (c *Collector) ObserveAction(ruleID, moduleID string, d time.Duration) {
	c.ActionDuration.WithLabelValues(ruleID, moduleID).Observe(d.Seconds())
}

// SetQueueDepth implements engine.Metrics.
func (c *Collector) SetQueueDepth(ruleID string, n int) {
	c.QueueDepth.WithLabelValues(ruleID).Set(float64(n))
}

// DeleteRule drops the per-rule series of a retracted rule.
func (c *Collector) DeleteRule(ruleID string) {
	match := prometheus.Labels{"rule": ruleID}
	c.FiringsTotal.DeletePartialMatch(match)
	c.FiringDuration.DeletePartialMatch(match)
	c.ActionDuration.DeletePartialMatch(match)
	c.QueueDepth.DeletePartialMatch(match)
}

// SetRulesInstalled implements engine.Metrics.
func (c *Collector) SetRulesInstalled(n int) {
	c.RulesInstalled.Set(float64(n))
}

// CountSubmission implements engine.Metrics.
func (c *Collector) CountSubmission(result string) {
	c.SubmissionsTotal.WithLabelValues(result).Inc()
}

// ObserveReload counts a definition reload.
func (c *Collector) ObserveReload(err error) {
	c.Reloads.Inc()
	if err != nil {
		c.ReloadErrors.Inc()
	}
}
