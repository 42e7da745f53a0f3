package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the control loops. A fresh registry per engine keeps
// tests from tripping duplicate registration.
type Metrics struct {
	ProbesTotal      *prometheus.CounterVec
	ProbeDuration    prometheus.Histogram
	PriceSamples     *prometheus.CounterVec
	PriceSampleFails *prometheus.CounterVec
	ActionsTotal     *prometheus.CounterVec
	ActionDuration   prometheus.Histogram
	TickDuration     *prometheus.HistogramVec
	AlertsEmitted    *prometheus.CounterVec
	RestartsExecuted prometheus.Counter
	CircuitBreaks    prometheus.Counter
}

// NewMetrics registers the engine metric set on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ProbesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpufleet_health_probes_total",
			Help: "Health probes by outcome",
		}, []string{"status"}),
		ProbeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpufleet_health_probe_duration_seconds",
			Help:    "Duration of individual health probes",
			Buckets: prometheus.DefBuckets,
		}),
		PriceSamples: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpufleet_price_samples_total",
			Help: "Price samples recorded per provider",
		}, []string{"provider"}),
		PriceSampleFails: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpufleet_price_sample_failures_total",
			Help: "Failed price queries per provider",
		}, []string{"provider"}),
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpufleet_actions_total",
			Help: "Executed automation actions by type and outcome",
		}, []string{"action", "status"}),
		ActionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpufleet_action_duration_seconds",
			Help:    "Duration of provider action calls including retries",
			Buckets: prometheus.DefBuckets,
		}),
		TickDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gpufleet_tick_duration_seconds",
			Help:    "Duration of each control loop tick",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),
		AlertsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpufleet_alerts_emitted_total",
			Help: "Notifier events emitted by kind",
		}, []string{"kind"}),
		RestartsExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gpufleet_restarts_executed_total",
			Help: "Automatic restarts that reached the provider",
		}),
		CircuitBreaks: factory.NewCounter(prometheus.CounterOpts{
			Name: "gpufleet_circuit_breaks_total",
			Help: "Deployments forced to error after exhausting restart retries",
		}),
	}
}
