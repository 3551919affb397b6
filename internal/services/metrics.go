package services

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lllllllleong/filepipelinedashboard/internal/models"
)

// Cycle outcomes recorded by pipeline_cycles_total.
const (
	outcomeStarted   = "started"
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	triggers      *prometheus.CounterVec
	gatewayErrors *prometheus.CounterVec
	debounced     prometheus.Counter
	staleResults  prometheus.Counter
	files         *prometheus.GaugeVec
	throughput    prometheus.Gauge
	cycles        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_triggers_total",
			Help: "Stage triggers issued to the gateway.",
		}, []string{"call"}),
		gatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_gateway_errors_total",
			Help: "Failed gateway calls.",
		}, []string{"call"}),
		debounced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_import_debounced_total",
			Help: "Import requests suppressed by the debounce window.",
		}),
		staleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_stale_results_total",
			Help: "Gateway results discarded because a newer fetch or session superseded them.",
		}),
		files: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_files",
			Help: "Today's files by class in the latest snapshot.",
		}, []string{"class"}),
		throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_throughput_per_minute",
			Help: "Imports per minute over the trailing hour.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_cycles_total",
			Help: "Processing cycles by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(m.triggers, m.gatewayErrors, m.debounced, m.staleResults, m.files, m.throughput, m.cycles)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeStats(stats models.DerivedStats) {
	m.files.WithLabelValues("pending").Set(float64(stats.Pending))
	m.files.WithLabelValues("downloaded").Set(float64(stats.Downloaded))
	m.files.WithLabelValues("imported").Set(float64(stats.Imported))
	m.throughput.Set(stats.Throughput)
}

func (m *Metrics) trigger(call string)      { m.triggers.WithLabelValues(call).Inc() }
func (m *Metrics) gatewayError(call string) { m.gatewayErrors.WithLabelValues(call).Inc() }
func (m *Metrics) importDebounced()         { m.debounced.Inc() }
func (m *Metrics) staleResult()             { m.staleResults.Inc() }
func (m *Metrics) cycle(outcome string)     { m.cycles.WithLabelValues(outcome).Inc() }
