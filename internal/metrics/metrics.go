// Package metrics exposes Prometheus collectors for the pipeline, queue,
// risk monitor, and circuit breakers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "concierge"

// Metrics holds the process collectors. A nil *Metrics is valid and
// records nothing, so components can take it as an optional dependency.
type Metrics struct {
	reg *prometheus.Registry

	decisions    *prometheus.CounterVec
	commands     *prometheus.CounterVec
	retries      prometheus.Counter
	riskCases    *prometheus.CounterVec
	riskActive   prometheus.Gauge
	breakerState *prometheus.GaugeVec
	panics       *prometheus.CounterVec
}

// New creates Metrics on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := &Metrics{
		reg: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Pipeline decisions by action and reason.",
		}, []string{"action", "reason"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Command executions by type and outcome.",
		}, []string{"type", "outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_retries_total",
			Help:      "Commands rescheduled after a failed send.",
		}),
		riskCases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_cases_total",
			Help:      "Risk cases by terminal outcome.",
		}, []string{"outcome"}),
		riskActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_cases_monitored",
			Help:      "Risk cases currently under monitoring.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per scope (0 closed, 1 open, 2 half-open).",
		}, []string{"scope"}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_total",
			Help:      "Recovered panics by component.",
		}, []string{"component"}),
	}
	reg.MustRegister(m.decisions, m.commands, m.retries, m.riskCases, m.riskActive, m.breakerState, m.panics)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Decision(action, reason string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action, reason).Inc()
}

func (m *Metrics) Command(cmdType, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(cmdType, outcome).Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) RiskCase(outcome string) {
	if m == nil {
		return
	}
	m.riskCases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RiskMonitored(n int) {
	if m == nil {
		return
	}
	m.riskActive.Set(float64(n))
}

// BreakerState records a breaker's state as its numeric value.
func (m *Metrics) BreakerState(scope string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(scope).Set(float64(state))
}

func (m *Metrics) Panic(component string) {
	if m == nil {
		return
	}
	m.panics.WithLabelValues(component).Inc()
}
