// Package metrics exposes prometheus collectors for connection and tool
// execution activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	MetricsNamespace            = "mcpchat"
	MetricsSubsystemConnections = "connections"
	MetricsSubsystemTools       = "tools"
	MetricsSubsystemCatalog     = "catalog"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

type Metrics interface {
	GetRegistry() *prometheus.Registry

	SetConnectionState(serverID, state string)
	ObserveConnectAttempt(serverID string, err error)
	ObserveConnectDuration(serverID string, elapsed time.Duration)

	ObserveToolCall(serverID, outcome string, elapsed time.Duration)

	ObserveRefresh(kind string, err error, elapsed time.Duration)
	SetCatalogSize(tools int)
}

type metrics struct {
	registry *prometheus.Registry

	connectionState *prometheus.GaugeVec
	connectAttempts *prometheus.CounterVec
	connectTime     *prometheus.HistogramVec
	toolCalls       *prometheus.CounterVec
	toolCallTime    *prometheus.HistogramVec
	refreshesTotal  *prometheus.CounterVec
	refreshTime     *prometheus.HistogramVec
	catalogTools    prometheus.Gauge
}

// NewMetrics creates a collector set backed by its own registry.
func NewMetrics() Metrics {
	m := &metrics{}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: MetricsNamespace}))
	m.registry.MustRegister(collectors.NewGoCollector())

	m.connectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemConnections,
		Name:      "state",
		Help:      "Current connection state per server; the active state is 1.",
	}, []string{"server", "state"})
	m.registry.MustRegister(m.connectionState)

	m.connectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemConnections,
		Name:      "attempts_total",
		Help:      "The total number of connection attempts.",
	}, []string{"server", "outcome"})
	m.registry.MustRegister(m.connectAttempts)

	m.connectTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemConnections,
		Name:      "connect_seconds",
		Help:      "Time to establish an initialized session.",
	}, []string{"server"})
	m.registry.MustRegister(m.connectTime)

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemTools,
		Name:      "calls_total",
		Help:      "The total number of tool calls by outcome.",
	}, []string{"server", "outcome"})
	m.registry.MustRegister(m.toolCalls)

	m.toolCallTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemTools,
		Name:      "call_seconds",
		Help:      "Time to execute a tool call.",
	}, []string{"server"})
	m.registry.MustRegister(m.toolCallTime)

	m.refreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemCatalog,
		Name:      "refreshes_total",
		Help:      "The total number of tool mapping refreshes.",
	}, []string{"kind", "outcome"})
	m.registry.MustRegister(m.refreshesTotal)

	m.refreshTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemCatalog,
		Name:      "refresh_seconds",
		Help:      "Time to rebuild the tool mapping.",
	}, []string{"kind"})
	m.registry.MustRegister(m.refreshTime)

	m.catalogTools = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemCatalog,
		Name:      "tools",
		Help:      "Number of tools in the current catalog.",
	})
	m.registry.MustRegister(m.catalogTools)

	return m
}

func (m *metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

func (m *metrics) SetConnectionState(serverID, state string) {
	m.connectionState.DeletePartialMatch(prometheus.Labels{"server": serverID})
	m.connectionState.With(prometheus.Labels{"server": serverID, "state": state}).Set(1)
}

func (m *metrics) ObserveConnectAttempt(serverID string, err error) {
	m.connectAttempts.With(prometheus.Labels{"server": serverID, "outcome": outcome(err)}).Inc()
}

func (m *metrics) ObserveConnectDuration(serverID string, elapsed time.Duration) {
	m.connectTime.With(prometheus.Labels{"server": serverID}).Observe(elapsed.Seconds())
}

func (m *metrics) ObserveToolCall(serverID, result string, elapsed time.Duration) {
	m.toolCalls.With(prometheus.Labels{"server": serverID, "outcome": result}).Inc()
	m.toolCallTime.With(prometheus.Labels{"server": serverID}).Observe(elapsed.Seconds())
}

func (m *metrics) ObserveRefresh(kind string, err error, elapsed time.Duration) {
	m.refreshesTotal.With(prometheus.Labels{"kind": kind, "outcome": outcome(err)}).Inc()
	m.refreshTime.With(prometheus.Labels{"kind": kind}).Observe(elapsed.Seconds())
}

func (m *metrics) SetCatalogSize(tools int) {
	m.catalogTools.Set(float64(tools))
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
