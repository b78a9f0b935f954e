package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NoopMetrics is a no-operation implementation of the Metrics interface.
type NoopMetrics struct{}

// GetRegistry returns a new empty registry.
func (NoopMetrics) GetRegistry() *prometheus.Registry { return prometheus.NewRegistry() }

func (NoopMetrics) SetConnectionState(string, string) {}
func (NoopMetrics) ObserveConnectAttempt(string, error) {}
func (NoopMetrics) ObserveConnectDuration(string, time.Duration) {}
func (NoopMetrics) ObserveToolCall(string, string, time.Duration) {}
func (NoopMetrics) ObserveRefresh(string, error, time.Duration) {}
func (NoopMetrics) SetCatalogSize(int) {}
