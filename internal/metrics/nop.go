// Package metrics provides MetricsCollector implementations for the
// pullstream library.
package metrics

import "github.com/arloliu/pullstream/types"

// NopMetrics is a no-op metrics collector that discards all measurements.
//
// Used as the default when no collector is injected, and embedded by partial
// implementations to satisfy the full interface.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Returns:
//   - *NopMetrics: Collector that performs no operations
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// RecordStreamTransition discards the measurement.
func (n *NopMetrics) RecordStreamTransition(_, _ types.StreamState) {}

// RecordStreamReconnect discards the measurement.
func (n *NopMetrics) RecordStreamReconnect(_ int) {}

// RecordBatchReceived discards the measurement.
func (n *NopMetrics) RecordBatchReceived(_ int, _ int64) {}

// RecordAckCall discards the measurement.
func (n *NopMetrics) RecordAckCall(_ string, _ bool) {}

// RecordAckRetry discards the measurement.
func (n *NopMetrics) RecordAckRetry(_ string) {}

// RecordLeaseCount discards the measurement.
func (n *NopMetrics) RecordLeaseCount(_ int) {}

// RecordLeaseExtension discards the measurement.
func (n *NopMetrics) RecordLeaseExtension(_ int, _ float64) {}

// RecordLeaseExpired discards the measurement.
func (n *NopMetrics) RecordLeaseExpired(_ int) {}

// RecordFlowPaused discards the measurement.
func (n *NopMetrics) RecordFlowPaused() {}

// RecordFlowResumed discards the measurement.
func (n *NopMetrics) RecordFlowResumed() {}

// RecordOverflowNack discards the measurement.
func (n *NopMetrics) RecordOverflowNack(_ int) {}

// RecordDispatch discards the measurement.
func (n *NopMetrics) RecordDispatch() {}

// RecordQueueDepth discards the measurement.
func (n *NopMetrics) RecordQueueDepth(_ int) {}

// RecordSessionTransition discards the measurement.
func (n *NopMetrics) RecordSessionTransition(_, _ types.SessionState) {}

// RecordShutdown discards the measurement.
func (n *NopMetrics) RecordShutdown(_ string) {}
