package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/pullstream/types"
)

func TestNopMetrics_ImplementsInterface(t *testing.T) {
	var _ types.MetricsCollector = NewNop()
}

func TestNopMetrics_NoPanic(t *testing.T) {
	m := NewNop()
	m.RecordStreamTransition(types.StreamNull, types.StreamActive)
	m.RecordStreamReconnect(2)
	m.RecordBatchReceived(5, 100)
	m.RecordAckCall("ack", true)
	m.RecordAckRetry("ack")
	m.RecordLeaseCount(3)
	m.RecordLeaseExtension(3, 30)
	m.RecordLeaseExpired(1)
	m.RecordFlowPaused()
	m.RecordFlowResumed()
	m.RecordOverflowNack(2)
	m.RecordDispatch()
	m.RecordQueueDepth(4)
	m.RecordSessionTransition(types.SessionNotStarted, types.SessionCompleted)
	m.RecordShutdown("application")
}

func TestPrometheusCollector_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg, "test")

	m.RecordBatchReceived(3, 42)
	m.RecordAckCall("ack", true)
	m.RecordAckCall("nack", false)
	m.RecordLeaseExtension(3, 15)
	m.RecordFlowPaused()
	m.RecordShutdown("executor")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["test_stream_messages_received_total"])
	assert.True(t, names["test_stream_ack_calls_total"])
	assert.True(t, names["test_lease_extension_seconds"])
	assert.True(t, names["test_flow_pauses_total"])
	assert.True(t, names["test_session_shutdowns_total"])
}

func TestPrometheusCollector_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPrometheus(reg, "dup")
	b := NewPrometheus(reg, "dup")

	// Second collector registering the same metric names must not panic.
	a.RecordDispatch()
	b.RecordDispatch()
}
