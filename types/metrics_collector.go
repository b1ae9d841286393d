package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods are called from internal goroutines and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces for better modularity.
type MetricsCollector interface {
	StreamMetrics
	LeaseMetrics
	FlowMetrics
	DispatchMetrics
	SessionMetrics
}

// StreamMetrics defines metrics for the pull stream and its unary calls.
type StreamMetrics interface {
	// RecordStreamTransition records a stream state transition event.
	RecordStreamTransition(from, to StreamState)

	// RecordStreamReconnect records a completed reconnect cycle.
	//
	// Parameters:
	//   - attempts: Number of connect attempts the cycle took
	RecordStreamReconnect(attempts int)

	// RecordBatchReceived records a message batch surfaced by the stream.
	//
	// Parameters:
	//   - messages: Number of messages in the batch
	//   - bytes: Total flow-control size of the batch
	RecordBatchReceived(messages int, bytes int64)

	// RecordAckCall records a unary acknowledge/modify call completion.
	//
	// Parameters:
	//   - op: Operation type ("ack", "nack", "extend")
	//   - success: true if the wire call succeeded
	RecordAckCall(op string, success bool)

	// RecordAckRetry records a per-message retry in exactly-once mode.
	RecordAckRetry(op string)
}

// LeaseMetrics defines metrics for lease tracking and refresh.
type LeaseMetrics interface {
	// RecordLeaseCount sets the current number of tracked leases (gauge metric).
	RecordLeaseCount(count int)

	// RecordLeaseExtension records a bulk lease-extension call.
	//
	// Parameters:
	//   - messages: Number of ack ids extended
	//   - seconds: Extension applied, in seconds
	RecordLeaseExtension(messages int, seconds float64)

	// RecordLeaseExpired records messages dropped from refresh because their
	// handling deadline was reached.
	RecordLeaseExpired(count int)
}

// FlowMetrics defines metrics for flow-control admission.
type FlowMetrics interface {
	// RecordFlowPaused records intake pausing at the high watermark.
	RecordFlowPaused()

	// RecordFlowResumed records intake resuming at the low watermark.
	RecordFlowResumed()

	// RecordOverflowNack records messages nacked on arrival because the
	// pipeline was already at capacity.
	RecordOverflowNack(count int)
}

// DispatchMetrics defines metrics for the dispatch queue.
type DispatchMetrics interface {
	// RecordDispatch records one message handed to the application handler.
	RecordDispatch()

	// RecordQueueDepth sets the current dispatch queue depth (gauge metric).
	RecordQueueDepth(depth int)
}

// SessionMetrics defines metrics for session-level lifecycle events.
type SessionMetrics interface {
	// RecordSessionTransition records a session state transition event.
	RecordSessionTransition(from, to SessionState)

	// RecordShutdown records the shutdown trigger.
	//
	// Parameters:
	//   - reason: Shutdown reason ("application", "executor", "stream-error")
	RecordShutdown(reason string)
}
