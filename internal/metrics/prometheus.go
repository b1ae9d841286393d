package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/pullstream/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	streamTransitions *prometheus.CounterVec
	streamReconnects  prometheus.Counter
	reconnectAttempts prometheus.Histogram
	batchesReceived   prometheus.Counter
	messagesReceived  prometheus.Counter
	bytesReceived     prometheus.Counter
	ackCalls          *prometheus.CounterVec
	ackRetries        *prometheus.CounterVec

	leaseCount      prometheus.Gauge
	leaseExtensions prometheus.Counter
	leaseExtSeconds prometheus.Histogram
	leaseExpired    prometheus.Counter

	flowPauses    prometheus.Counter
	flowResumes   prometheus.Counter
	overflowNacks prometheus.Counter

	dispatches prometheus.Counter
	queueDepth prometheus.Gauge

	sessionTransitions *prometheus.CounterVec
	shutdowns          *prometheus.CounterVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "pullstream" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "pullstream"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.streamTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "stream",
			Name:      "transitions_total",
			Help:      "Total stream state transitions by source and target state.",
		}, []string{"from", "to"})

		p.streamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Total completed stream reconnect cycles.",
		})

		p.reconnectAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "stream",
			Name:      "reconnect_attempts",
			Help:      "Connect attempts taken per reconnect cycle.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		})

		p.batchesReceived = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "stream",
			Name:      "batches_received_total",
			Help:      "Total message batches read from the pull stream.",
		})

		p.messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "stream",
			Name:      "messages_received_total",
			Help:      "Total messages read from the pull stream.",
		})

		p.bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "stream",
			Name:      "bytes_received_total",
			Help:      "Total flow-control bytes read from the pull stream.",
		})

		p.ackCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "stream",
			Name:      "ack_calls_total",
			Help:      "Total unary acknowledge/modify calls by operation and result.",
		}, []string{"op", "result"})

		p.ackRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "stream",
			Name:      "ack_retries_total",
			Help:      "Total per-message retries in exactly-once mode by operation.",
		}, []string{"op"})

		p.leaseCount = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "lease",
			Name:      "tracked",
			Help:      "Current number of tracked delivery leases.",
		})

		p.leaseExtensions = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "lease",
			Name:      "extensions_total",
			Help:      "Total ack ids covered by bulk lease extensions.",
		})

		p.leaseExtSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "lease",
			Name:      "extension_seconds",
			Help:      "Extension durations applied by the refresh loop, in seconds.",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
		})

		p.leaseExpired = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "lease",
			Name:      "handling_expired_total",
			Help:      "Total leases dropped from refresh at their handling deadline.",
		})

		p.flowPauses = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "flow",
			Name:      "pauses_total",
			Help:      "Total intake pauses at the high watermark.",
		})

		p.flowResumes = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "flow",
			Name:      "resumes_total",
			Help:      "Total intake resumes at the low watermark.",
		})

		p.overflowNacks = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "flow",
			Name:      "overflow_nacks_total",
			Help:      "Total messages nacked on arrival because the pipeline was at capacity.",
		})

		p.dispatches = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Total messages handed to the application handler.",
		})

		p.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Current number of buffered, undispatched messages.",
		})

		p.sessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Total session state transitions by source and target state.",
		}, []string{"from", "to"})

		p.shutdowns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "session",
			Name:      "shutdowns_total",
			Help:      "Total shutdown triggers by reason.",
		}, []string{"reason"})

		collectors := []prometheus.Collector{
			p.streamTransitions, p.streamReconnects, p.reconnectAttempts,
			p.batchesReceived, p.messagesReceived, p.bytesReceived,
			p.ackCalls, p.ackRetries,
			p.leaseCount, p.leaseExtensions, p.leaseExtSeconds, p.leaseExpired,
			p.flowPauses, p.flowResumes, p.overflowNacks,
			p.dispatches, p.queueDepth,
			p.sessionTransitions, p.shutdowns,
		}
		for _, c := range collectors {
			// Ignore AlreadyRegisteredError so two collectors can share a registry.
			_ = p.reg.Register(c)
		}
	})
}

// RecordStreamTransition records a stream state transition event.
func (p *PrometheusCollector) RecordStreamTransition(from, to types.StreamState) {
	p.ensureRegistered()
	p.streamTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// RecordStreamReconnect records a completed reconnect cycle.
func (p *PrometheusCollector) RecordStreamReconnect(attempts int) {
	p.ensureRegistered()
	p.streamReconnects.Inc()
	p.reconnectAttempts.Observe(float64(attempts))
}

// RecordBatchReceived records a message batch surfaced by the stream.
func (p *PrometheusCollector) RecordBatchReceived(messages int, bytes int64) {
	p.ensureRegistered()
	p.batchesReceived.Inc()
	p.messagesReceived.Add(float64(messages))
	p.bytesReceived.Add(float64(bytes))
}

// RecordAckCall records a unary acknowledge/modify call completion.
func (p *PrometheusCollector) RecordAckCall(op string, success bool) {
	p.ensureRegistered()
	result := "ok"
	if !success {
		result = "error"
	}
	p.ackCalls.WithLabelValues(op, result).Inc()
}

// RecordAckRetry records a per-message retry in exactly-once mode.
func (p *PrometheusCollector) RecordAckRetry(op string) {
	p.ensureRegistered()
	p.ackRetries.WithLabelValues(op).Inc()
}

// RecordLeaseCount sets the current number of tracked leases.
func (p *PrometheusCollector) RecordLeaseCount(count int) {
	p.ensureRegistered()
	p.leaseCount.Set(float64(count))
}

// RecordLeaseExtension records a bulk lease-extension call.
func (p *PrometheusCollector) RecordLeaseExtension(messages int, seconds float64) {
	p.ensureRegistered()
	p.leaseExtensions.Add(float64(messages))
	p.leaseExtSeconds.Observe(seconds)
}

// RecordLeaseExpired records leases dropped at their handling deadline.
func (p *PrometheusCollector) RecordLeaseExpired(count int) {
	p.ensureRegistered()
	p.leaseExpired.Add(float64(count))
}

// RecordFlowPaused records intake pausing at the high watermark.
func (p *PrometheusCollector) RecordFlowPaused() {
	p.ensureRegistered()
	p.flowPauses.Inc()
}

// RecordFlowResumed records intake resuming at the low watermark.
func (p *PrometheusCollector) RecordFlowResumed() {
	p.ensureRegistered()
	p.flowResumes.Inc()
}

// RecordOverflowNack records messages nacked on arrival at capacity.
func (p *PrometheusCollector) RecordOverflowNack(count int) {
	p.ensureRegistered()
	p.overflowNacks.Add(float64(count))
}

// RecordDispatch records one message handed to the application handler.
func (p *PrometheusCollector) RecordDispatch() {
	p.ensureRegistered()
	p.dispatches.Inc()
}

// RecordQueueDepth sets the current dispatch queue depth.
func (p *PrometheusCollector) RecordQueueDepth(depth int) {
	p.ensureRegistered()
	p.queueDepth.Set(float64(depth))
}

// RecordSessionTransition records a session state transition event.
func (p *PrometheusCollector) RecordSessionTransition(from, to types.SessionState) {
	p.ensureRegistered()
	p.sessionTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// RecordShutdown records the shutdown trigger.
func (p *PrometheusCollector) RecordShutdown(reason string) {
	p.ensureRegistered()
	p.shutdowns.WithLabelValues(reason).Inc()
}
