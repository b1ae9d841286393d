package pullstream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/pullstream/internal/metrics"
)

// Option configures a SubscriberSession with optional dependencies.
type Option func(*sessionOptions)

// sessionOptions holds optional SubscriberSession configuration.
type sessionOptions struct {
	logger         Logger
	metrics        MetricsCollector
	hooks          *Hooks
	retryFactory   RetryPolicyFactory
	backoffFactory BackoffPolicyFactory
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with slog via logging adapters)
//
// Returns:
//   - Option: Functional option for NewSession
func WithLogger(logger Logger) Option {
	return func(o *sessionOptions) {
		o.logger = logger
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for NewSession
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *sessionOptions) {
		o.metrics = metrics
	}
}

// WithPrometheusMetrics installs the built-in Prometheus collector, with all
// session metrics registered under the "pullstream" namespace.
//
// Parameters:
//   - reg: Registry to register the collectors with; nil uses the default
//     registerer
//
// Returns:
//   - Option: Functional option for NewSession
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	session, err := pullstream.NewSession(client, settings,
//	    pullstream.WithPrometheusMetrics(reg),
//	)
func WithPrometheusMetrics(reg prometheus.Registerer) Option {
	return func(o *sessionOptions) {
		o.metrics = metrics.NewPrometheus(reg, "")
	}
}

// WithHooks sets lifecycle event hooks.
//
// Parameters:
//   - hooks: Hooks structure with callback functions
//
// Returns:
//   - Option: Functional option for NewSession
//
// Example:
//
//	hooks := &pullstream.Hooks{
//	    OnStreamConnected: func(ctx context.Context) error {
//	        log.Println("stream connected")
//	        return nil
//	    },
//	}
//	session, err := pullstream.NewSession(client, settings, pullstream.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *sessionOptions) {
		o.hooks = hooks
	}
}

// WithRetryPolicyFactory replaces the stock connect retry policy.
//
// The factory is invoked once per stream connect sequence; each policy
// instance sees only the failures of its own sequence.
//
// Parameters:
//   - factory: Factory minting fresh RetryPolicy instances
//
// Returns:
//   - Option: Functional option for NewSession
func WithRetryPolicyFactory(factory RetryPolicyFactory) Option {
	return func(o *sessionOptions) {
		o.retryFactory = factory
	}
}

// WithBackoffPolicyFactory replaces the stock jittered exponential backoff.
//
// The factory is invoked once per retried operation (stream connects and
// exactly-once acknowledge retries).
//
// Parameters:
//   - factory: Factory minting fresh BackoffPolicy instances
//
// Returns:
//   - Option: Functional option for NewSession
func WithBackoffPolicyFactory(factory BackoffPolicyFactory) Option {
	return func(o *sessionOptions) {
		o.backoffFactory = factory
	}
}
