// Package transport defines the wire contract between the subscriber
// pipeline and the message broker.
//
// The pipeline consumes this contract and never talks to the network
// directly: a SubscriberClient opens bidirectional pull streams and issues
// the unary acknowledge and deadline-modification calls. Implementations
// typically wrap a gRPC stub; tests supply in-memory fakes that drive the
// pipeline state by state.
//
// Errors crossing this boundary are gRPC status errors. The classification
// helpers in this package implement the pipeline's failure taxonomy:
// transient-network codes are retried under backoff, and in exactly-once
// delivery mode per-message failure reasons are extracted from the
// ErrorInfo status detail keyed by ack id.
package transport
