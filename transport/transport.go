package transport

import (
	"context"
	"time"

	"github.com/arloliu/pullstream/types"
)

// StreamRequest is the initial request written on a freshly opened pull
// stream. It identifies the subscription and advertises the client's
// buffering limits so the broker can shape batch sizes.
type StreamRequest struct {
	// Subscription names the subscription to pull from.
	Subscription string

	// ClientID identifies this subscriber instance across reconnects so the
	// broker can correlate redeliveries.
	ClientID string

	// StreamAckDeadline is the ack deadline applied to messages delivered on
	// this stream until a lease extension changes it.
	StreamAckDeadline time.Duration

	// MaxOutstandingMessages advertises the client's message-count watermark.
	MaxOutstandingMessages int64

	// MaxOutstandingBytes advertises the client's byte watermark.
	MaxOutstandingBytes int64
}

// StreamResponse is one message batch read from the pull stream.
type StreamResponse struct {
	// Messages holds the delivered batch in broker order.
	Messages []*types.Message

	// ExactlyOnceDelivery reports whether the subscription has exactly-once
	// delivery enabled. The flag is authoritative as of this response and may
	// flip between responses.
	ExactlyOnceDelivery bool
}

// PullStream is one bidirectional pull stream to the broker.
//
// The contract mirrors an async gRPC stream: Start, Write and Read report
// success as a boolean, and the stream's terminal status is only available
// from Finish. After any of them returns false the caller must drain the
// stream with Finish (or Cancel followed by Finish) before discarding it;
// issuing Finish while a Read or Write is still in flight is undefined.
type PullStream interface {
	// Start establishes the stream. Returns false on connection failure.
	Start(ctx context.Context) bool

	// Write sends a request on the stream. Returns false on failure.
	Write(ctx context.Context, req *StreamRequest) bool

	// Read blocks for the next batch. Returns (nil, false) when the stream
	// broke or the peer half-closed.
	Read(ctx context.Context) (*StreamResponse, bool)

	// WritesDone half-closes the sending side. Returns false on failure.
	WritesDone() bool

	// Finish collects the stream's terminal status. Must be called exactly
	// once, after all reads and writes have settled.
	Finish(ctx context.Context) error

	// Cancel aborts the stream, unblocking any in-flight Read or Write.
	// Finish must still be called afterwards.
	Cancel()
}

// SubscriberClient is the broker-facing surface consumed by the pipeline.
//
// Implementations must be safe for concurrent use: the pipeline issues unary
// calls from multiple goroutines while a stream read is in flight.
type SubscriberClient interface {
	// OpenStream creates a new pull stream. The stream is not usable until
	// Start succeeds.
	OpenStream(ctx context.Context) PullStream

	// Acknowledge confirms consumption of the given delivery leases.
	Acknowledge(ctx context.Context, ackIDs []string) error

	// ModifyAckDeadline moves the redelivery deadline of the given leases to
	// now+extension. A zero extension is a negative acknowledgment: the
	// broker redelivers the messages immediately.
	ModifyAckDeadline(ctx context.Context, ackIDs []string, extension time.Duration) error
}
