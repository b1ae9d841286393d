package types

import (
	"context"
	"time"
)

// Message is a single broker-delivered message flowing through the pipeline.
//
// The pipeline owns the message from stream receipt until it is dispatched to
// the application handler or discarded on shutdown. AckID identifies the
// delivery lease on the broker side and is the key for ack, nack and lease
// extension operations.
type Message struct {
	// ID is the broker-assigned message identifier. Redeliveries of the same
	// message share the same ID but carry a fresh AckID.
	ID string

	// AckID identifies this specific delivery lease.
	AckID string

	// Data is the message payload.
	Data []byte

	// Attributes holds optional key-value metadata attached by the publisher.
	Attributes map[string]string

	// PublishTime is the time the broker accepted the message.
	PublishTime time.Time

	// DeliveryAttempt counts deliveries of this message, starting at 1.
	// Zero when the broker does not report attempts.
	DeliveryAttempt int
}

// Size returns the number of bytes this message accounts for against the
// flow-control byte watermark: payload plus attribute keys and values.
func (m *Message) Size() int64 {
	size := int64(len(m.Data))
	for k, v := range m.Attributes {
		size += int64(len(k) + len(v))
	}

	return size
}

// MessageHandler is invoked once per dispatched message.
//
// The handler runs on a pipeline goroutine and must not block indefinitely.
// It may call Ack/Nack on the handle and interact with the session
// synchronously; the pipeline holds no locks while the handler runs.
type MessageHandler func(ctx context.Context, msg *Message, ack AckReplier)

// AckReplier is the per-message disposition surface handed to the handler.
//
// Ack and Nack are each effective at most once per message; the second call
// on either is a no-op returning an already-resolved result. Both are
// best-effort after the session has completed shutdown.
type AckReplier interface {
	// Ack confirms permanent consumption of the message.
	Ack() *AckResult

	// Nack requests immediate redelivery of the message.
	Nack() *AckResult
}
