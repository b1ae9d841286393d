package types

import (
	"context"
	"sync"
)

// AckResult is the one-shot outcome of an ack, nack or lease-extension call.
//
// In best-effort delivery mode results resolve as soon as the request is
// handed to the transport. When exactly-once delivery is enabled, the result
// resolves only after the per-message retry loop settles, carrying the
// permanent error if the broker rejected the operation.
type AckResult struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewAckResult creates an unresolved result.
func NewAckResult() *AckResult {
	return &AckResult{done: make(chan struct{})}
}

// ResolvedAckResult creates a result that is already settled with err.
func ResolvedAckResult(err error) *AckResult {
	r := NewAckResult()
	r.Resolve(err)

	return r
}

// Resolve settles the result exactly once. Later calls are no-ops.
func (r *AckResult) Resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Get blocks until the result settles or ctx is done.
//
// Returns:
//   - error: nil on success, the permanent operation error, or ctx.Err() if
//     the context expired first
func (r *AckResult) Get(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the result settles.
func (r *AckResult) Done() <-chan struct{} { return r.done }
