// Package quiesce provides a reusable primitive to start, track and drain
// named concurrent operations, delivering one final result when the last
// outstanding operation finishes after shutdown was requested.
//
// The coordinator is independent of what the operations do: the streaming
// source registers stream reads, the lease manager registers refresh timers,
// and unary acknowledge calls register themselves, all against the same
// instance owned by the session.
package quiesce

import (
	"context"
	"sync"

	"github.com/arloliu/pullstream/types"
)

// Coordinator tracks outstanding named asynchronous operations and resolves
// a one-shot completion signal once shutdown has been requested and the
// outstanding count drains to zero.
//
// Invariants:
//   - After MarkShutdown, StartOperation and StartAsyncOperation always
//     refuse and never run their function, so the outstanding count only
//     decreases.
//   - The completion signal fires at most once.
//
// Operation names are diagnostic only: FinishedOperation with a name that
// was never started is accepted and still decrements the total count.
type Coordinator struct {
	logger types.Logger

	mu          sync.Mutex
	outstanding map[string]int
	total       int
	shutdown    bool
	completed   bool
	reason      string
	err         error

	done chan struct{}
}

// New creates a coordinator with no outstanding operations.
//
// Parameters:
//   - logger: Logger for diagnostic traces (must be non-nil)
//
// Returns:
//   - *Coordinator: Coordinator ready to track operations
func New(logger types.Logger) *Coordinator {
	return &Coordinator{
		logger:      logger,
		outstanding: make(map[string]int),
		done:        make(chan struct{}),
	}
}

// StartOperation runs fn synchronously if shutdown has not been requested.
//
// The outstanding count is incremented before fn runs; the caller must pair
// a successful start with exactly one FinishedOperation call, typically from
// the operation's completion callback.
//
// Parameters:
//   - name: Diagnostic operation name
//   - fn: Operation body
//
// Returns:
//   - bool: true if fn ran; false if shutdown was already requested, in
//     which case fn did not run and the caller must treat the operation as
//     never having happened (commonly falling back to a synchronous nack)
func (c *Coordinator) StartOperation(name string, fn func()) bool {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		c.logger.Debug("operation refused after shutdown", "name", name)

		return false
	}
	c.outstanding[name]++
	c.total++
	c.mu.Unlock()

	fn()

	return true
}

// StartAsyncOperation runs fn on its own goroutine if shutdown has not been
// requested. Same contract as StartOperation otherwise.
//
// Returns:
//   - bool: true if fn was scheduled; false if shutdown was already requested
func (c *Coordinator) StartAsyncOperation(name string, fn func()) bool {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		c.logger.Debug("async operation refused after shutdown", "name", name)

		return false
	}
	c.outstanding[name]++
	c.total++
	c.mu.Unlock()

	go fn()

	return true
}

// FinishedOperation records completion of one started operation.
//
// Unknown names are accepted: the total count still decrements, since names
// exist for diagnostics, not correctness.
//
// Parameters:
//   - name: The name passed to the matching StartOperation call
//
// Returns:
//   - bool: true if this call completed the shutdown (last outstanding
//     operation finished after MarkShutdown)
func (c *Coordinator) FinishedOperation(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.outstanding[name]; ok {
		if n <= 1 {
			delete(c.outstanding, name)
		} else {
			c.outstanding[name] = n - 1
		}
	}
	if c.total > 0 {
		c.total--
	}

	return c.maybeCompleteLocked()
}

// MarkShutdown requests shutdown and records the terminal result.
//
// Idempotent: the first call wins, later calls are no-ops. The completion
// signal does not fire here unless the outstanding count is already zero; it
// fires from the FinishedOperation call that drains the count.
//
// Parameters:
//   - reason: Diagnostic shutdown reason
//   - err: Terminal result; nil for a clean shutdown
func (c *Coordinator) MarkShutdown(reason string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return
	}
	c.shutdown = true
	c.reason = reason
	c.err = err
	c.logger.Debug("shutdown marked", "reason", reason, "outstanding", c.total, "error", err)

	c.maybeCompleteLocked()
}

// maybeCompleteLocked fires the completion signal when shutdown has been
// requested and nothing is outstanding. Caller holds c.mu.
func (c *Coordinator) maybeCompleteLocked() bool {
	if !c.shutdown || c.completed || c.total != 0 {
		return false
	}
	c.completed = true
	close(c.done)

	return true
}

// ShutdownRequested reports whether MarkShutdown has been called.
func (c *Coordinator) ShutdownRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.shutdown
}

// Outstanding returns the current outstanding operation count.
func (c *Coordinator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.total
}

// Done returns a channel closed when shutdown completed: MarkShutdown was
// called and every outstanding operation finished.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Err returns the terminal result recorded by the winning MarkShutdown call.
// Only meaningful once Done is closed.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Reason returns the shutdown reason recorded by the winning MarkShutdown
// call. Empty until shutdown is requested.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reason
}

// Wait blocks until shutdown completes or ctx is done.
//
// Returns:
//   - error: The terminal result, or ctx.Err() if the context expired first
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
