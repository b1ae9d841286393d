// Package dispatch decouples the network arrival rate of messages from the
// application's consumption rate.
//
// Messages buffer FIFO and are released to the registered callback one at a
// time, paced by read credits granted by the caller. The queue's lock is
// released around every callback invocation, so a callback may synchronously
// grant more credits or ack/nack messages without deadlocking.
package dispatch

import (
	"sync"

	"github.com/arloliu/pullstream/types"
)

// Queue is a FIFO buffer of pending messages with credit-based release.
type Queue struct {
	logger  types.Logger
	metrics types.DispatchMetrics

	handler  func(msg *types.Message)
	bulkNack func(ackIDs []string)

	mu          sync.Mutex
	items       []*types.Message
	credits     int
	dispatching bool
	shutdown    bool
}

// New creates a dispatch queue.
//
// Parameters:
//   - handler: Invoked once per released message, outside the queue lock
//   - bulkNack: Invoked with the ack ids of messages discarded on shutdown
//     or enqueued after shutdown; called outside the queue lock
//   - logger: Logger for lifecycle traces
//   - metrics: Dispatch metrics sink
//
// Returns:
//   - *Queue: Queue with zero credits; nothing dispatches until Read grants
func New(handler func(msg *types.Message), bulkNack func(ackIDs []string), logger types.Logger, metrics types.DispatchMetrics) *Queue {
	return &Queue{
		logger:   logger,
		metrics:  metrics,
		handler:  handler,
		bulkNack: bulkNack,
	}
}

// Enqueue appends a batch of received messages to the buffer and dispatches
// as far as current credits allow.
//
// A batch arriving after Shutdown is nacked immediately and never buffered.
func (q *Queue) Enqueue(msgs []*types.Message) {
	if len(msgs) == 0 {
		return
	}

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		q.logger.Debug("batch received after shutdown, nacking", "messages", len(msgs))
		q.bulkNack(ackIDs(msgs))

		return
	}
	q.items = append(q.items, msgs...)
	q.metrics.RecordQueueDepth(len(q.items))
	q.mu.Unlock()

	q.dispatchLoop()
}

// Read grants n additional read credits; each credit releases one buffered
// message to the handler. Safe to call from inside the handler.
//
// Parameters:
//   - n: Credits to add (non-positive values are ignored)
func (q *Queue) Read(n int) {
	if n <= 0 {
		return
	}

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.credits += n
	q.mu.Unlock()

	q.dispatchLoop()
}

// dispatchLoop pops and dispatches messages while credits remain. Only one
// goroutine runs the loop at a time; reentrant calls (a handler calling Read)
// just bump credits and let the running loop continue.
func (q *Queue) dispatchLoop() {
	q.mu.Lock()
	if q.dispatching {
		q.mu.Unlock()
		return
	}
	q.dispatching = true
	for !q.shutdown && q.credits > 0 && len(q.items) > 0 {
		msg := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.credits--
		q.metrics.RecordQueueDepth(len(q.items))
		q.mu.Unlock()

		q.metrics.RecordDispatch()
		q.handler(msg)

		q.mu.Lock()
	}
	q.dispatching = false
	q.mu.Unlock()
}

// Shutdown drains all buffered, undispatched messages and bulk-nacks them in
// one call. The handler is never invoked again afterwards; a dispatch
// already in flight completes normally.
//
// Idempotent: later calls are no-ops.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.shutdown = true
	drained := q.items
	q.items = nil
	q.credits = 0
	q.metrics.RecordQueueDepth(0)
	q.mu.Unlock()

	if len(drained) > 0 {
		q.logger.Debug("nacking undispatched messages on shutdown", "messages", len(drained))
		q.bulkNack(ackIDs(drained))
	}
}

// Len returns the current number of buffered, undispatched messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Credits returns the current unconsumed read-credit count.
func (q *Queue) Credits() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.credits
}

func ackIDs(msgs []*types.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.AckID
	}

	return ids
}
