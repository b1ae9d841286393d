// Package flow implements watermark-based admission control for the
// subscriber pipeline so that locally buffered messages stay bounded in
// count and bytes.
//
// Intake pauses once either counter reaches its high watermark and resumes
// only after both counters have fallen to their low watermark; the hysteresis
// gap prevents oscillation at the boundary. Batches arriving while intake is
// already at capacity (a race with an in-flight pull) are reported as
// overflow so the caller can nack them immediately instead of buffering.
package flow

import (
	"context"
	"sync"

	"github.com/arloliu/pullstream/types"
)

// Controller tracks the outstanding message count and byte size and gates
// pulling on both.
//
// All state lives behind one mutex; the mutex is never held while waiting or
// while invoking anything user-supplied.
type Controller struct {
	logger  types.Logger
	metrics types.FlowMetrics

	mu           sync.Mutex
	messageCount int64
	messageSize  int64
	countHWM     int64
	countLWM     int64
	sizeHWM      int64
	sizeLWM      int64
	paused       bool
	resumeCh     chan struct{}
}

// New creates a flow controller with the given watermarks.
//
// Low watermarks are clamped to be at most their high watermark; a zero or
// negative low watermark is replaced by half the high watermark.
//
// Parameters:
//   - countHWM, countLWM: Message-count watermarks (countHWM must be > 0)
//   - sizeHWM, sizeLWM: Byte-size watermarks (sizeHWM must be > 0)
//   - logger: Logger for pause/resume traces
//   - metrics: Flow metrics sink
//
// Returns:
//   - *Controller: Controller with intake open
func New(countHWM, countLWM, sizeHWM, sizeLWM int64, logger types.Logger, metrics types.FlowMetrics) *Controller {
	if countLWM <= 0 {
		countLWM = countHWM / 2
	}
	if countLWM > countHWM {
		countLWM = countHWM
	}
	if sizeLWM <= 0 {
		sizeLWM = sizeHWM / 2
	}
	if sizeLWM > sizeHWM {
		sizeLWM = sizeHWM
	}

	return &Controller{
		logger:   logger,
		metrics:  metrics,
		countHWM: countHWM,
		countLWM: countLWM,
		sizeHWM:  sizeHWM,
		sizeLWM:  sizeLWM,
		resumeCh: make(chan struct{}),
	}
}

// AdmitBatch admits as many messages of the batch as capacity allows, in
// order, and returns the remainder as overflow.
//
// A message is overflow when either counter already sits at or above its
// high watermark before the message is counted. Overflow messages are not
// counted; the caller must nack them immediately and never deliver them.
//
// Parameters:
//   - msgs: The received batch in broker order
//
// Returns:
//   - admitted: Messages now counted against the watermarks
//   - overflow: Messages to bulk-nack immediately
func (c *Controller) AdmitBatch(msgs []*types.Message) (admitted, overflow []*types.Message) {
	c.mu.Lock()

	cut := len(msgs)
	for i, m := range msgs {
		if c.messageCount >= c.countHWM || c.messageSize >= c.sizeHWM {
			cut = i
			break
		}
		c.messageCount++
		c.messageSize += m.Size()
	}
	c.updatePausedLocked()
	count, size := c.messageCount, c.messageSize
	c.mu.Unlock()

	admitted, overflow = msgs[:cut], msgs[cut:]
	if len(overflow) > 0 {
		c.metrics.RecordOverflowNack(len(overflow))
		c.logger.Warn("flow control overflow, nacking excess messages",
			"overflow", len(overflow), "message_count", count, "message_size", size)
	}

	return admitted, overflow
}

// Release returns capacity for one settled (acked or nacked) message.
//
// Parameters:
//   - bytes: The flow-control size the message was admitted with
func (c *Controller) Release(bytes int64) {
	c.mu.Lock()
	c.messageCount--
	if c.messageCount < 0 {
		c.messageCount = 0
	}
	c.messageSize -= bytes
	if c.messageSize < 0 {
		c.messageSize = 0
	}
	c.updatePausedLocked()
	c.mu.Unlock()
}

// updatePausedLocked applies the hysteresis rule. Caller holds c.mu.
//
// Pause when either counter reaches its high watermark; resume only when
// both counters are at or below their low watermark.
func (c *Controller) updatePausedLocked() {
	if !c.paused {
		if c.messageCount >= c.countHWM || c.messageSize >= c.sizeHWM {
			c.paused = true
			c.metrics.RecordFlowPaused()
			c.logger.Debug("flow control paused",
				"message_count", c.messageCount, "message_size", c.messageSize)
		}

		return
	}
	if c.messageCount <= c.countLWM && c.messageSize <= c.sizeLWM {
		c.paused = false
		close(c.resumeCh)
		c.resumeCh = make(chan struct{})
		c.metrics.RecordFlowResumed()
		c.logger.Debug("flow control resumed",
			"message_count", c.messageCount, "message_size", c.messageSize)
	}
}

// Wait blocks until intake is open or ctx is done. It implements the pull
// gate consulted by the streaming source before each stream read.
//
// Returns:
//   - error: nil when intake is open, ctx.Err() otherwise
func (c *Controller) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		if !c.paused {
			c.mu.Unlock()
			return nil
		}
		ch := c.resumeCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Paused reports whether intake is currently paused.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.paused
}

// Counts returns the current outstanding message count and byte size.
func (c *Controller) Counts() (count, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.messageCount, c.messageSize
}
