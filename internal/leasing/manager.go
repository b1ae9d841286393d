// Package leasing keeps the broker from redelivering messages that the
// application is still handling, without extending delivery leases forever.
//
// One lease is tracked per message from stream receipt until the application
// acks or nacks it, bounded by a per-message handling deadline. A
// self-rescheduling refresh timer extends all pending leases in bulk and
// stays strictly ahead of the server-side expiry. Shutdown nacks every
// still-tracked lease so the broker redelivers unhandled messages promptly.
package leasing

import (
	"context"
	"sync"
	"time"

	"github.com/arloliu/pullstream/types"
)

// refreshSlack is how far before the next server deadline the refresh timer
// fires, so an extension is always in flight before any lease can expire.
const refreshSlack = 2 * time.Second

// expiryCutoff excludes leases whose handling deadline is about to pass from
// the next refresh batch: an extension of roughly zero seconds is equivalent
// to a nack and must never be sent.
const expiryCutoff = time.Second

// minTimerDelay floors the self-rescheduling timer so a short extension
// cannot degenerate into a busy loop.
const minTimerDelay = 10 * time.Millisecond

// Wire is the downstream surface the lease manager forwards operations to,
// implemented by the streaming batch source.
type Wire interface {
	// Acknowledge confirms consumption of one delivery lease.
	Acknowledge(ackID string) *types.AckResult

	// ModifyAckDeadline moves the redelivery deadline of the given leases to
	// now+extension. A zero extension nacks them.
	ModifyAckDeadline(ackIDs []string, extension time.Duration) *types.AckResult

	// BulkNack requests immediate redelivery for the given leases.
	BulkNack(ackIDs []string) error

	// Shutdown starts the orderly teardown of the wire.
	Shutdown()
}

// Config carries the lease timing parameters.
type Config struct {
	// StreamAckDeadline seeds the estimated server deadline of a fresh lease.
	StreamAckDeadline time.Duration

	// MinExtension floors the extension applied per refresh call.
	MinExtension time.Duration

	// MaxExtension caps the extension applied per refresh call.
	MaxExtension time.Duration

	// MaxHandlingTime bounds how long leases are extended for one message,
	// measured from receipt.
	MaxHandlingTime time.Duration
}

// lease tracks one undelivered-to-application message.
type lease struct {
	// serverDeadline estimates when the broker will consider the message for
	// redelivery; refreshed on every successful extension.
	serverDeadline time.Time

	// handlingDeadline is fixed at receipt and bounds all extensions.
	handlingDeadline time.Time

	// size is the flow-control size the message was admitted with.
	size int64
}

// Manager owns the lease table and the refresh timer.
//
// The table is protected by one mutex, never held across a wire call or the
// onSettled callback.
type Manager struct {
	cfg     Config
	wire    Wire
	logger  types.Logger
	metrics types.LeaseMetrics

	// onSettled fires once per removed lease with the message's flow-control
	// size, so the owner can release flow capacity and grant a read credit.
	onSettled func(ackID string, size int64)

	// now is the time source; replaced in tests.
	now func() time.Time

	mu       sync.Mutex
	leases   map[string]*lease
	timer    *time.Timer
	shutdown bool
}

// New creates a lease manager.
//
// Parameters:
//   - wire: Downstream operations sink (must be non-nil)
//   - cfg: Lease timing parameters
//   - onSettled: Invoked outside the lease lock whenever a lease is removed
//     by ack, nack or shutdown drain; nil disables the callback
//   - logger: Logger for refresh traces
//   - metrics: Lease metrics sink
//
// Returns:
//   - *Manager: Manager with an empty lease table; the refresh timer starts
//     with the first tracked batch
func New(wire Wire, cfg Config, onSettled func(ackID string, size int64), logger types.Logger, metrics types.LeaseMetrics) *Manager {
	if onSettled == nil {
		onSettled = func(string, int64) {}
	}

	return &Manager{
		cfg:       cfg,
		wire:      wire,
		logger:    logger,
		metrics:   metrics,
		onSettled: onSettled,
		now:       time.Now,
		leases:    make(map[string]*lease),
	}
}

// OnBatch creates one lease per received message.
//
// The estimated server deadline starts at now+StreamAckDeadline; the
// handling deadline is fixed at now+MaxHandlingTime and never moves.
// Batches arriving after shutdown are not tracked; the caller's dispatch
// queue nacks them.
func (m *Manager) OnBatch(msgs []*types.Message) {
	now := m.now()

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	for _, msg := range msgs {
		m.leases[msg.AckID] = &lease{
			serverDeadline:   now.Add(m.cfg.StreamAckDeadline),
			handlingDeadline: now.Add(m.cfg.MaxHandlingTime),
			size:             msg.Size(),
		}
	}
	count := len(m.leases)
	m.ensureTimerLocked()
	m.mu.Unlock()

	m.metrics.RecordLeaseCount(count)
}

// Ack removes the lease and forwards the acknowledge.
//
// A second ack or nack of the same id is a no-op: the lease is already gone
// and nothing is forwarded, so flow-control capacity is never released
// twice.
//
// Returns:
//   - *types.AckResult: The wire call's result, or an already-resolved
//     result for a no-op
func (m *Manager) Ack(ackID string) *types.AckResult {
	size, ok := m.remove(ackID)
	if !ok {
		return types.ResolvedAckResult(nil)
	}
	m.onSettled(ackID, size)

	return m.wire.Acknowledge(ackID)
}

// Nack removes the lease and requests immediate redelivery.
//
// Same no-op semantics as Ack for unknown ids.
func (m *Manager) Nack(ackID string) *types.AckResult {
	size, ok := m.remove(ackID)
	if !ok {
		return types.ResolvedAckResult(nil)
	}
	m.onSettled(ackID, size)

	return m.wire.ModifyAckDeadline([]string{ackID}, 0)
}

// BulkNack removes the given leases and forwards one bulk nack for those
// that were still tracked. Used by the dispatch queue's shutdown drain.
//
// Ids the manager does not track are reported back instead of nacked: a
// batch that raced with shutdown may have been buffered without ever being
// leased, and the caller still owes the broker a nack for it.
//
// Returns:
//   - []string: Ids that were not tracked, in input order
//   - error: The wire bulk-nack error, if any
func (m *Manager) BulkNack(ackIDs []string) ([]string, error) {
	tracked := make([]string, 0, len(ackIDs))
	sizes := make([]int64, 0, len(ackIDs))
	var untracked []string

	m.mu.Lock()
	for _, id := range ackIDs {
		l, ok := m.leases[id]
		if !ok {
			untracked = append(untracked, id)
			continue
		}
		delete(m.leases, id)
		tracked = append(tracked, id)
		sizes = append(sizes, l.size)
	}
	count := len(m.leases)
	m.mu.Unlock()

	m.metrics.RecordLeaseCount(count)
	for i, id := range tracked {
		m.onSettled(id, sizes[i])
	}
	if len(tracked) == 0 {
		return untracked, nil
	}

	return untracked, m.wire.BulkNack(tracked)
}

// remove deletes one lease and reports whether it was tracked.
func (m *Manager) remove(ackID string) (int64, bool) {
	m.mu.Lock()
	l, ok := m.leases[ackID]
	if ok {
		delete(m.leases, ackID)
	}
	count := len(m.leases)
	m.mu.Unlock()

	if !ok {
		return 0, false
	}
	m.metrics.RecordLeaseCount(count)

	return l.size, true
}

// HasLease reports whether the id is still tracked.
func (m *Manager) HasLease(ackID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.leases[ackID]

	return ok
}

// LeaseCount returns the number of tracked leases.
func (m *Manager) LeaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.leases)
}

// ensureTimerLocked arms the refresh timer if it is not already armed.
// Caller holds m.mu.
func (m *Manager) ensureTimerLocked() {
	if m.timer != nil || m.shutdown || len(m.leases) == 0 {
		return
	}
	delay := m.cfg.StreamAckDeadline - refreshSlack
	if delay < minTimerDelay {
		delay = minTimerDelay
	}
	m.timer = time.AfterFunc(delay, m.refresh)
}

// refresh extends all still-pending leases in one bulk call and reschedules
// itself strictly ahead of the new deadline.
func (m *Manager) refresh() {
	now := m.now()
	ids, extension, expired := m.collectRefresh(now)

	if expired > 0 {
		m.metrics.RecordLeaseExpired(expired)
		m.logger.Warn("leases reached handling deadline, dropping from refresh", "count", expired)
	}

	if len(ids) > 0 {
		m.logger.Debug("extending leases", "count", len(ids), "extension", extension)
		m.metrics.RecordLeaseExtension(len(ids), extension.Seconds())
		result := m.wire.ModifyAckDeadline(ids, extension)
		go func() {
			// Per-message failures are the broker's redelivery safety net;
			// log and move on.
			if err := result.Get(context.Background()); err != nil {
				m.logger.Warn("lease extension failed", "count", len(ids), "error", err)
			}
		}()
	}

	// Reschedule using the computed deadline even when no id was eligible,
	// so no refresh is lost while leases remain.
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	if len(m.leases) > 0 {
		delay := extension - refreshSlack
		if delay < minTimerDelay {
			delay = minTimerDelay
		}
		m.timer = time.AfterFunc(delay, m.refresh)
	}
	m.mu.Unlock()
}

// collectRefresh computes the ids to extend and the extension to apply: the
// minimum over all pending leases of (handling deadline − now), capped by
// MaxExtension and floored by MinExtension. Leases within expiryCutoff of
// their handling deadline are excluded and will never be re-included, since
// the handling deadline is fixed.
func (m *Manager) collectRefresh(now time.Time) (ids []string, extension time.Duration, expired int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	extension = m.cfg.MaxExtension
	for id, l := range m.leases {
		remaining := l.handlingDeadline.Sub(now)
		if remaining < expiryCutoff {
			expired++
			continue
		}
		if remaining < extension {
			extension = remaining
		}
		ids = append(ids, id)
	}
	if extension < m.cfg.MinExtension {
		extension = m.cfg.MinExtension
	}
	for _, id := range ids {
		m.leases[id].serverDeadline = now.Add(extension)
	}

	return ids, extension, expired
}

// Shutdown cancels the refresh timer, bulk-nacks every tracked lease and
// delegates the teardown to the wire.
//
// A message the application never acked is returned to the broker for
// redelivery. Later acks for those ids become best-effort no-ops.
// Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	drained := make([]string, 0, len(m.leases))
	sizes := make([]int64, 0, len(m.leases))
	for id, l := range m.leases {
		drained = append(drained, id)
		sizes = append(sizes, l.size)
	}
	m.leases = make(map[string]*lease)
	m.mu.Unlock()

	m.metrics.RecordLeaseCount(0)
	for i, id := range drained {
		m.onSettled(id, sizes[i])
	}
	if len(drained) > 0 {
		m.logger.Info("nacking unresolved leases on shutdown", "count", len(drained))
		if err := m.wire.BulkNack(drained); err != nil {
			m.logger.Warn("shutdown bulk nack failed", "error", err)
		}
	}
	m.wire.Shutdown()
}
