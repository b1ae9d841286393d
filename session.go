package pullstream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/pullstream/internal/dispatch"
	"github.com/arloliu/pullstream/internal/flow"
	"github.com/arloliu/pullstream/internal/leasing"
	"github.com/arloliu/pullstream/internal/logging"
	"github.com/arloliu/pullstream/internal/metrics"
	"github.com/arloliu/pullstream/internal/quiesce"
	"github.com/arloliu/pullstream/internal/stream"
	"github.com/arloliu/pullstream/transport"
	"github.com/arloliu/pullstream/types"
)

// SubscriberSession is the top-level subscriber: it owns the pull stream, the
// flow controller, the dispatch queue, the lease manager and the shutdown
// coordinator, and wires them into one message pipeline.
//
// A session runs at most once. Create it with NewSession, start it with
// Start, stop it with Shutdown (or by cancelling the Start context), and
// observe completion with Wait or WaitState.
type SubscriberSession struct {
	settings Settings
	client   transport.SubscriberClient
	handler  types.MessageHandler

	logger  types.Logger
	metrics types.MetricsCollector
	hooks   *types.Hooks

	coord  *quiesce.Coordinator
	flow   *flow.Controller
	queue  *dispatch.Queue
	leases *leasing.Manager
	source *stream.Source

	// lifecycleCtx is handed to the handler and hooks; cancelled when the
	// session completes.
	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc

	current          atomic.Int32 // types.SessionState
	subscribers      *xsync.Map[uint64, *stateSubscriber]
	nextSubscriberID atomic.Uint64

	mu      sync.Mutex
	started bool
}

// NewSession creates a subscriber session.
//
// The session is inert until Start is called; no connection is made here.
//
// Parameters:
//   - client: Broker transport (must be non-nil)
//   - settings: Session settings; zero fields are filled with defaults
//   - opts: Optional dependencies (logger, metrics, hooks, retry policies)
//
// Returns:
//   - *SubscriberSession: Session in the NotStarted state
//   - error: ErrTransportRequired, or a validation error wrapping
//     ErrInvalidSettings
func NewSession(client transport.SubscriberClient, settings Settings, opts ...Option) (*SubscriberSession, error) {
	if client == nil {
		return nil, ErrTransportRequired
	}

	SetDefaults(&settings)
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	options := sessionOptions{
		logger:         logging.NewNop(),
		metrics:        metrics.NewNop(),
		retryFactory:   defaultRetryFactory,
		backoffFactory: defaultBackoffFactory,
	}
	for _, opt := range opts {
		opt(&options)
	}

	s := &SubscriberSession{
		settings:    settings,
		client:      client,
		logger:      options.logger,
		metrics:     options.metrics,
		hooks:       options.hooks,
		subscribers: xsync.NewMap[uint64, *stateSubscriber](),
	}
	s.current.Store(int32(types.SessionNotStarted))

	s.coord = quiesce.New(s.logger)
	s.flow = flow.New(
		settings.MaxOutstandingMessages, 0,
		settings.MaxOutstandingBytes, 0,
		s.logger, s.metrics,
	)
	s.queue = dispatch.New(s.dispatch, s.drainNack, s.logger, s.metrics)
	s.source = stream.New(client, stream.Config{
		Subscription:           settings.Subscription,
		ClientID:               settings.ClientID,
		StreamAckDeadline:      settings.StreamAckDeadline,
		MaxOutstandingMessages: settings.MaxOutstandingMessages,
		MaxOutstandingBytes:    settings.MaxOutstandingBytes,
		MaxAckIDsPerRequest:    settings.MaxAckIDsPerRequest,
		AckRetryDeadline:       settings.AckRetryDeadline,
		RetryFactory:           options.retryFactory,
		BackoffFactory:         options.backoffFactory,
	}, stream.Deps{
		Coordinator: s.coord,
		Gate:        s.flow,
		OnBatch:     s.onBatch,
		OnConnected: s.onStreamConnected,
		OnTerminal:  s.onStreamTerminal,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	s.leases = leasing.New(s.source, leasing.Config{
		StreamAckDeadline: settings.StreamAckDeadline,
		MinExtension:      settings.MinLeaseExtension,
		MaxExtension:      settings.MaxLeaseExtension,
		MaxHandlingTime:   settings.MaxHandlingTime,
	}, s.onSettled, s.logger, s.metrics)

	return s, nil
}

// Start connects the stream and begins delivering messages to handler.
//
// Cancelling ctx triggers an executor shutdown: the pipeline is torn down
// immediately and unresolved messages are nacked for redelivery. The handler
// and hooks receive a lifecycle context derived from ctx.
//
// Parameters:
//   - ctx: Runtime context of the session
//   - handler: Invoked once per delivered message (must be non-nil)
//
// Returns:
//   - error: ErrHandlerRequired, ErrAlreadyStarted, or a stream start error
func (s *SubscriberSession) Start(ctx context.Context, handler types.MessageHandler) error {
	if handler == nil {
		return ErrHandlerRequired
	}

	if s.State() != types.SessionNotStarted {
		return ErrSessionClosed
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.handler = handler
	s.lifecycleCtx, s.lifecycleCancel = context.WithCancel(ctx)
	s.mu.Unlock()

	// Seed the dispatch queue with one credit per buffered message the flow
	// controller will admit.
	s.queue.Read(int(s.settings.MaxOutstandingMessages))

	if err := s.source.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("session started",
		"subscription", s.settings.Subscription, "client_id", s.settings.ClientID)

	go func() {
		select {
		case <-ctx.Done():
			s.beginShutdown(types.SessionShutdownByExecutor, "executor", ctx.Err())
		case <-s.coord.Done():
		}
	}()

	return nil
}

// Shutdown requests an orderly shutdown of the session.
//
// The stream stops pulling, buffered undispatched messages and unresolved
// leases are nacked so the broker redelivers them, and the session completes
// once all in-flight operations drain. Whichever shutdown trigger fires first
// wins; later triggers are no-ops. Shutdown returns immediately; use Wait to
// block for completion.
func (s *SubscriberSession) Shutdown() {
	s.beginShutdown(types.SessionShutdownByApplication, "application", nil)
}

// Wait blocks until the session completes or ctx is done.
//
// Returns:
//   - error: The session's terminal error (nil for a clean shutdown), or
//     ctx.Err() if the context expired first
func (s *SubscriberSession) Wait(ctx context.Context) error {
	return s.coord.Wait(ctx)
}

// Done returns a channel closed when the session has completed.
func (s *SubscriberSession) Done() <-chan struct{} {
	return s.coord.Done()
}

// Err returns the session's terminal error. Only meaningful once Done is
// closed.
func (s *SubscriberSession) Err() error {
	return s.coord.Err()
}

// State returns the current session state.
func (s *SubscriberSession) State() types.SessionState {
	return types.SessionState(s.current.Load())
}

// StreamState returns the current state of the underlying pull stream.
func (s *SubscriberSession) StreamState() types.StreamState {
	return s.source.State()
}

// ExactlyOnceDelivery reports whether the subscription currently has
// exactly-once delivery enabled, as learned from the latest stream response.
func (s *SubscriberSession) ExactlyOnceDelivery() bool {
	return s.source.ExactlyOnceDelivery()
}

// WaitState returns a channel that resolves once the session reaches the
// expected state, or with context.DeadlineExceeded after timeout.
//
// Parameters:
//   - expected: State to wait for
//   - timeout: Maximum time to wait
//
// Returns:
//   - <-chan error: Buffered channel receiving exactly one result
//
// Example:
//
//	session.Shutdown()
//	if err := <-session.WaitState(pullstream.SessionCompleted, 30*time.Second); err != nil {
//	    log.Printf("session did not complete: %v", err)
//	}
func (s *SubscriberSession) WaitState(expected types.SessionState, timeout time.Duration) <-chan error {
	ch := make(chan error, 1)

	go func() {
		defer close(ch)

		sub, unsubscribe := s.subscribeState()
		defer unsubscribe()

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		for {
			select {
			case state, ok := <-sub:
				if !ok {
					ch <- ErrSessionClosed
					return
				}
				if state == expected {
					ch <- nil
					return
				}
			case <-timer.C:
				ch <- context.DeadlineExceeded
				return
			}
		}
	}()

	return ch
}

// onBatch feeds one received batch through admission, leasing and dispatch.
// Runs on the stream loop goroutine.
func (s *SubscriberSession) onBatch(resp *transport.StreamResponse) {
	if s.coord.ShutdownRequested() {
		// A batch racing with shutdown is nacked whole; nothing was leased.
		if err := s.source.BulkNack(messageAckIDs(resp.Messages)); err != nil {
			s.logger.Warn("failed to nack batch received during shutdown", "error", err)
		}

		return
	}

	admitted, overflow := s.flow.AdmitBatch(resp.Messages)
	if len(overflow) > 0 {
		if err := s.source.BulkNack(messageAckIDs(overflow)); err != nil {
			s.logger.Warn("failed to nack overflow messages", "error", err)
			s.fireOnError(err)
		}
	}
	if len(admitted) == 0 {
		return
	}

	s.leases.OnBatch(admitted)
	s.queue.Enqueue(admitted)
}

// dispatch hands one message to the application handler. Runs on the
// dispatch-loop goroutine with no pipeline locks held.
func (s *SubscriberSession) dispatch(msg *types.Message) {
	handle := &AckHandle{session: s, ackID: msg.AckID}
	s.handler(s.lifecycleCtx, msg, handle)
}

// onSettled releases flow capacity for a settled lease and grants the next
// read credit.
func (s *SubscriberSession) onSettled(_ string, size int64) {
	s.flow.Release(size)
	s.queue.Read(1)
}

// drainNack nacks messages discarded by the dispatch queue. Ids the lease
// manager no longer tracks — a batch admitted just as teardown disabled
// leasing — are nacked straight through the wire so they never wait out the
// broker's ack deadline.
func (s *SubscriberSession) drainNack(ackIDs []string) {
	untracked, err := s.leases.BulkNack(ackIDs)
	if err != nil {
		s.logger.Warn("failed to nack drained messages", "count", len(ackIDs), "error", err)
		s.fireOnError(err)
	}
	if len(untracked) == 0 {
		return
	}
	if err := s.source.BulkNack(untracked); err != nil {
		s.logger.Warn("failed to nack unleased drained messages", "count", len(untracked), "error", err)
		s.fireOnError(err)
	}
}

// hookCtx returns the context handed to hook callbacks: the lifecycle
// context once Start created it, otherwise a background context. Hooks can
// fire before Start, e.g. when Shutdown precedes it.
func (s *SubscriberSession) hookCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycleCtx != nil {
		return s.lifecycleCtx
	}

	return context.Background()
}

// onStreamConnected relays stream (re)connects to the hooks.
func (s *SubscriberSession) onStreamConnected() {
	if s.hooks == nil || s.hooks.OnStreamConnected == nil {
		return
	}
	ctx := s.hookCtx()
	go func() {
		if err := s.hooks.OnStreamConnected(ctx); err != nil {
			s.logger.Warn("OnStreamConnected hook failed", "error", err)
		}
	}()
}

// onStreamTerminal handles a permanent stream failure: the session shuts
// down carrying the stream error as its terminal result.
func (s *SubscriberSession) onStreamTerminal(err error) {
	s.fireOnError(err)
	s.beginShutdown(types.SessionShutdownByApplication, "stream-error", err)
}

// fireOnError relays a recoverable error to the hooks.
func (s *SubscriberSession) fireOnError(err error) {
	if s.hooks == nil || s.hooks.OnError == nil || err == nil {
		return
	}
	ctx := s.hookCtx()
	go func() {
		if hookErr := s.hooks.OnError(ctx, err); hookErr != nil {
			s.logger.Warn("OnError hook failed", "error", hookErr)
		}
	}()
}

// beginShutdown applies the first-wins shutdown trigger and starts the
// teardown sequence in the background.
func (s *SubscriberSession) beginShutdown(to types.SessionState, reason string, err error) {
	if !s.transition(types.SessionNotStarted, to) {
		return
	}
	s.metrics.RecordShutdown(reason)
	s.logger.Info("session shutting down", "reason", reason, "error", err)

	go s.teardown(to, reason, err)
}

// teardown runs the shutdown sequence: stop intake, drain the dispatch
// queue, nack unresolved leases, then wait for in-flight operations while
// periodically logging progress.
func (s *SubscriberSession) teardown(from types.SessionState, reason string, err error) {
	s.source.Shutdown()
	s.queue.Shutdown()
	s.leases.Shutdown()
	s.coord.MarkShutdown(reason, err)

	ticker := time.NewTicker(s.settings.ShutdownPollingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.coord.Done():
			s.complete(from)
			return
		case <-ticker.C:
			s.logger.Debug("waiting for outstanding operations",
				"outstanding", s.coord.Outstanding())
		}
	}
}

// complete moves the session to its terminal state and releases the
// lifecycle context.
func (s *SubscriberSession) complete(from types.SessionState) {
	s.logger.Info("session completed", "reason", s.coord.Reason(), "error", s.coord.Err())

	s.mu.Lock()
	cancel := s.lifecycleCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.transition(from, types.SessionCompleted)
	s.closeSubscribers()
}

// transition applies one state transition with compare-and-swap first-wins
// semantics and fans the new state out to subscribers and hooks.
func (s *SubscriberSession) transition(from, to types.SessionState) bool {
	if !s.current.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.metrics.RecordSessionTransition(from, to)
	s.logger.Debug("session state changed", "from", from, "to", to)
	s.notifySubscribers(to)

	if s.hooks != nil && s.hooks.OnStateChanged != nil {
		hook := s.hooks.OnStateChanged
		ctx := s.hookCtx()
		go func() {
			if err := hook(ctx, from, to); err != nil {
				s.logger.Warn("OnStateChanged hook failed", "error", err)
			}
		}()
	}

	return true
}

// stateSubscriber is one WaitState listener. The channel is buffered so rapid
// transitions never block the pipeline; trySend drops on overflow, which is
// safe because the session state machine never revisits a state.
type stateSubscriber struct {
	ch     chan types.SessionState
	closed sync.Once
}

func (sub *stateSubscriber) trySend(state types.SessionState) {
	select {
	case sub.ch <- state:
	default:
	}
}

func (sub *stateSubscriber) close() {
	sub.closed.Do(func() { close(sub.ch) })
}

// subscribeState registers a state listener that immediately receives the
// current state.
func (s *SubscriberSession) subscribeState() (<-chan types.SessionState, func()) {
	id := s.nextSubscriberID.Add(1)

	// Buffer size 4 covers the longest possible transition chain.
	sub := &stateSubscriber{ch: make(chan types.SessionState, 4)}
	s.subscribers.Store(id, sub)
	sub.trySend(s.State())

	unsubscribe := func() {
		if sub, ok := s.subscribers.LoadAndDelete(id); ok {
			sub.close()
		}
	}

	return sub.ch, unsubscribe
}

// notifySubscribers fans a state change out to all listeners.
func (s *SubscriberSession) notifySubscribers(state types.SessionState) {
	s.subscribers.Range(func(_ uint64, sub *stateSubscriber) bool {
		sub.trySend(state)
		return true
	})
}

// closeSubscribers closes all listener channels after the terminal state was
// delivered.
func (s *SubscriberSession) closeSubscribers() {
	s.subscribers.Range(func(id uint64, sub *stateSubscriber) bool {
		s.subscribers.Delete(id)
		sub.close()
		return true
	})
}

// AckHandle is the per-message disposition handle passed to the application
// handler. Ack and Nack are effective at most once per handle; the second
// call on either is a no-op returning an already-resolved result.
type AckHandle struct {
	session *SubscriberSession
	ackID   string
	used    atomic.Bool
}

// Ack confirms permanent consumption of the message.
//
// Returns:
//   - *types.AckResult: Resolves when the acknowledge settles; in
//     exactly-once mode it carries the permanent error, if any
func (h *AckHandle) Ack() *types.AckResult {
	if !h.used.CompareAndSwap(false, true) {
		return types.ResolvedAckResult(nil)
	}

	return h.session.leases.Ack(h.ackID)
}

// Nack requests immediate redelivery of the message.
//
// Returns:
//   - *types.AckResult: Resolves when the nack settles
func (h *AckHandle) Nack() *types.AckResult {
	if !h.used.CompareAndSwap(false, true) {
		return types.ResolvedAckResult(nil)
	}

	return h.session.leases.Nack(h.ackID)
}

func messageAckIDs(msgs []*types.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.AckID
	}

	return ids
}
