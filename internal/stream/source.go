// Package stream owns the single logical bidirectional pull stream to the
// broker: it retries the connect sequence under the caller-supplied policy,
// reconnects on transient stream failures, and surfaces received batches
// plus the unary acknowledge, nack and lease-extension operations.
//
// The stream moves through an explicit state machine
// (Null → Active → Disconnecting → Finishing → Null) so shutdown always
// synchronizes with in-flight reads instead of orphaning them; tests drive
// the machine state by state through a fake transport.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/pullstream/internal/quiesce"
	"github.com/arloliu/pullstream/transport"
	"github.com/arloliu/pullstream/types"
)

// Operation names registered with the shutdown coordinator.
const (
	opStreamLoop = "stream-loop"
	opAck        = "acknowledge"
	opModify     = "modify-ack-deadline"
)

// defaultMaxAckIDsPerRequest caps ack ids per wire request; a bulk nack
// exceeding it is split into multiple requests.
const defaultMaxAckIDsPerRequest = 1000

// unaryTimeout bounds every unary wire call, including its retry loop in
// exactly-once mode.
const unaryTimeout = 60 * time.Second

// Sentinel errors returned by the Source.
var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("batch source already started")

	// ErrShutdown is returned when Start is called after shutdown.
	ErrShutdown = errors.New("batch source is shut down")
)

// PullGate gates stream reads; the flow controller implements it.
type PullGate interface {
	// Wait blocks until the next read may be issued or ctx is done.
	Wait(ctx context.Context) error
}

// Config carries the stream parameters.
type Config struct {
	// Subscription names the subscription to pull from.
	Subscription string

	// ClientID identifies this subscriber instance across reconnects.
	ClientID string

	// StreamAckDeadline is the per-stream ack deadline advertised in the
	// initial request.
	StreamAckDeadline time.Duration

	// MaxOutstandingMessages and MaxOutstandingBytes are advertised to the
	// broker so it can shape batch sizes to the client's watermarks.
	MaxOutstandingMessages int64
	MaxOutstandingBytes    int64

	// MaxAckIDsPerRequest caps ack ids per wire request. Zero uses the
	// package default.
	MaxAckIDsPerRequest int

	// AckRetryDeadline is the per-operation retry budget in exactly-once
	// mode.
	AckRetryDeadline time.Duration

	// RetryFactory mints the retry policy governing one connect sequence.
	RetryFactory types.RetryPolicyFactory

	// BackoffFactory mints backoff policies for connect and ack retries.
	BackoffFactory types.BackoffPolicyFactory
}

// Deps wires the source into the rest of the pipeline.
type Deps struct {
	// Coordinator tracks the stream loop and every unary call as named
	// operations (required).
	Coordinator *quiesce.Coordinator

	// Gate is consulted before each stream read; nil leaves intake ungated.
	Gate PullGate

	// OnBatch receives every response read from the stream (required).
	// Called from the stream loop goroutine; the next read is not issued
	// until it returns.
	OnBatch func(resp *transport.StreamResponse)

	// OnConnected fires after each successful connect sequence.
	OnConnected func()

	// OnTerminal fires once when the stream fails permanently (connect
	// retries exhausted). The coordinator is already marked shut down when
	// it runs.
	OnTerminal func(err error)

	Logger  types.Logger
	Metrics types.StreamMetrics
}

// Source is the streaming batch source. One instance owns one logical
// stream and its reconnect cycle.
type Source struct {
	client transport.SubscriberClient
	cfg    Config
	coord  *quiesce.Coordinator
	gate   PullGate

	onBatch     func(resp *transport.StreamResponse)
	onConnected func()
	onTerminal  func(err error)

	logger  types.Logger
	metrics types.StreamMetrics

	runCtx    context.Context
	cancelRun context.CancelFunc

	exactlyOnce atomic.Bool

	mu           sync.Mutex
	state        types.StreamState
	cur          transport.PullStream
	readInFlight bool
	shutdown     bool
	started      bool
}

// New creates a batch source in the Null state. The stream opens when Start
// is called.
func New(client transport.SubscriberClient, cfg Config, deps Deps) *Source {
	if cfg.MaxAckIDsPerRequest <= 0 {
		cfg.MaxAckIDsPerRequest = defaultMaxAckIDsPerRequest
	}

	return &Source{
		client:      client,
		cfg:         cfg,
		coord:       deps.Coordinator,
		gate:        deps.Gate,
		onBatch:     deps.OnBatch,
		onConnected: deps.OnConnected,
		onTerminal:  deps.OnTerminal,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		state:       types.StreamNull,
	}
}

// Start launches the stream loop in the background.
//
// The loop runs decoupled from the caller's context; teardown happens only
// through Shutdown so in-flight reads always synchronize with the
// Disconnecting/Finishing transitions.
//
// Returns:
//   - error: ErrAlreadyStarted on a second call, ErrShutdown if shutdown was
//     already requested
func (s *Source) Start(_ context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	s.started = true
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	s.mu.Unlock()

	if !s.coord.StartAsyncOperation(opStreamLoop, s.run) {
		return ErrShutdown
	}

	return nil
}

// State returns the current stream state.
func (s *Source) State() types.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// ExactlyOnceDelivery reports the exactly-once flag learned from the most
// recent stream response.
func (s *Source) ExactlyOnceDelivery() bool {
	return s.exactlyOnce.Load()
}

// run is the stream loop: connect, read until the stream breaks, finish,
// reconnect — until shutdown or retry exhaustion.
func (s *Source) run() {
	defer s.coord.FinishedOperation(opStreamLoop)

	for {
		stream, first, attempts, err := s.connect()
		if err != nil {
			if s.isShutdown() {
				s.logger.Debug("connect aborted by shutdown")
				return
			}
			s.logger.Error("stream connect failed permanently", "attempts", attempts, "error", err)
			s.coord.MarkShutdown("stream-error", err)
			if s.onTerminal != nil {
				s.onTerminal(err)
			}

			return
		}

		s.metrics.RecordStreamReconnect(attempts)
		if s.onConnected != nil {
			s.onConnected()
		}

		s.readLoop(stream, first)
		s.closeStream(stream)

		if s.isShutdown() {
			return
		}
		s.logger.Warn("stream disconnected, reconnecting")
	}
}

// connect runs the connect sequence — open, Start, Write initial request,
// Read first response — retrying each failure under a fresh retry+backoff
// policy until success, shutdown, or exhaustion.
func (s *Source) connect() (stream transport.PullStream, first *transport.StreamResponse, attempts int, err error) {
	retry := s.cfg.RetryFactory()
	backoff := s.cfg.BackoffFactory()

	for {
		if s.isShutdown() {
			return nil, nil, attempts, context.Canceled
		}
		attempts++

		stream = s.client.OpenStream(s.runCtx)
		s.setCurrent(stream)
		first, err = s.establish(stream)
		if err == nil {
			s.activate(stream)
			return stream, first, attempts, nil
		}
		s.clearCurrent()

		if s.isShutdown() {
			return nil, nil, attempts, context.Canceled
		}
		if !retry.OnFailure(err) || retry.IsExhausted() {
			return nil, nil, attempts, err
		}

		delay := backoff.NextDelay()
		s.logger.Warn("stream connect attempt failed, backing off",
			"attempt", attempts, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-s.runCtx.Done():
			return nil, nil, attempts, context.Canceled
		}
	}
}

// establish drives one stream through Start, the initial Write and the
// first Read. On any failure the stream is drained with Finish and the
// step's failure is returned.
func (s *Source) establish(stream transport.PullStream) (*transport.StreamResponse, error) {
	if !stream.Start(s.runCtx) {
		return nil, s.drainFailed(stream, "start")
	}

	req := &transport.StreamRequest{
		Subscription:           s.cfg.Subscription,
		ClientID:               s.cfg.ClientID,
		StreamAckDeadline:      s.cfg.StreamAckDeadline,
		MaxOutstandingMessages: s.cfg.MaxOutstandingMessages,
		MaxOutstandingBytes:    s.cfg.MaxOutstandingBytes,
	}
	if !stream.Write(s.runCtx, req) {
		return nil, s.drainFailed(stream, "write")
	}

	resp, ok := stream.Read(s.runCtx)
	if !ok {
		return nil, s.drainFailed(stream, "read")
	}

	return resp, nil
}

// drainFailed finishes a stream that broke during the connect sequence and
// reports the step's failure.
func (s *Source) drainFailed(stream transport.PullStream, step string) error {
	err := stream.Finish(s.runCtx)
	if err == nil {
		err = fmt.Errorf("stream %s failed", step)
	} else {
		err = fmt.Errorf("stream %s failed: %w", step, err)
	}

	return err
}

// readLoop delivers the first response, then keeps reading until the stream
// breaks or shutdown cancels the in-flight read. The pull gate is consulted
// before every read after the first.
func (s *Source) readLoop(stream transport.PullStream, first *transport.StreamResponse) {
	s.deliver(first)

	for {
		if s.gate != nil {
			if err := s.gate.Wait(s.runCtx); err != nil {
				return
			}
		}

		s.setReadInFlight(true)
		resp, ok := stream.Read(s.runCtx)
		s.setReadInFlight(false)
		if !ok {
			return
		}
		s.deliver(resp)
	}
}

// deliver records and forwards one response.
func (s *Source) deliver(resp *transport.StreamResponse) {
	if resp == nil {
		return
	}
	s.exactlyOnce.Store(resp.ExactlyOnceDelivery)

	var bytes int64
	for _, m := range resp.Messages {
		bytes += m.Size()
	}
	s.metrics.RecordBatchReceived(len(resp.Messages), bytes)
	s.onBatch(resp)
}

// closeStream walks an active stream through Disconnecting and Finishing
// back to Null, collecting its terminal status. The send side is
// half-closed first so the broker sees an orderly end of requests; on a
// stream that already broke this is best effort.
func (s *Source) closeStream(stream transport.PullStream) {
	s.transitionTo(types.StreamDisconnecting)
	if !stream.WritesDone() {
		s.logger.Debug("stream writes-done failed")
	}
	s.transitionTo(types.StreamFinishing)

	if err := stream.Finish(s.runCtx); err != nil {
		s.logger.Debug("stream finished", "error", err)
	}

	s.mu.Lock()
	s.cur = nil
	s.transitionLocked(types.StreamNull)
	s.mu.Unlock()
}

// Shutdown requests teardown of the stream.
//
// If a read is in flight the stream moves to Disconnecting and the read is
// cancelled; the stream loop then issues Finish and exits without
// reconnecting. Idempotent.
func (s *Source) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	stream := s.cur
	cancel := s.cancelRun
	if s.state == types.StreamActive && s.readInFlight {
		s.transitionLocked(types.StreamDisconnecting)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Cancel()
	}
}

// Acknowledge confirms consumption of one delivery lease.
//
// Best-effort when exactly-once delivery is disabled: the result resolves
// nil once the call is issued and wire failures are only logged. In
// exactly-once mode the call retries transient per-id failures under the
// ack retry budget and the result carries the permanent error, if any.
func (s *Source) Acknowledge(ackID string) *types.AckResult {
	return s.startUnary(opAck, "ack", []string{ackID}, func(ctx context.Context, ids []string) error {
		return s.client.Acknowledge(ctx, ids)
	})
}

// ModifyAckDeadline moves the redelivery deadline of the given leases to
// now+extension. A zero extension nacks them. Same best-effort versus
// exactly-once semantics as Acknowledge.
func (s *Source) ModifyAckDeadline(ackIDs []string, extension time.Duration) *types.AckResult {
	ids := append([]string(nil), ackIDs...)
	op := "extend"
	if extension == 0 {
		op = "nack"
	}

	return s.startUnary(opModify, op, ids, func(ctx context.Context, ids []string) error {
		return s.client.ModifyAckDeadline(ctx, ids, extension)
	})
}

// BulkNack nacks the given leases, splitting the request whenever the id
// count exceeds the per-request cap; a nonempty remainder is its own
// request. All partial requests are issued; a combined failure is returned
// only if at least one of them failed.
//
// BulkNack bypasses the coordinator deliberately: it is the synchronous
// fallback used during shutdown, after the coordinator already refuses new
// operations.
func (s *Source) BulkNack(ackIDs []string) error {
	if len(ackIDs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), unaryTimeout)
	defer cancel()

	var errs []error
	for start := 0; start < len(ackIDs); start += s.cfg.MaxAckIDsPerRequest {
		end := start + s.cfg.MaxAckIDsPerRequest
		if end > len(ackIDs) {
			end = len(ackIDs)
		}
		chunk := ackIDs[start:end]
		err := s.client.ModifyAckDeadline(ctx, chunk, 0)
		s.metrics.RecordAckCall("nack", err == nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("nack of %d ack ids failed: %w", len(chunk), err))
		}
	}

	return errors.Join(errs...)
}

// startUnary registers the call with the coordinator and runs it on its own
// goroutine. After shutdown the call is dropped silently: the lease was
// already nacked by the teardown sequence and the broker's redelivery is
// the safety net.
func (s *Source) startUnary(name, op string, ids []string, call func(ctx context.Context, ids []string) error) *types.AckResult {
	res := types.NewAckResult()
	started := s.coord.StartAsyncOperation(name, func() {
		defer s.coord.FinishedOperation(name)
		s.runUnary(op, ids, call, res)
	})
	if !started {
		s.logger.Debug("unary call dropped after shutdown", "op", op, "ack_ids", len(ids))
		res.Resolve(nil)
	}

	return res
}

// runUnary executes one unary call, applying the exactly-once retry loop
// when that mode is enabled.
func (s *Source) runUnary(op string, ids []string, call func(ctx context.Context, ids []string) error, res *types.AckResult) {
	ctx, cancel := context.WithTimeout(context.Background(), unaryTimeout)
	defer cancel()

	if !s.exactlyOnce.Load() {
		err := call(ctx, ids)
		s.metrics.RecordAckCall(op, err == nil)
		if err != nil {
			s.logger.Warn("best-effort call failed", "op", op, "ack_ids", len(ids), "error", err)
		}
		res.Resolve(nil)

		return
	}

	policy := NewAckRetryPolicy(s.cfg.AckRetryDeadline, s.cfg.BackoffFactory(), nil)
	pending := ids
	var permanent []error

	for {
		err := call(ctx, pending)
		s.metrics.RecordAckCall(op, err == nil)
		if err == nil {
			break
		}

		retriable, failed := transport.ClassifyAckErrors(err, pending)
		for _, id := range pending {
			if ferr, ok := failed[id]; ok {
				permanent = append(permanent, ferr)
			}
		}
		if len(retriable) == 0 {
			break
		}
		if policy.IsExhausted() {
			permanent = append(permanent, fmt.Errorf("retry budget exhausted for %d ack ids: %w", len(retriable), err))
			break
		}

		pending = retriable
		s.metrics.RecordAckRetry(op)
		select {
		case <-time.After(policy.NextDelay()):
		case <-ctx.Done():
			permanent = append(permanent, ctx.Err())
			res.Resolve(errors.Join(permanent...))

			return
		}
	}

	res.Resolve(errors.Join(permanent...))
}

func (s *Source) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.shutdown
}

func (s *Source) setCurrent(stream transport.PullStream) {
	s.mu.Lock()
	s.cur = stream
	s.mu.Unlock()
}

func (s *Source) clearCurrent() {
	s.mu.Lock()
	s.cur = nil
	s.mu.Unlock()
}

func (s *Source) setReadInFlight(v bool) {
	s.mu.Lock()
	s.readInFlight = v
	s.mu.Unlock()
}

// activate marks the connect sequence complete.
func (s *Source) activate(stream transport.PullStream) {
	s.mu.Lock()
	s.cur = stream
	s.transitionLocked(types.StreamActive)
	s.mu.Unlock()
}

// transitionTo moves the state machine, ignoring a same-state no-op.
func (s *Source) transitionTo(to types.StreamState) {
	s.mu.Lock()
	s.transitionLocked(to)
	s.mu.Unlock()
}

// validStreamTransitions lists the allowed edges of the stream state
// machine.
var validStreamTransitions = map[types.StreamState][]types.StreamState{
	types.StreamNull:          {types.StreamActive},
	types.StreamActive:        {types.StreamDisconnecting},
	types.StreamDisconnecting: {types.StreamFinishing},
	types.StreamFinishing:     {types.StreamNull},
}

// transitionLocked applies one state transition. Caller holds s.mu.
func (s *Source) transitionLocked(to types.StreamState) {
	from := s.state
	if from == to {
		return
	}
	allowed := false
	for _, next := range validStreamTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		s.logger.Error("invalid stream transition ignored", "from", from, "to", to)
		return
	}
	s.state = to
	s.metrics.RecordStreamTransition(from, to)
	s.logger.Debug("stream state changed", "from", from, "to", to)
}
