package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/arloliu/pullstream/internal/flow"
	"github.com/arloliu/pullstream/internal/logging"
	"github.com/arloliu/pullstream/internal/metrics"
	"github.com/arloliu/pullstream/internal/quiesce"
	"github.com/arloliu/pullstream/transport"
	"github.com/arloliu/pullstream/types"
)

// fakeStream is one scripted pull stream. Responses arrive on a channel;
// closing it breaks the stream.
type fakeStream struct {
	startOK   bool
	writeOK   bool
	responses chan *transport.StreamResponse
	finishErr error

	cancelOnce sync.Once
	cancelled  chan struct{}

	mu        sync.Mutex
	written   []*transport.StreamRequest
	finishes  int
	writeDone int
}

func newFakeStream(startOK, writeOK bool, buffered int) *fakeStream {
	return &fakeStream{
		startOK:   startOK,
		writeOK:   writeOK,
		responses: make(chan *transport.StreamResponse, buffered),
		cancelled: make(chan struct{}),
	}
}

func (s *fakeStream) Start(_ context.Context) bool { return s.startOK }

func (s *fakeStream) Write(_ context.Context, req *transport.StreamRequest) bool {
	s.mu.Lock()
	s.written = append(s.written, req)
	s.mu.Unlock()

	return s.writeOK
}

func (s *fakeStream) Read(ctx context.Context) (*transport.StreamResponse, bool) {
	select {
	case resp, ok := <-s.responses:
		if !ok {
			return nil, false
		}

		return resp, true
	case <-s.cancelled:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

func (s *fakeStream) WritesDone() bool {
	s.mu.Lock()
	s.writeDone++
	s.mu.Unlock()

	return true
}

func (s *fakeStream) Finish(_ context.Context) error {
	s.mu.Lock()
	s.finishes++
	s.mu.Unlock()

	return s.finishErr
}

func (s *fakeStream) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelled) })
}

func (s *fakeStream) finishCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.finishes
}

func (s *fakeStream) writesDoneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeDone
}

type ackCall struct {
	op        string
	ackIDs    []string
	extension time.Duration
}

// fakeClient hands out scripted streams in order, repeating the last one
// when the script runs out, and records unary calls.
type fakeClient struct {
	mu      sync.Mutex
	streams []*fakeStream
	opened  int

	calls   []ackCall
	ackErrs []error
	modErrs []error
}

func (c *fakeClient) OpenStream(_ context.Context) transport.PullStream {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.opened
	if idx >= len(c.streams) {
		idx = len(c.streams) - 1
	}
	c.opened++

	return c.streams[idx]
}

func (c *fakeClient) Acknowledge(_ context.Context, ackIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, ackCall{op: "ack", ackIDs: append([]string(nil), ackIDs...)})
	if len(c.ackErrs) > 0 {
		err := c.ackErrs[0]
		c.ackErrs = c.ackErrs[1:]

		return err
	}

	return nil
}

func (c *fakeClient) ModifyAckDeadline(_ context.Context, ackIDs []string, extension time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, ackCall{op: "modify", ackIDs: append([]string(nil), ackIDs...), extension: extension})
	if len(c.modErrs) > 0 {
		err := c.modErrs[0]
		c.modErrs = c.modErrs[1:]

		return err
	}

	return nil
}

func (c *fakeClient) unaryCalls() []ackCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]ackCall(nil), c.calls...)
}

func (c *fakeClient) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.opened
}

type scriptedRetry struct {
	mu        sync.Mutex
	remaining int
}

func (r *scriptedRetry) OnFailure(_ error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining--

	return r.remaining >= 0
}

func (r *scriptedRetry) IsExhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.remaining <= 0
}

func retryTimes(n int) types.RetryPolicyFactory {
	return func() types.RetryPolicy { return &scriptedRetry{remaining: n} }
}

func zeroBackoff() types.BackoffPolicyFactory {
	return func() types.BackoffPolicy { return &fixedBackoff{delay: time.Millisecond} }
}

func testSourceConfig() Config {
	return Config{
		Subscription:           "projects/p/subscriptions/s",
		ClientID:               "client-1",
		StreamAckDeadline:      30 * time.Second,
		MaxOutstandingMessages: 100,
		MaxOutstandingBytes:    1 << 20,
		AckRetryDeadline:       5 * time.Second,
		RetryFactory:           retryTimes(5),
		BackoffFactory:         zeroBackoff(),
	}
}

type sourceHarness struct {
	source    *Source
	client    *fakeClient
	coord     *quiesce.Coordinator
	batches   chan *transport.StreamResponse
	connected chan struct{}
	terminal  chan error
}

func newHarness(t *testing.T, client *fakeClient, cfg Config) *sourceHarness {
	t.Helper()

	h := &sourceHarness{
		client:    client,
		coord:     quiesce.New(logging.NewTest(t)),
		batches:   make(chan *transport.StreamResponse, 16),
		connected: make(chan struct{}, 4),
		terminal:  make(chan error, 1),
	}
	h.source = New(client, cfg, Deps{
		Coordinator: h.coord,
		OnBatch:     func(resp *transport.StreamResponse) { h.batches <- resp },
		OnConnected: func() { h.connected <- struct{}{} },
		OnTerminal:  func(err error) { h.terminal <- err },
		Logger:      logging.NewTest(t),
		Metrics:     metrics.NewNop(),
	})
	t.Cleanup(func() {
		h.source.Shutdown()
		h.coord.MarkShutdown("test-cleanup", nil)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.coord.Wait(ctx)
	})

	return h
}

func (h *sourceHarness) waitBatch(t *testing.T) *transport.StreamResponse {
	t.Helper()
	select {
	case resp := <-h.batches:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a batch")

		return nil
	}
}

func (h *sourceHarness) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-h.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connect")
	}
}

func response(ids ...string) *transport.StreamResponse {
	msgs := make([]*types.Message, len(ids))
	for i, id := range ids {
		msgs[i] = &types.Message{AckID: id, Data: []byte("payload")}
	}

	return &transport.StreamResponse{Messages: msgs}
}

func TestConnect_TransientFailureThenSuccess(t *testing.T) {
	broken := newFakeStream(false, true, 0)
	broken.finishErr = status.Error(codes.Unavailable, "broker restarting")
	healthy := newFakeStream(true, true, 4)
	healthy.responses <- response("m1", "m2")

	client := &fakeClient{streams: []*fakeStream{broken, healthy}}
	h := newHarness(t, client, testSourceConfig())

	require.NoError(t, h.source.Start(context.Background()))
	h.waitConnected(t)

	resp := h.waitBatch(t)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "m1", resp.Messages[0].AckID)
	assert.Equal(t, types.StreamActive, h.source.State())
	assert.Equal(t, 2, client.openCount(), "one failed attempt, one successful")
	assert.Equal(t, 1, broken.finishCount(), "broken stream drained before retrying")
}

func TestConnect_InitialRequestCarriesSettings(t *testing.T) {
	stream := newFakeStream(true, true, 4)
	stream.responses <- response("m1")
	client := &fakeClient{streams: []*fakeStream{stream}}
	cfg := testSourceConfig()
	h := newHarness(t, client, cfg)

	require.NoError(t, h.source.Start(context.Background()))
	h.waitConnected(t)
	h.waitBatch(t)

	stream.mu.Lock()
	defer stream.mu.Unlock()
	require.Len(t, stream.written, 1)
	req := stream.written[0]
	assert.Equal(t, cfg.Subscription, req.Subscription)
	assert.Equal(t, cfg.ClientID, req.ClientID)
	assert.Equal(t, cfg.StreamAckDeadline, req.StreamAckDeadline)
	assert.Equal(t, cfg.MaxOutstandingMessages, req.MaxOutstandingMessages)
	assert.Equal(t, cfg.MaxOutstandingBytes, req.MaxOutstandingBytes)
}

func TestConnect_RetriesExhaustedIsTerminal(t *testing.T) {
	broken := newFakeStream(false, true, 0)
	broken.finishErr = status.Error(codes.Unavailable, "down hard")
	client := &fakeClient{streams: []*fakeStream{broken}}
	cfg := testSourceConfig()
	cfg.RetryFactory = retryTimes(2)
	h := newHarness(t, client, cfg)

	require.NoError(t, h.source.Start(context.Background()))

	select {
	case err := <-h.terminal:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "start failed")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal failure")
	}

	assert.True(t, h.coord.ShutdownRequested())
	assert.Equal(t, "stream-error", h.coord.Reason())
	assert.Equal(t, 2, client.openCount(), "second failure exhausts the retry budget")
}

func TestReconnect_AfterStreamBreaks(t *testing.T) {
	first := newFakeStream(true, true, 4)
	first.responses <- response("a")
	second := newFakeStream(true, true, 4)
	second.responses <- response("b")

	client := &fakeClient{streams: []*fakeStream{first, second}}
	h := newHarness(t, client, testSourceConfig())

	require.NoError(t, h.source.Start(context.Background()))
	h.waitConnected(t)
	assert.Equal(t, "a", h.waitBatch(t).Messages[0].AckID)

	close(first.responses)
	h.waitConnected(t)
	assert.Equal(t, "b", h.waitBatch(t).Messages[0].AckID)

	assert.Equal(t, 2, client.openCount())
	assert.Equal(t, 1, first.finishCount(), "broken stream finished before the new one opened")
	assert.Equal(t, 1, first.writesDoneCount(), "send side half-closed before finishing")
}

func TestShutdown_CancelsInFlightRead(t *testing.T) {
	stream := newFakeStream(true, true, 4)
	stream.responses <- response("a")
	client := &fakeClient{streams: []*fakeStream{stream}}
	h := newHarness(t, client, testSourceConfig())

	require.NoError(t, h.source.Start(context.Background()))
	h.waitConnected(t)
	h.waitBatch(t)

	h.source.Shutdown()
	h.coord.MarkShutdown("application", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.coord.Wait(ctx), "stream loop drains after cancel")

	assert.Equal(t, types.StreamNull, h.source.State(), "teardown walks back to the null state")
	assert.Equal(t, 1, stream.finishCount())
	assert.Equal(t, 1, stream.writesDoneCount())
	assert.Equal(t, 1, client.openCount(), "no reconnect after shutdown")
}

// Drives the read loop through a real flow controller: a batch filling the
// pipeline to the high watermark stalls the next read, and settling
// messages down to the low watermark resumes intake.
func TestReadLoop_GatedByFlowController(t *testing.T) {
	stream := newFakeStream(true, true, 8)
	stream.responses <- response("m1", "m2", "m3", "m4", "m5")
	stream.responses <- response("m6")
	client := &fakeClient{streams: []*fakeStream{stream}}

	fc := flow.New(5, 2, 1<<20, 1<<19, logging.NewTest(t), metrics.NewNop())
	coord := quiesce.New(logging.NewTest(t))
	batches := make(chan *transport.StreamResponse, 8)

	src := New(client, testSourceConfig(), Deps{
		Coordinator: coord,
		Gate:        fc,
		OnBatch: func(resp *transport.StreamResponse) {
			admitted, _ := fc.AdmitBatch(resp.Messages)
			batches <- &transport.StreamResponse{Messages: admitted}
		},
		Logger:  logging.NewTest(t),
		Metrics: metrics.NewNop(),
	})
	t.Cleanup(func() {
		src.Shutdown()
		coord.MarkShutdown("test-cleanup", nil)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Wait(ctx)
	})

	require.NoError(t, src.Start(context.Background()))

	var first *transport.StreamResponse
	select {
	case first = <-batches:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the first batch")
	}
	require.Len(t, first.Messages, 5)
	require.True(t, fc.Paused(), "pipeline at the high watermark pauses intake")

	// While paused the gate must hold the next read.
	select {
	case resp := <-batches:
		t.Fatalf("batch of %d messages delivered while intake was paused", len(resp.Messages))
	case <-time.After(100 * time.Millisecond):
	}

	// Settling three messages reaches the low watermark and intake resumes.
	for _, m := range first.Messages[:3] {
		fc.Release(m.Size())
	}

	select {
	case resp := <-batches:
		require.Len(t, resp.Messages, 1)
		assert.Equal(t, "m6", resp.Messages[0].AckID)
	case <-time.After(5 * time.Second):
		t.Fatal("intake never resumed after reaching the low watermark")
	}
	assert.False(t, fc.Paused())
}

func TestStart_Twice(t *testing.T) {
	stream := newFakeStream(true, true, 4)
	stream.responses <- response("a")
	client := &fakeClient{streams: []*fakeStream{stream}}
	h := newHarness(t, client, testSourceConfig())

	require.NoError(t, h.source.Start(context.Background()))
	assert.ErrorIs(t, h.source.Start(context.Background()), ErrAlreadyStarted)
}

func TestStart_AfterShutdown(t *testing.T) {
	client := &fakeClient{streams: []*fakeStream{newFakeStream(true, true, 1)}}
	h := newHarness(t, client, testSourceConfig())

	h.source.Shutdown()
	assert.ErrorIs(t, h.source.Start(context.Background()), ErrShutdown)
}

func TestAcknowledge_BestEffortSwallowsWireErrors(t *testing.T) {
	client := &fakeClient{
		streams: []*fakeStream{newFakeStream(true, true, 1)},
		ackErrs: []error{status.Error(codes.Unavailable, "flaky")},
	}
	h := newHarness(t, client, testSourceConfig())

	res := h.source.Acknowledge("m1")
	require.NoError(t, res.Get(t.Context()), "best-effort mode never surfaces wire errors")

	calls := client.unaryCalls()
	require.Len(t, calls, 1, "best-effort failures are not retried")
	assert.Equal(t, []string{"m1"}, calls[0].ackIDs)
}

func TestAcknowledge_ExactlyOnceRetriesTransientThenStopsOnPermanent(t *testing.T) {
	client := &fakeClient{
		streams: []*fakeStream{newFakeStream(true, true, 1)},
		ackErrs: []error{
			transport.AckErrorStatus(codes.OK, "partial failure", map[string]string{
				"X": transport.TransientFailurePrefix + "UNORDERED_ACK_ID",
			}),
			transport.AckErrorStatus(codes.OK, "partial failure", map[string]string{
				"X": transport.PermanentFailureInvalidAckID,
			}),
		},
	}
	h := newHarness(t, client, testSourceConfig())
	h.source.exactlyOnce.Store(true)

	res := h.source.Acknowledge("X")
	err := res.Get(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), transport.PermanentFailureInvalidAckID)

	calls := client.unaryCalls()
	require.Len(t, calls, 2, "one retry for the transient failure, none after the permanent one")
	assert.Equal(t, []string{"X"}, calls[0].ackIDs)
	assert.Equal(t, []string{"X"}, calls[1].ackIDs)
}

func TestAcknowledge_ExactlyOnceSuccess(t *testing.T) {
	client := &fakeClient{streams: []*fakeStream{newFakeStream(true, true, 1)}}
	h := newHarness(t, client, testSourceConfig())
	h.source.exactlyOnce.Store(true)

	res := h.source.Acknowledge("m1")
	require.NoError(t, res.Get(t.Context()))
}

func TestAcknowledge_ExactlyOnceBudgetExhausted(t *testing.T) {
	client := &fakeClient{
		streams: []*fakeStream{newFakeStream(true, true, 1)},
		ackErrs: []error{
			status.Error(codes.Unavailable, "still down"),
		},
	}
	cfg := testSourceConfig()
	cfg.AckRetryDeadline = 0
	h := newHarness(t, client, cfg)
	h.source.exactlyOnce.Store(true)

	res := h.source.Acknowledge("m1")
	err := res.Get(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry budget exhausted")
	assert.Len(t, client.unaryCalls(), 1)
}

func TestModifyAckDeadline_ZeroExtensionIsNack(t *testing.T) {
	client := &fakeClient{streams: []*fakeStream{newFakeStream(true, true, 1)}}
	h := newHarness(t, client, testSourceConfig())

	res := h.source.ModifyAckDeadline([]string{"m1", "m2"}, 0)
	require.NoError(t, res.Get(t.Context()))

	calls := client.unaryCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "modify", calls[0].op)
	assert.Equal(t, time.Duration(0), calls[0].extension)
	assert.Equal(t, []string{"m1", "m2"}, calls[0].ackIDs)
}

func TestUnary_DroppedAfterShutdown(t *testing.T) {
	client := &fakeClient{streams: []*fakeStream{newFakeStream(true, true, 1)}}
	h := newHarness(t, client, testSourceConfig())

	h.coord.MarkShutdown("application", nil)

	res := h.source.Acknowledge("m1")
	require.NoError(t, res.Get(t.Context()))
	assert.Empty(t, client.unaryCalls(), "dropped calls never reach the wire")
}

func TestBulkNack_SplitsIntoChunks(t *testing.T) {
	client := &fakeClient{streams: []*fakeStream{newFakeStream(true, true, 1)}}
	cfg := testSourceConfig()
	cfg.MaxAckIDsPerRequest = 2
	h := newHarness(t, client, cfg)

	require.NoError(t, h.source.BulkNack([]string{"a", "b", "c", "d", "e"}))

	calls := client.unaryCalls()
	require.Len(t, calls, 3, "five ids split into 2+2+1")
	assert.Equal(t, []string{"a", "b"}, calls[0].ackIDs)
	assert.Equal(t, []string{"c", "d"}, calls[1].ackIDs)
	assert.Equal(t, []string{"e"}, calls[2].ackIDs)
	for _, call := range calls {
		assert.Equal(t, time.Duration(0), call.extension)
	}
}

func TestBulkNack_PartialFailureReported(t *testing.T) {
	client := &fakeClient{
		streams: []*fakeStream{newFakeStream(true, true, 1)},
		modErrs: []error{errors.New("chunk one failed"), nil},
	}
	cfg := testSourceConfig()
	cfg.MaxAckIDsPerRequest = 1
	h := newHarness(t, client, cfg)

	err := h.source.BulkNack([]string{"a", "b"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "chunk one failed"))
	assert.Len(t, client.unaryCalls(), 2, "remaining chunks are still issued")
}

func TestBulkNack_Empty(t *testing.T) {
	client := &fakeClient{streams: []*fakeStream{newFakeStream(true, true, 1)}}
	h := newHarness(t, client, testSourceConfig())

	require.NoError(t, h.source.BulkNack(nil))
	assert.Empty(t, client.unaryCalls())
}

func TestExactlyOnceFlagTracksResponses(t *testing.T) {
	stream := newFakeStream(true, true, 4)
	stream.responses <- &transport.StreamResponse{
		Messages:            []*types.Message{{AckID: "a"}},
		ExactlyOnceDelivery: true,
	}
	client := &fakeClient{streams: []*fakeStream{stream}}
	h := newHarness(t, client, testSourceConfig())

	require.NoError(t, h.source.Start(context.Background()))
	h.waitConnected(t)
	h.waitBatch(t)
	assert.True(t, h.source.ExactlyOnceDelivery())

	stream.responses <- &transport.StreamResponse{
		Messages:            []*types.Message{{AckID: "b"}},
		ExactlyOnceDelivery: false,
	}
	h.waitBatch(t)
	assert.False(t, h.source.ExactlyOnceDelivery(), "the flag follows the latest response")
}
