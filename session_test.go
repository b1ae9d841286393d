package pullstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/arloliu/pullstream/internal/logging"
	"github.com/arloliu/pullstream/transport"
	"github.com/arloliu/pullstream/types"
)

const testTimeout = 5 * time.Second

// sessionStream is one scripted pull stream for session-level tests.
type sessionStream struct {
	startOK   bool
	finishErr error
	responses chan *transport.StreamResponse

	once      sync.Once
	cancelled chan struct{}
}

func newSessionStream(startOK bool) *sessionStream {
	return &sessionStream{
		startOK:   startOK,
		responses: make(chan *transport.StreamResponse, 16),
		cancelled: make(chan struct{}),
	}
}

func (s *sessionStream) Start(_ context.Context) bool { return s.startOK }

func (s *sessionStream) Write(_ context.Context, _ *transport.StreamRequest) bool { return true }

func (s *sessionStream) Read(ctx context.Context) (*transport.StreamResponse, bool) {
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

func (s *sessionStream) WritesDone() bool { return true }

func (s *sessionStream) Finish(_ context.Context) error { return s.finishErr }

func (s *sessionStream) Cancel() {
	s.once.Do(func() { close(s.cancelled) })
}

type wireCall struct {
	op        string
	ackIDs    []string
	extension time.Duration
}

// sessionClient records unary wire calls and serves one scripted stream.
type sessionClient struct {
	stream *sessionStream

	mu    sync.Mutex
	calls []wireCall
}

func (c *sessionClient) OpenStream(_ context.Context) transport.PullStream { return c.stream }

func (c *sessionClient) Acknowledge(_ context.Context, ackIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, wireCall{op: "ack", ackIDs: append([]string(nil), ackIDs...)})

	return nil
}

func (c *sessionClient) ModifyAckDeadline(_ context.Context, ackIDs []string, extension time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, wireCall{op: "modify", ackIDs: append([]string(nil), ackIDs...), extension: extension})

	return nil
}

func (c *sessionClient) wireCalls() []wireCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]wireCall(nil), c.calls...)
}

func batchResponse(ids ...string) *transport.StreamResponse {
	msgs := make([]*types.Message, len(ids))
	for i, id := range ids {
		msgs[i] = &types.Message{ID: "id-" + id, AckID: id, Data: []byte("payload")}
	}

	return &transport.StreamResponse{Messages: msgs}
}

func testSettings() Settings {
	return Settings{
		Subscription: "projects/p/subscriptions/test",
		ClientID:     "test-client",
	}
}

func newTestSession(t *testing.T, client *sessionClient, opts ...Option) *SubscriberSession {
	t.Helper()

	opts = append([]Option{WithLogger(logging.NewTest(t))}, opts...)
	session, err := NewSession(client, testSettings(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		session.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = session.Wait(ctx)
		// Wait for the terminal transition too, so teardown goroutines are
		// done logging through t before the test ends.
		<-session.WaitState(types.SessionCompleted, testTimeout)
	})

	return session
}

func waitErr(t *testing.T, session *SubscriberSession) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	return session.Wait(ctx)
}

func TestNewSession_RequiresClient(t *testing.T) {
	_, err := NewSession(nil, testSettings())
	assert.ErrorIs(t, err, ErrTransportRequired)
}

func TestNewSession_ValidatesSettings(t *testing.T) {
	_, err := NewSession(&sessionClient{stream: newSessionStream(true)}, Settings{})
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

func TestStart_RequiresHandler(t *testing.T) {
	session := newTestSession(t, &sessionClient{stream: newSessionStream(true)})
	assert.ErrorIs(t, session.Start(context.Background(), nil), ErrHandlerRequired)
}

func TestStart_Twice(t *testing.T) {
	client := &sessionClient{stream: newSessionStream(true)}
	session := newTestSession(t, client)
	handler := func(context.Context, *Message, AckReplier) {}

	require.NoError(t, session.Start(context.Background(), handler))
	assert.ErrorIs(t, session.Start(context.Background(), handler), ErrAlreadyStarted)
}

func TestSession_DeliverAndAck(t *testing.T) {
	stream := newSessionStream(true)
	stream.responses <- batchResponse("m1")
	client := &sessionClient{stream: stream}
	session := newTestSession(t, client)

	received := make(chan *Message, 1)
	ackErr := make(chan error, 1)
	require.NoError(t, session.Start(context.Background(), func(ctx context.Context, msg *Message, ack AckReplier) {
		received <- msg
		ackErr <- ack.Ack().Get(ctx)
	}))

	select {
	case msg := <-received:
		assert.Equal(t, "m1", msg.AckID)
	case <-time.After(testTimeout):
		t.Fatal("message never delivered")
	}
	select {
	case err := <-ackErr:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("ack never settled")
	}

	calls := client.wireCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ack", calls[0].op)
	assert.Equal(t, []string{"m1"}, calls[0].ackIDs)

	session.Shutdown()
	require.NoError(t, waitErr(t, session))
	assert.Equal(t, types.SessionCompleted, session.State())
}

func TestSession_HandlerNack(t *testing.T) {
	stream := newSessionStream(true)
	stream.responses <- batchResponse("m1")
	client := &sessionClient{stream: stream}
	session := newTestSession(t, client)

	nackErr := make(chan error, 1)
	require.NoError(t, session.Start(context.Background(), func(ctx context.Context, _ *Message, ack AckReplier) {
		nackErr <- ack.Nack().Get(ctx)
	}))

	select {
	case err := <-nackErr:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("nack never settled")
	}

	calls := client.wireCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "modify", calls[0].op)
	assert.Equal(t, time.Duration(0), calls[0].extension, "nack is a zero-extension deadline change")
	assert.Equal(t, []string{"m1"}, calls[0].ackIDs)
}

func TestSession_SecondDispositionIsNoOp(t *testing.T) {
	stream := newSessionStream(true)
	stream.responses <- batchResponse("m1")
	client := &sessionClient{stream: stream}
	session := newTestSession(t, client)

	done := make(chan struct{})
	require.NoError(t, session.Start(context.Background(), func(ctx context.Context, _ *Message, ack AckReplier) {
		require.NoError(t, ack.Ack().Get(ctx))
		require.NoError(t, ack.Ack().Get(ctx), "second ack resolves immediately")
		require.NoError(t, ack.Nack().Get(ctx), "nack after ack resolves immediately")
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("handler never finished")
	}

	calls := client.wireCalls()
	require.Len(t, calls, 1, "only the first disposition reaches the wire")
	assert.Equal(t, "ack", calls[0].op)
}

func TestSession_ShutdownNacksUnresolvedLeases(t *testing.T) {
	stream := newSessionStream(true)
	stream.responses <- batchResponse("m1", "m2")
	client := &sessionClient{stream: stream}
	session := newTestSession(t, client)

	var delivered sync.WaitGroup
	delivered.Add(2)
	require.NoError(t, session.Start(context.Background(), func(context.Context, *Message, AckReplier) {
		delivered.Done()
	}))
	delivered.Wait()

	session.Shutdown()
	require.NoError(t, waitErr(t, session))

	var nacked []string
	for _, call := range client.wireCalls() {
		if call.op == "modify" && call.extension == 0 {
			nacked = append(nacked, call.ackIDs...)
		}
	}
	assert.ElementsMatch(t, []string{"m1", "m2"}, nacked,
		"messages the handler never resolved go back to the broker")
}

func TestSession_ExecutorCancelTearsDown(t *testing.T) {
	stream := newSessionStream(true)
	stream.responses <- batchResponse("m1")
	client := &sessionClient{stream: stream}
	session := newTestSession(t, client)

	received := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, session.Start(ctx, func(context.Context, *Message, AckReplier) {
		received <- struct{}{}
	}))

	select {
	case <-received:
	case <-time.After(testTimeout):
		t.Fatal("message never delivered")
	}

	cancel()
	err := waitErr(t, session)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.SessionCompleted, session.State())
}

func TestSession_StreamFailureIsTerminal(t *testing.T) {
	stream := newSessionStream(false)
	stream.finishErr = status.Error(codes.NotFound, "no such subscription")
	client := &sessionClient{stream: stream}

	hookErrs := make(chan error, 4)
	hooks := &Hooks{
		OnError: func(_ context.Context, err error) error {
			hookErrs <- err
			return nil
		},
	}
	session := newTestSession(t, client, WithHooks(hooks))

	require.NoError(t, session.Start(context.Background(), func(context.Context, *Message, AckReplier) {}))

	err := waitErr(t, session)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start failed")

	select {
	case hookErr := <-hookErrs:
		assert.Error(t, hookErr)
	case <-time.After(testTimeout):
		t.Fatal("OnError hook never fired")
	}
}

func TestSession_WaitState(t *testing.T) {
	stream := newSessionStream(true)
	client := &sessionClient{stream: stream}
	session := newTestSession(t, client)

	require.NoError(t, session.Start(context.Background(), func(context.Context, *Message, AckReplier) {}))

	assert.ErrorIs(t, <-session.WaitState(types.SessionCompleted, 50*time.Millisecond),
		context.DeadlineExceeded, "running session does not reach Completed")

	done := session.WaitState(types.SessionCompleted, testTimeout)
	session.Shutdown()
	require.NoError(t, <-done)
	assert.Equal(t, types.SessionCompleted, session.State())
}

func TestSession_StateChangeHook(t *testing.T) {
	stream := newSessionStream(true)
	client := &sessionClient{stream: stream}

	transitions := make(chan [2]types.SessionState, 8)
	hooks := &Hooks{
		OnStateChanged: func(_ context.Context, from, to types.SessionState) error {
			transitions <- [2]types.SessionState{from, to}
			return nil
		},
	}
	session := newTestSession(t, client, WithHooks(hooks))
	require.NoError(t, session.Start(context.Background(), func(context.Context, *Message, AckReplier) {}))

	session.Shutdown()
	require.NoError(t, waitErr(t, session))

	seen := make(map[[2]types.SessionState]bool)
	timeout := time.After(testTimeout)
	for len(seen) < 2 {
		select {
		case tr := <-transitions:
			seen[tr] = true
		case <-timeout:
			t.Fatal("state change hooks never fired")
		}
	}
	assert.True(t, seen[[2]types.SessionState{types.SessionNotStarted, types.SessionShutdownByApplication}])
	assert.True(t, seen[[2]types.SessionState{types.SessionShutdownByApplication, types.SessionCompleted}])
}

func TestSession_LateBatchDuringTeardownIsNacked(t *testing.T) {
	stream := newSessionStream(true)
	client := &sessionClient{stream: stream}
	session := newTestSession(t, client)
	require.NoError(t, session.Start(context.Background(), func(context.Context, *Message, AckReplier) {}))

	// Interleaving where a batch passes the shutdown check while teardown is
	// already past the lease manager: the batch is admitted but never leased.
	session.source.Shutdown()
	session.queue.Shutdown()
	session.leases.Shutdown()
	session.onBatch(batchResponse("late1", "late2"))

	var nacked []string
	for _, call := range client.wireCalls() {
		if call.op == "modify" && call.extension == 0 {
			nacked = append(nacked, call.ackIDs...)
		}
	}
	assert.ElementsMatch(t, []string{"late1", "late2"}, nacked,
		"an unleased late batch must still be nacked through the wire")
}

func TestSession_HookBeforeStartGetsContext(t *testing.T) {
	client := &sessionClient{stream: newSessionStream(true)}

	ctxs := make(chan context.Context, 4)
	hooks := &Hooks{
		OnStateChanged: func(ctx context.Context, _, _ types.SessionState) error {
			ctxs <- ctx
			return nil
		},
	}
	session := newTestSession(t, client, WithHooks(hooks))

	session.Shutdown()
	require.NoError(t, waitErr(t, session))

	select {
	case ctx := <-ctxs:
		require.NotNil(t, ctx, "hooks firing before Start still receive a context")
		assert.NoError(t, ctx.Err())
	case <-time.After(testTimeout):
		t.Fatal("state change hook never fired")
	}
}

func TestSession_ShutdownBeforeStart(t *testing.T) {
	client := &sessionClient{stream: newSessionStream(true)}
	session := newTestSession(t, client)

	session.Shutdown()
	require.NoError(t, waitErr(t, session))
	assert.Equal(t, types.SessionCompleted, session.State())
	assert.ErrorIs(t, session.Start(context.Background(), func(context.Context, *Message, AckReplier) {}),
		ErrSessionClosed)
}
