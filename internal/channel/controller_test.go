package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/protocol"
)

// fakeSpawner hands out fakeConns and lets the test play the worker.
type fakeSpawner struct {
	mu       sync.Mutex
	spawned  int
	failWith error
	rcv      Receiver
	conn     *fakeConn
}

func (s *fakeSpawner) Spawn(_ context.Context, rcv Receiver) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned++
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.rcv = rcv
	s.conn = &fakeConn{sent: make(chan *protocol.Envelope, 64)}
	return s.conn, nil
}

func (s *fakeSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned
}

// nextSent waits for the lazy spawn and returns the next envelope sent.
func (s *fakeSpawner) nextSent(t *testing.T) *protocol.Envelope {
	t.Helper()
	var conn *fakeConn
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		conn = s.conn
		return conn != nil
	}, 2*time.Second, time.Millisecond)
	return conn.next(t)
}

func (s *fakeSpawner) receiver() Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rcv
}

type fakeConn struct {
	mu      sync.Mutex
	sent    chan *protocol.Envelope
	sendErr error
	closed  bool
}

func (c *fakeConn) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent <- env
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) next(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope was sent")
		return nil
	}
}

func newTestController(opts ...Option) (*Controller, *fakeSpawner) {
	spawner := &fakeSpawner{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(spawner, logger, opts...), spawner
}

type submitResult struct {
	res *protocol.ExecutionResult
	err error
}

func submitAsync(c *Controller, req protocol.ExecutionRequest) <-chan submitResult {
	out := make(chan submitResult, 1)
	go func() {
		res, err := c.Submit(context.Background(), req)
		out <- submitResult{res, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan submitResult) submitResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not return")
		return submitResult{}
	}
}

func respond(t *testing.T, rcv Receiver, id string, res *protocol.ExecutionResult) {
	t.Helper()
	env, err := protocol.NewResultEnvelope(id, res)
	require.NoError(t, err)
	rcv.Deliver(env)
}

var pythonReq = protocol.ExecutionRequest{Language: protocol.LanguagePython, Code: "print(1)", TimeoutMs: 2000}

func TestSubmitResolvesMatchingResponse(t *testing.T) {
	c, spawner := newTestController()

	done := submitAsync(c, pythonReq)
	env := spawner.nextSent(t)

	assert.Equal(t, protocol.TypeExecute, env.Type)
	req, err := env.DecodeExecute()
	require.NoError(t, err)
	assert.Equal(t, pythonReq, req)

	respond(t, spawner.receiver(), env.ID, &protocol.ExecutionResult{Stdout: "5\n"})

	r := await(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, "5\n", r.res.Stdout)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, StateActive, c.State())
}

func TestSubmitReverseOrder(t *testing.T) {
	c, spawner := newTestController()
	require.NoError(t, c.Start(context.Background()))

	const n = 10
	waiters := make([]<-chan submitResult, n)
	ids := make([]string, n)
	codes := make(map[string]string, n)

	for i := range n {
		req := pythonReq
		req.Code = fmt.Sprintf("print(%d)", i)
		waiters[i] = submitAsync(c, req)
		env := spawner.conn.next(t)
		ids[i] = env.ID
		decoded, err := env.DecodeExecute()
		require.NoError(t, err)
		codes[env.ID] = decoded.Code
	}
	assert.Equal(t, n, c.Pending())

	for i := n - 1; i >= 0; i-- {
		respond(t, spawner.receiver(), ids[i], &protocol.ExecutionResult{Stdout: codes[ids[i]]})
	}

	for i := range n {
		r := await(t, waiters[i])
		require.NoError(t, r.err)
		assert.Equal(t, codes[ids[i]], r.res.Stdout, "waiter %d got another request's result", i)
	}
	assert.Equal(t, 0, c.Pending())
}

func TestSubmitFailureResponse(t *testing.T) {
	c, spawner := newTestController()
	require.NoError(t, c.Start(context.Background()))

	done := submitAsync(c, pythonReq)
	env := spawner.conn.next(t)
	spawner.receiver().Deliver(protocol.NewErrorEnvelope(env.ID, apperror.KindExecutionTimeout, "execution timed out after 2000ms"))

	r := await(t, done)
	assert.ErrorIs(t, r.err, apperror.ErrExecutionTimeout)
	assert.EqualError(t, r.err, "execution timed out after 2000ms")
}

func TestSubmitOuterTimeout(t *testing.T) {
	c, spawner := newTestController(WithTimeoutMargin(50 * time.Millisecond))
	req := pythonReq
	req.TimeoutMs = 50

	start := time.Now()
	done := submitAsync(c, req)
	env := spawner.nextSent(t)

	r := await(t, done)
	elapsed := time.Since(start)

	assert.ErrorIs(t, r.err, apperror.ErrRequestTimeout)
	assert.Equal(t, apperror.KindRequestTimeout, apperror.KindOf(r.err))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, 0, c.Pending())

	// the late response is dropped
	respond(t, spawner.receiver(), env.ID, &protocol.ExecutionResult{Stdout: "late"})
	assert.Equal(t, 0, c.Pending())
}

func TestStaleAndUnknownResponsesAreDropped(t *testing.T) {
	c, spawner := newTestController()
	require.NoError(t, c.Start(context.Background()))

	done := submitAsync(c, pythonReq)
	env := spawner.conn.next(t)

	rcv := spawner.receiver()
	respond(t, rcv, "never-submitted", &protocol.ExecutionResult{Stdout: "wrong"})
	assert.Equal(t, 1, c.Pending(), "unknown ids do not settle anything")

	respond(t, rcv, env.ID, &protocol.ExecutionResult{Stdout: "first"})
	respond(t, rcv, env.ID, &protocol.ExecutionResult{Stdout: "duplicate"})

	r := await(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, "first", r.res.Stdout)
	assert.Equal(t, 0, c.Pending())
}

func TestTerminateFailsAllPending(t *testing.T) {
	c, spawner := newTestController()
	require.NoError(t, c.Start(context.Background()))

	const k = 5
	waiters := make([]<-chan submitResult, k)
	for i := range k {
		waiters[i] = submitAsync(c, pythonReq)
		spawner.conn.next(t)
	}
	require.Equal(t, k, c.Pending())

	require.NoError(t, c.Terminate())

	for _, w := range waiters {
		r := await(t, w)
		assert.ErrorIs(t, r.err, apperror.ErrChannelTerminated)
	}
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, StateTerminated, c.State())
	assert.True(t, spawner.conn.isClosed())

	assert.NoError(t, c.Terminate(), "terminate is idempotent")
}

func TestSubmitAfterTerminate(t *testing.T) {
	c, spawner := newTestController()
	require.NoError(t, c.Terminate())
	assert.Equal(t, StateTerminated, c.State())

	_, err := c.Submit(context.Background(), pythonReq)
	assert.ErrorIs(t, err, apperror.ErrChannelTerminated)
	assert.Zero(t, spawner.spawnCount(), "a terminated controller never reconnects")

	assert.ErrorIs(t, c.Start(context.Background()), apperror.ErrChannelTerminated)
}

func TestStartIsIdempotent(t *testing.T) {
	c, spawner := newTestController()

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))

	done := submitAsync(c, pythonReq)
	env := spawner.conn.next(t)
	respond(t, spawner.receiver(), env.ID, &protocol.ExecutionResult{})
	require.NoError(t, await(t, done).err)

	assert.Equal(t, 1, spawner.spawnCount())
}

func TestSpawnFailure(t *testing.T) {
	c, spawner := newTestController()
	spawner.failWith = errors.New("worker binary missing")

	_, err := c.Submit(context.Background(), pythonReq)
	assert.ErrorIs(t, err, apperror.ErrChannelCreationFailed)
	assert.Contains(t, err.Error(), "worker binary missing")
	assert.Equal(t, StateUninitialized, c.State())

	spawner.mu.Lock()
	spawner.failWith = nil
	spawner.mu.Unlock()

	require.NoError(t, c.Start(context.Background()), "a failed start can be retried")
	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, 2, spawner.spawnCount())
}

func TestFaultEnvelopeFailsAllPending(t *testing.T) {
	c, spawner := newTestController()
	require.NoError(t, c.Start(context.Background()))

	a := submitAsync(c, pythonReq)
	spawner.conn.next(t)
	b := submitAsync(c, pythonReq)
	spawner.conn.next(t)

	spawner.receiver().Deliver(protocol.NewFaultEnvelope("stream corrupted"))

	for _, w := range []<-chan submitResult{a, b} {
		r := await(t, w)
		assert.ErrorIs(t, r.err, apperror.ErrChannelFault)
		assert.Contains(t, r.err.Error(), "stream corrupted")
	}
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, StateActive, c.State(), "the worker reported the fault, so it is still alive")
}

func TestTransportDeath(t *testing.T) {
	c, spawner := newTestController()
	require.NoError(t, c.Start(context.Background()))

	done := submitAsync(c, pythonReq)
	spawner.conn.next(t)

	spawner.receiver().Fault(errors.New("worker exited: signal: killed"))

	r := await(t, done)
	assert.ErrorIs(t, r.err, apperror.ErrChannelFault)
	assert.Equal(t, StateTerminated, c.State())
	assert.Eventually(t, spawner.conn.isClosed, time.Second, time.Millisecond)

	_, err := c.Submit(context.Background(), pythonReq)
	assert.ErrorIs(t, err, apperror.ErrChannelTerminated)
	assert.Equal(t, 1, spawner.spawnCount())
}

func TestSendFailureSettlesOnlyThatRequest(t *testing.T) {
	c, spawner := newTestController()
	require.NoError(t, c.Start(context.Background()))

	other := submitAsync(c, pythonReq)
	env := spawner.conn.next(t)

	spawner.conn.mu.Lock()
	spawner.conn.sendErr = errors.New("broken pipe")
	spawner.conn.mu.Unlock()

	_, err := c.Submit(context.Background(), pythonReq)
	assert.ErrorIs(t, err, apperror.ErrChannelFault)
	assert.Equal(t, 1, c.Pending())

	respond(t, spawner.receiver(), env.ID, &protocol.ExecutionResult{Stdout: "ok"})
	r := await(t, other)
	require.NoError(t, r.err)
	assert.Equal(t, "ok", r.res.Stdout)
}

func TestSubmitContextCancel(t *testing.T) {
	c, spawner := newTestController()
	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, pythonReq)
		errc <- err
	}()
	spawner.conn.next(t)
	require.Equal(t, 1, c.Pending())

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("submit ignored cancellation")
	}
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, StateActive, c.State())
}

func TestIDCollisionRedraws(t *testing.T) {
	ids := []string{"dup", "dup", "fresh"}
	var mu sync.Mutex
	next := func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id
	}

	c, spawner := newTestController(WithIDGenerator(next))
	require.NoError(t, c.Start(context.Background()))

	first := submitAsync(c, pythonReq)
	assert.Equal(t, "dup", spawner.conn.next(t).ID)

	second := submitAsync(c, pythonReq)
	assert.Equal(t, "fresh", spawner.conn.next(t).ID, "an id already pending is never reused")

	rcv := spawner.receiver()
	respond(t, rcv, "fresh", &protocol.ExecutionResult{Stdout: "2"})
	respond(t, rcv, "dup", &protocol.ExecutionResult{Stdout: "1"})
	assert.Equal(t, "1", await(t, first).res.Stdout)
	assert.Equal(t, "2", await(t, second).res.Stdout)
}

func TestSubmitValidation(t *testing.T) {
	c, spawner := newTestController(WithMaxTimeout(10 * time.Second))

	req := pythonReq
	req.TimeoutMs = 60000
	_, err := c.Submit(context.Background(), req)
	assert.ErrorIs(t, err, apperror.ErrValidation)
	assert.Zero(t, spawner.spawnCount(), "invalid requests never start the channel")
}

func TestDefaultTimeoutApplied(t *testing.T) {
	c, spawner := newTestController(WithDefaultTimeout(1500 * time.Millisecond))
	assert.Equal(t, 1500*time.Millisecond, c.DefaultTimeout())

	done := submitAsync(c, protocol.ExecutionRequest{Language: protocol.LanguageLua, Code: "print(1)"})
	env := spawner.nextSent(t)

	req, err := env.DecodeExecute()
	require.NoError(t, err)
	assert.Equal(t, int64(1500), req.TimeoutMs)

	respond(t, spawner.receiver(), env.ID, &protocol.ExecutionResult{})
	require.NoError(t, await(t, done).err)
}
