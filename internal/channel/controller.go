// Package channel is the caller side of the worker channel.
//
// A Controller turns the asynchronous, multiplexed channel into a blocking
// call: Submit sends one execute envelope and waits for the response carrying
// the same id. Many Submits may be in flight at once and responses may arrive
// in any order.
//
// LIFECYCLE:
//
//	Uninitialized ──Start/Submit──▶ Active ──Terminate/transport death──▶ Terminated
//
// Terminated is final. Once there, every Submit fails with ChannelTerminated
// and the spawner is never called again.
//
// PENDING TABLE:
// Each in-flight request owns one entry, keyed by request id, with a buffered
// completion channel and an outer timer. Whoever removes the entry from the
// table (the response, the outer timer, the caller's context, a fault or
// Terminate) is the only one allowed to complete it.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/protocol"
)

// DefaultTimeoutMargin is added to a request's timeout to get its outer timeout.
const DefaultTimeoutMargin = time.Second

// State is the lifecycle state of a Controller.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Option configures a Controller.
type Option func(*Controller)

// WithDefaultTimeout sets the timeout for requests that carry none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Controller) { c.defaultTimeout = d }
}

// WithMaxTimeout rejects requests asking for more than d. Zero means no limit.
func WithMaxTimeout(d time.Duration) Option {
	return func(c *Controller) { c.maxTimeout = d }
}

// WithTimeoutMargin sets how much longer than the request timeout the
// controller waits before failing with RequestTimeout.
func WithTimeoutMargin(d time.Duration) Option {
	return func(c *Controller) { c.margin = d }
}

// WithIDGenerator replaces protocol.NewRequestID.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

type outcome struct {
	result *protocol.ExecutionResult
	err    error
}

type pendingRequest struct {
	id    string
	done  chan outcome // cap 1, written once by whoever removed the entry
	timer *time.Timer
}

func (p *pendingRequest) finish(out outcome) {
	p.timer.Stop()
	p.done <- out
}

// Controller owns one channel and the table of requests waiting on it.
type Controller struct {
	spawner        Spawner
	logger         *slog.Logger
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	margin         time.Duration
	newID          func() string

	mu      sync.Mutex
	state   State
	conn    Conn
	link    *link
	pending map[string]*pendingRequest
}

// New creates a Controller. No channel exists until Start or the first Submit.
func New(spawner Spawner, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		spawner:        spawner,
		logger:         logger,
		defaultTimeout: protocol.DefaultTimeout,
		margin:         DefaultTimeoutMargin,
		newID:          protocol.NewRequestID,
		pending:        make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultTimeout is the timeout applied to requests that carry none.
func (c *Controller) DefaultTimeout() time.Duration {
	return c.defaultTimeout
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of requests waiting for a response.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Start establishes the channel if it does not exist yet.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx)
}

func (c *Controller) startLocked(ctx context.Context) error {
	switch c.state {
	case StateActive:
		return nil
	case StateTerminated:
		return apperror.ChannelTerminated()
	}

	l := &link{c: c}
	conn, err := c.spawner.Spawn(ctx, l)
	if err != nil {
		c.logger.Error("failed to create channel", slog.String("error", err.Error()))
		return apperror.ChannelCreationFailed(err)
	}

	c.conn = conn
	c.link = l
	c.state = StateActive
	c.logger.Info("channel established")
	return nil
}

// Submit sends req to the worker and waits for its result.
//
// Failures reported by the worker come back as *apperror.AppError with the
// worker's kind. If no response arrives within the request timeout plus the
// margin, Submit fails with RequestTimeout. If ctx is done first, the request
// is abandoned and ctx.Err() is returned.
func (c *Controller) Submit(ctx context.Context, req protocol.ExecutionRequest) (*protocol.ExecutionResult, error) {
	req, err := req.Normalize(c.defaultTimeout, c.maxTimeout)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.startLocked(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	id := c.newID()
	for {
		if _, taken := c.pending[id]; !taken {
			break
		}
		id = c.newID()
	}

	env, err := protocol.NewExecuteEnvelope(id, req)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("channel: building request: %w", err)
	}

	outer := req.Timeout() + c.margin
	p := &pendingRequest{id: id, done: make(chan outcome, 1)}
	p.timer = time.AfterFunc(outer, func() {
		if c.settle(id, outcome{err: apperror.RequestTimeout(outer)}) {
			c.logger.Warn("request timed out without a response",
				slog.String("request_id", id), slog.Duration("timeout", outer))
		}
	})
	c.pending[id] = p
	conn := c.conn
	c.mu.Unlock()

	if err := conn.Send(env); err != nil {
		c.settle(id, outcome{err: apperror.ChannelFault(fmt.Sprintf("sending request: %v", err))})
	}

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-ctx.Done():
		c.settle(id, outcome{err: ctx.Err()})
		// ours or an earlier settler's, either way exactly one is buffered
		out := <-p.done
		return out.result, out.err
	}
}

// settle removes the entry for id and completes it. It reports false when the
// entry was already gone.
func (c *Controller) settle(id string, out outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.finish(out)
	return true
}

// drainLocked empties the pending table and returns what it held.
func (c *Controller) drainLocked() []*pendingRequest {
	drained := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		drained = append(drained, p)
		delete(c.pending, id)
	}
	return drained
}

func failAll(drained []*pendingRequest, err error) {
	for _, p := range drained {
		p.finish(outcome{err: err})
	}
}

// Terminate closes the channel and fails every pending request with
// ChannelTerminated. It is safe to call more than once.
func (c *Controller) Terminate() error {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return nil
	}
	c.state = StateTerminated
	conn := c.conn
	c.conn, c.link = nil, nil
	drained := c.drainLocked()
	c.mu.Unlock()

	var err error
	if conn != nil {
		if cerr := conn.Close(); cerr != nil {
			err = fmt.Errorf("channel: closing: %w", cerr)
		}
	}

	failAll(drained, apperror.ChannelTerminated())
	c.logger.Info("channel terminated", slog.Int("failed_pending", len(drained)))
	return err
}

func (c *Controller) deliver(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResult:
		res, err := env.DecodeResult()
		if err != nil {
			c.route(env.ID, outcome{err: apperror.ExecutionError(err.Error())})
			return
		}
		c.route(env.ID, outcome{result: res})

	case protocol.TypeError:
		f, err := env.DecodeFailure()
		if err != nil {
			c.route(env.ID, outcome{err: apperror.ExecutionError(err.Error())})
			return
		}
		c.route(env.ID, outcome{err: apperror.FromFailure(f.Kind, f.Message)})

	case protocol.TypeFault:
		f, err := env.DecodeFailure()
		msg := f.Message
		if err != nil {
			msg = err.Error()
		}
		c.mu.Lock()
		drained := c.drainLocked()
		c.mu.Unlock()

		c.logger.Error("worker reported a channel fault",
			slog.String("message", msg), slog.Int("failed_pending", len(drained)))
		failAll(drained, apperror.ChannelFault(msg))

	default:
		c.logger.Debug("ignoring envelope", slog.String("type", string(env.Type)))
	}
}

func (c *Controller) route(id string, out outcome) {
	if !c.settle(id, out) {
		c.logger.Debug("dropping stale response", slog.String("request_id", id))
	}
}

// fault handles the death of the transport behind l.
func (c *Controller) fault(l *link, cause error) {
	c.mu.Lock()
	if c.link != l || c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateTerminated
	conn := c.conn
	c.conn, c.link = nil, nil
	drained := c.drainLocked()
	c.mu.Unlock()

	c.logger.Error("channel lost",
		slog.String("error", cause.Error()), slog.Int("failed_pending", len(drained)))
	failAll(drained, apperror.ChannelFault(cause.Error()))

	// Fault runs on the transport's reader goroutine, which Close may wait for.
	go func() {
		if err := conn.Close(); err != nil {
			c.logger.Warn("failed to release channel", slog.String("error", err.Error()))
		}
	}()
}

// link is the Receiver handed to one Spawn call. Faults from a link that is
// no longer current are ignored.
type link struct {
	c *Controller
}

func (l *link) Deliver(env *protocol.Envelope) { l.c.deliver(env) }

func (l *link) Fault(err error) { l.c.fault(l, err) }
