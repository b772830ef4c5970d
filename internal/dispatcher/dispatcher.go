// Package dispatcher is the worker side of the channel.
//
// It reads execute envelopes, runs each one with the executor registered for
// its language, and answers with exactly one result or error envelope carrying
// the same id. Every request gets its own goroutine and its own timer:
//
//	execute(id=a) ──▶ Handle ──┬─ executor finishes first ─▶ result(id=a)
//	                           └─ timer fires first ───────▶ error(id=a, ExecutionTimeout)
//
// The loser of the race is cancelled through its context, and whatever it
// returns afterwards is dropped.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/executor"
	"github.com/sakif/code-runner/internal/protocol"
)

// Dispatcher routes execute envelopes to language executors.
type Dispatcher struct {
	registry       *executor.Registry
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// New creates a Dispatcher that looks executors up in registry.
func New(registry *executor.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:       registry,
		logger:         logger,
		defaultTimeout: protocol.DefaultTimeout,
	}
}

// SetDefaultTimeout changes the timeout applied to requests without timeoutMs.
func (d *Dispatcher) SetDefaultTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.defaultTimeout = timeout
	}
}

// Languages returns the languages this dispatcher can run.
func (d *Dispatcher) Languages() []protocol.Language {
	return d.registry.Languages()
}

type outcome struct {
	result *protocol.ExecutionResult
	err    error
}

// Handle runs one execute envelope and returns its response. It never returns
// nil and never panics on behalf of an executor.
func (d *Dispatcher) Handle(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	logger := d.logger.With(slog.String("request_id", env.ID))

	req, err := env.DecodeExecute()
	if err != nil {
		logger.Warn("undecodable execute payload", slog.String("error", err.Error()))
		return protocol.NewErrorEnvelope(env.ID, apperror.KindExecutionError, err.Error())
	}

	exec, ok := d.registry.Lookup(req.Language)
	if !ok {
		appErr := apperror.UnsupportedLanguage(string(req.Language))
		logger.Info("rejected request", slog.String("language", string(req.Language)))
		return protocol.NewErrorEnvelope(env.ID, appErr.Kind, appErr.Message)
	}

	timeout := d.defaultTimeout
	if req.TimeoutMs > 0 {
		timeout = req.Timeout()
	}

	logger = logger.With(slog.String("language", string(req.Language)))
	logger.Debug("executing", slog.Duration("timeout", timeout))

	res, err := d.race(ctx, exec, req, timeout)
	if err != nil {
		kind := apperror.KindOf(err)
		if kind == "" {
			kind = apperror.KindExecutionError
		}
		logger.Info("execution failed", slog.String("kind", kind), slog.String("error", err.Error()))
		return protocol.NewErrorEnvelope(env.ID, kind, err.Error())
	}

	resp, err := protocol.NewResultEnvelope(env.ID, res)
	if err != nil {
		return protocol.NewErrorEnvelope(env.ID, apperror.KindExecutionError, err.Error())
	}
	logger.Debug("execution finished", slog.Int("exit_code", res.ExitCode), slog.Float64("elapsed_ms", res.ElapsedMs))
	return resp
}

// race runs exec on its own goroutine against a timer. Whichever finishes
// first decides the outcome.
func (d *Dispatcher) race(ctx context.Context, exec executor.Executor, req protocol.ExecutionRequest, timeout time.Duration) (*protocol.ExecutionResult, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// buffered so a late executor never blocks on a send nobody receives
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: apperror.ExecutionError(fmt.Sprintf("executor panicked: %v", r))}
			}
		}()
		res, err := exec.Execute(execCtx, req.Code, req.Stdin)
		done <- outcome{result: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, executionError(out.err)
		}
		if out.result == nil {
			return nil, apperror.ExecutionError("executor returned no result")
		}
		return out.result, nil
	case <-timer.C:
		return nil, apperror.ExecutionTimeout(timeout)
	case <-ctx.Done():
		return nil, apperror.ExecutionError(fmt.Sprintf("dispatcher stopped: %v", ctx.Err()))
	}
}

func executionError(err error) error {
	if apperror.KindOf(err) != "" {
		return err
	}
	return apperror.ExecutionError(err.Error())
}

// Serve reads execute envelopes from r and writes responses to w until r is
// exhausted or ctx is done. Requests run concurrently and responses are
// written in completion order.
//
// A line that is not JSON desynchronises the stream: Serve reports it with a
// fault envelope and stops reading. A well-formed but invalid envelope is
// skipped. If it still names an execute id, that request is failed with an
// error envelope. Otherwise a fault is reported.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dec := protocol.NewDecoder(r)
	enc := protocol.NewEncoder(w)

	var wg sync.WaitGroup
	defer wg.Wait()

	envs := make(chan *protocol.Envelope)
	readErr := make(chan error, 1)
	go func() {
		defer close(envs)
		for {
			env, err := dec.Decode()
			if errors.Is(err, protocol.ErrInvalidEnvelope) {
				d.logger.Warn("invalid envelope", slog.String("error", err.Error()))
				d.send(enc, rejection(env, err))
				continue
			}
			if err != nil {
				readErr <- err
				return
			}
			select {
			case envs <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-envs:
			if !ok {
				return d.readDone(enc, readErr)
			}
			if env.Type != protocol.TypeExecute {
				d.logger.Debug("ignoring envelope", slog.String("type", string(env.Type)))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.send(enc, d.Handle(ctx, env))
			}()
		}
	}
}

func rejection(env *protocol.Envelope, err error) *protocol.Envelope {
	if env != nil && env.Type == protocol.TypeExecute && env.ID != "" {
		return protocol.NewErrorEnvelope(env.ID, apperror.KindExecutionError, err.Error())
	}
	return protocol.NewFaultEnvelope(err.Error())
}

func (d *Dispatcher) readDone(enc *protocol.Encoder, readErr chan error) error {
	var err error
	select {
	case err = <-readErr:
	default:
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}

	d.logger.Error("channel stream corrupted", slog.String("error", err.Error()))
	d.send(enc, protocol.NewFaultEnvelope(err.Error()))
	return fmt.Errorf("dispatcher: reading channel: %w", err)
}

func (d *Dispatcher) send(enc *protocol.Encoder, env *protocol.Envelope) {
	if err := enc.Encode(env); err != nil {
		d.logger.Error("failed to write envelope",
			slog.String("type", string(env.Type)),
			slog.String("request_id", env.ID),
			slog.String("error", err.Error()))
	}
}
