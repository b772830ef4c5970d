package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/code-runner/internal/logging"
	"github.com/sakif/code-runner/internal/protocol"
)

// DefaultGracePeriod is how long a worker gets to exit after SIGTERM.
const DefaultGracePeriod = 5 * time.Second

// ProcessSpawner runs the worker as a child process and talks to it over its
// stdin and stdout. Lines the worker writes to stderr are re-logged through
// Logger, tagged with a per-spawn session id.
type ProcessSpawner struct {
	Path        string
	Args        []string
	Env         []string // appended to the parent's environment
	Logger      *slog.Logger
	GracePeriod time.Duration
}

var _ Spawner = (*ProcessSpawner)(nil)

// Spawn starts the worker. The process is not tied to ctx; only Close stops it.
func (s *ProcessSpawner) Spawn(ctx context.Context, rcv Receiver) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// not CommandContext: the worker outlives the call that started it
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("channel: creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("channel: creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("channel: creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("channel: starting worker %s: %w", s.Path, err)
	}

	logger := s.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With(
		slog.String("worker_session", uuid.NewString()),
		slog.Int("pid", cmd.Process.Pid))
	logger.Info("worker started", slog.String("path", s.Path))

	grace := s.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	p := &processConn{
		cmd:     cmd,
		stdin:   stdin,
		enc:     protocol.NewEncoder(stdin),
		logger:  logger,
		grace:   grace,
		rcv:     rcv,
		closing: make(chan struct{}),
		exited:  make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.forwardStderr(stderr)
	}()
	go func() {
		defer readers.Done()
		p.read(stdout)
	}()
	go func() {
		// Wait closes the pipes, so it must come after both readers are done.
		readers.Wait()
		err := cmd.Wait()
		close(p.exited)
		if err != nil {
			p.fault(fmt.Errorf("worker exited: %w", err))
		} else {
			p.fault(errors.New("worker exited"))
		}
	}()

	return p, nil
}

type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *protocol.Encoder
	logger *slog.Logger
	grace  time.Duration
	rcv    Receiver

	closing   chan struct{}
	closeOnce sync.Once
	exited    chan struct{}
	faultOnce sync.Once
}

func (p *processConn) Send(env *protocol.Envelope) error {
	return p.enc.Encode(env)
}

// Close closes the worker's stdin, asks it to stop with SIGTERM and kills it
// if it is still running after the grace period.
func (p *processConn) Close() error {
	p.closeOnce.Do(func() {
		close(p.closing)
		_ = p.stdin.Close()

		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn("failed to send SIGTERM to worker", slog.String("error", err.Error()))
		}

		grace := time.NewTimer(p.grace)
		defer grace.Stop()

		select {
		case <-p.exited:
			p.logger.Info("worker stopped")
		case <-grace.C:
			p.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.logger.Error("failed to send SIGKILL to worker", slog.String("error", err.Error()))
			}
			<-p.exited
		}
	})
	return nil
}

// fault reports the death of the transport unless it was asked to close.
func (p *processConn) fault(err error) {
	select {
	case <-p.closing:
		return
	default:
	}
	p.faultOnce.Do(func() { p.rcv.Fault(err) })
}

func (p *processConn) read(stdout io.Reader) {
	dec := protocol.NewDecoder(stdout)
	for {
		env, err := dec.Decode()
		switch {
		case err == nil:
			p.rcv.Deliver(env)
		case errors.Is(err, protocol.ErrInvalidEnvelope):
			p.logger.Warn("dropping invalid envelope from worker", slog.String("error", err.Error()))
		case errors.Is(err, io.EOF):
			return
		default:
			p.fault(fmt.Errorf("reading worker output: %w", err))
			// keep the pipe drained so the worker never blocks on a write
			_, _ = io.Copy(io.Discard, stdout)
			return
		}
	}
}

const maxStderrLine = 1024 * 1024

// forwardStderr re-logs each stderr line. JSON lines written by the worker's
// own logger keep their level and message. Anything else is logged as is.
func (p *processConn) forwardStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		level, msg, attrs := parseWorkerLine(line)
		p.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("stopped reading worker stderr", slog.String("error", err.Error()))
		_, _ = io.Copy(io.Discard, stderr)
	}
}

func parseWorkerLine(line []byte) (slog.Level, string, []slog.Attr) {
	var record map[string]any
	if err := json.Unmarshal(line, &record); err != nil {
		return slog.LevelInfo, "worker: " + string(line), nil
	}

	level := slog.LevelInfo
	if s, ok := record[slog.LevelKey].(string); ok {
		_ = level.UnmarshalText([]byte(s))
	}
	msg, _ := record[slog.MessageKey].(string)

	attrs := []slog.Attr{slog.Bool("worker", true)}
	for k, v := range record {
		switch k {
		case slog.TimeKey, slog.LevelKey, slog.MessageKey:
			continue
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	return level, msg, attrs
}
