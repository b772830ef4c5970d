package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sakif/code-runner/internal/dispatcher"
	"github.com/sakif/code-runner/internal/logging"
	"github.com/sakif/code-runner/internal/protocol"
)

// InProcessSpawner runs the dispatcher on a goroutine of the calling process,
// connected through a pair of pipes that carry the same envelopes as the
// process transport.
//
// There is no isolation here: code runs with the executors' own isolation
// only, and a dispatcher bug can affect the caller. Use it for tests and for
// embedding where the worker binary is not available.
type InProcessSpawner struct {
	Dispatcher *dispatcher.Dispatcher
	Logger     *slog.Logger
}

var _ Spawner = (*InProcessSpawner)(nil)

func (s *InProcessSpawner) Spawn(ctx context.Context, rcv Receiver) (Conn, error) {
	if s.Dispatcher == nil {
		return nil, errors.New("channel: in-process spawner has no dispatcher")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := s.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	serveCtx, cancel := context.WithCancel(context.Background())

	p := &pipeConn{
		enc:     protocol.NewEncoder(reqW),
		reqW:    reqW,
		respR:   respR,
		cancel:  cancel,
		logger:  logger,
		rcv:     rcv,
		closing: make(chan struct{}),
		served:  make(chan struct{}),
	}

	go func() {
		defer close(p.served)
		err := s.Dispatcher.Serve(serveCtx, reqR, respW)
		if err != nil && !errors.Is(err, context.Canceled) {
			_ = respW.CloseWithError(err)
			return
		}
		_ = respW.Close()
	}()
	go p.read()

	return p, nil
}

type pipeConn struct {
	enc    *protocol.Encoder
	reqW   *io.PipeWriter
	respR  *io.PipeReader
	cancel context.CancelFunc
	logger *slog.Logger
	rcv    Receiver

	closing   chan struct{}
	closeOnce sync.Once
	served    chan struct{}
}

func (p *pipeConn) Send(env *protocol.Envelope) error {
	return p.enc.Encode(env)
}

// Close stops the dispatcher, cancelling whatever it is still running.
func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.cancel()
		_ = p.reqW.Close()
		_ = p.respR.Close()
		<-p.served
	})
	return nil
}

func (p *pipeConn) read() {
	dec := protocol.NewDecoder(p.respR)
	for {
		env, err := dec.Decode()
		switch {
		case err == nil:
			p.rcv.Deliver(env)
		case errors.Is(err, protocol.ErrInvalidEnvelope):
			p.logger.Warn("dropping invalid envelope from dispatcher", slog.String("error", err.Error()))
		default:
			select {
			case <-p.closing:
			default:
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				p.rcv.Fault(fmt.Errorf("dispatcher stopped: %w", err))
			}
			return
		}
	}
}
