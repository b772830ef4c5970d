package channel

import (
	"context"

	"github.com/sakif/code-runner/internal/protocol"
)

// Spawner establishes the channel to a dispatcher.
//
// Spawn must return once the channel is usable and must not wait for the
// first inbound envelope. Envelopes arriving afterwards are handed to
// rcv.Deliver from a single reader goroutine. rcv.Fault is called at most
// once, when the transport dies on its own, and never because of Conn.Close.
// The lifetime of the channel is not bound to ctx.
type Spawner interface {
	Spawn(ctx context.Context, rcv Receiver) (Conn, error)
}

// Conn is the sending half of an established channel.
type Conn interface {
	// Send writes one envelope. It is safe for concurrent use.
	Send(env *protocol.Envelope) error
	// Close tears the channel down and releases everything it holds.
	Close() error
}

// Receiver consumes what arrives on a channel.
type Receiver interface {
	Deliver(env *protocol.Envelope)
	Fault(err error)
}
