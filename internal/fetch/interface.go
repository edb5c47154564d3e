package fetch

import (
	"context"
	"io"
	"time"
)

// LookupFunc resolves a key to its value. Returning ErrKeyNotFound reports an
// explicit absence; any other error is a lookup failure and aborts the
// inbound exchange.
type LookupFunc func(ctx context.Context, key string) ([]byte, error)

// Stream is an application-level bidirectional byte channel multiplexed over
// a connection to one peer. quic.Stream and net.Conn both satisfy it.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// SetDeadline bounds pending and future reads and writes; a deadline in
	// the past unblocks in-flight I/O immediately.
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// StreamHandler is invoked once per inbound stream routed to a registered
// protocol ID. The registrar closes the stream after the handler returns, on
// every exit path.
type StreamHandler func(remotePeer string, stream Stream)

// ProtocolLimits bound how many live streams the registrar will carry for one
// protocol ID, in each direction.
type ProtocolLimits struct {
	MaxInboundStreams  int
	MaxOutboundStreams int
}

// Registrar routes inbound streams to handlers by negotiated protocol ID.
type Registrar interface {
	// Handle registers handler for protocolID. At most one handler may be
	// registered per protocol ID.
	Handle(protocolID string, handler StreamHandler, limits ProtocolLimits) error

	// Unhandle removes the handler for protocolID. Removing an unknown
	// protocol ID is a no-op.
	Unhandle(protocolID string) error
}

// Host opens outbound streams to remote peers. A peer is an opaque dialable
// identity; this package never interprets it.
type Host interface {
	NewStream(ctx context.Context, peer string, protocolID string) (Stream, error)
}
