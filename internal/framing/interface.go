package framing

import (
	"context"

	"peerfetch/pkg/wire"
)

// Writer writes length-prefixed wire messages.
type Writer interface {
	// WriteMsg encodes msg, prefixes its length as a uvarint, and writes
	// both to the underlying io.Writer. The context may carry a deadline
	// used to bound the write.
	WriteMsg(ctx context.Context, msg wire.Message) error
}

// Reader reads length-prefixed wire messages.
type Reader interface {
	// ReadMsg reads a uvarint length, then exactly that many payload bytes,
	// and decodes them into msg. The context may carry a deadline used to
	// bound the read.
	ReadMsg(ctx context.Context, msg wire.Message) error
}
