// Package framing turns a byte stream into a sequence of discrete messages
// and back. Every message on the wire is uvarint(len(payload)) || payload;
// the payload schema is the wire package's concern, not this one's.
package framing

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"peerfetch/pkg/wire"
)

const (
	// MaxMessageSize bounds the memory a single framed message may claim.
	MaxMessageSize = 10 * 1024 * 1024

	// readByteTimeout bounds a single length-prefix byte read on very slow
	// or stalled streams, independently of the caller's deadline.
	readByteTimeout = 5 * time.Second
)

var (
	ErrMessageTooLarge   = errors.New("framed message exceeds maximum allowed size")
	ErrInvalidPrefix     = errors.New("malformed uvarint length prefix")
	ErrIncompleteMessage = errors.New("stream ended before the declared payload length")
)

const defaultInitialBufferSize = 4 * 1024

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, defaultInitialBufferSize)
		return &b
	},
}

func getBuffer() *[]byte {
	bufPtr := bufferPool.Get().(*[]byte)
	*bufPtr = (*bufPtr)[:0]
	return bufPtr
}

func putBuffer(bufPtr *[]byte) {
	bufferPool.Put(bufPtr)
}

type messageWriter struct {
	w      io.Writer
	logger *slog.Logger
}

// NewMessageWriter creates a Writer that frames wire messages onto w.
func NewMessageWriter(w io.Writer, logger *slog.Logger) Writer {
	if logger == nil {
		logger = slog.Default().With("component", "framing_writer")
	}
	return &messageWriter{w: w, logger: logger}
}

func (mw *messageWriter) WriteMsg(ctx context.Context, msg wire.Message) error {
	if msg == nil {
		return errors.New("cannot write nil message")
	}

	payloadBufPtr := getBuffer()
	defer putBuffer(payloadBufPtr)

	var err error
	*payloadBufPtr, err = msg.AppendWire(*payloadBufPtr)
	if err != nil {
		return fmt.Errorf("failed to encode wire message: %w", err)
	}
	payload := *payloadBufPtr

	msgLen := len(payload)
	if msgLen > MaxMessageSize {
		return fmt.Errorf("%w: message size %d, max %d", ErrMessageTooLarge, msgLen, MaxMessageSize)
	}

	// MaxVarintLen32 (5 bytes) covers any length up to MaxMessageSize.
	lenBuf := make([]byte, binary.MaxVarintLen32)
	n := binary.PutUvarint(lenBuf, uint64(msgLen))

	if err := mw.writeWithContext(ctx, lenBuf[:n]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if msgLen > 0 {
		if err := mw.writeWithContext(ctx, payload); err != nil {
			return fmt.Errorf("failed to write payload: %w", err)
		}
	}
	return nil
}

// writeWithContext loops over partial writes, honoring the context's
// deadline through SetWriteDeadline when the writer supports it.
func (mw *messageWriter) writeWithContext(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if conn, ok := mw.w.(interface{ SetWriteDeadline(time.Time) error }); ok {
		if dl, hasDeadline := ctx.Deadline(); hasDeadline {
			conn.SetWriteDeadline(dl)
			defer conn.SetWriteDeadline(time.Time{})
		}
	}

	totalWritten := 0
	for totalWritten < len(data) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("write cancelled: %w", ctx.Err())
		default:
		}

		n, err := mw.w.Write(data[totalWritten:])
		totalWritten += n
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("write cancelled: %w", ctx.Err())
			}
			return fmt.Errorf("write error after %d bytes: %w", totalWritten, err)
		}
	}
	return nil
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type messageReader struct {
	r      io.Reader
	dl     readDeadliner // the original stream, when it supports deadlines
	logger *slog.Logger
}

// NewMessageReader creates a Reader that decodes framed wire messages from r.
// If r is not already an io.ByteReader it is wrapped with a bufio.Reader;
// deadline control stays on the original stream either way.
func NewMessageReader(r io.Reader, logger *slog.Logger) Reader {
	if logger == nil {
		logger = slog.Default().With("component", "framing_reader")
	}
	dl, _ := r.(readDeadliner)
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReader(r)
	}
	return &messageReader{r: r, dl: dl, logger: logger}
}

func (mr *messageReader) ReadMsg(ctx context.Context, msg wire.Message) error {
	if msg == nil {
		return errors.New("cannot read into nil message")
	}

	// binary.ReadUvarint blocks per byte; if the stream supports read
	// deadlines, bound the whole prefix read by the shorter of the context
	// deadline and the per-byte timeout.
	if mr.dl != nil {
		deadline := time.Now().Add(readByteTimeout * time.Duration(binary.MaxVarintLen32+1))
		if dl, hasDeadline := ctx.Deadline(); hasDeadline && dl.Before(deadline) {
			deadline = dl
		}
		mr.dl.SetReadDeadline(deadline)
		defer mr.dl.SetReadDeadline(time.Time{})
	}

	byteReader, ok := mr.r.(io.ByteReader)
	if !ok {
		return errors.New("internal error: reader is not an io.ByteReader")
	}

	msgLen, err := binary.ReadUvarint(byteReader)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("read length cancelled: %w", ctx.Err())
		}
		if errors.Is(err, io.EOF) {
			// Clean stream end before any prefix byte.
			return io.EOF
		}
		return fmt.Errorf("%w: %w", ErrInvalidPrefix, err)
	}

	if msgLen > MaxMessageSize {
		return fmt.Errorf("%w: message claims size %d, max %d", ErrMessageTooLarge, msgLen, MaxMessageSize)
	}

	if msgLen == 0 {
		msg.Reset()
		mr.logger.Debug("read zero-length message")
		return nil
	}

	payloadBufPtr := getBuffer()
	defer putBuffer(payloadBufPtr)
	payloadBuf := *payloadBufPtr
	if cap(payloadBuf) < int(msgLen) {
		payloadBuf = make([]byte, msgLen)
	} else {
		payloadBuf = payloadBuf[:msgLen]
	}

	if mr.dl != nil {
		deadline := time.Now().Add(readByteTimeout)
		if dl, hasDeadline := ctx.Deadline(); hasDeadline && dl.Before(deadline) {
			deadline = dl
		}
		mr.dl.SetReadDeadline(deadline)
	}

	n, err := io.ReadFull(mr.r, payloadBuf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: expected %d bytes, got %d", ErrIncompleteMessage, msgLen, n)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("read payload cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("failed to read payload (expected %d bytes): %w", msgLen, err)
	}

	if err := msg.UnmarshalWire(payloadBuf); err != nil {
		return err
	}
	return nil
}
