// Package wire defines the two fetch protocol messages and their binary
// encoding. The layout follows fetch.proto; messages are encoded and decoded
// with protowire so the bytes are identical to protoc-generated code, and
// unknown fields are skipped rather than rejected.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedMessage indicates a payload that cannot be decoded against
// fetch.proto (bad tag, truncated field). It is distinct from the framing
// package's errors, which cover the length-prefix layer underneath.
var ErrMalformedMessage = errors.New("malformed wire message")

// Status mirrors Response.StatusCode in fetch.proto.
type Status int32

const (
	StatusOK       Status = 0
	StatusNotFound Status = 1
	StatusError    Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("StatusCode(%d)", int32(s))
	}
}

// Message is implemented by both wire messages. AppendWire appends the
// encoded message to b, which lets callers reuse buffers the way
// proto.MarshalOptions.MarshalAppend does.
type Message interface {
	AppendWire(b []byte) ([]byte, error)
	UnmarshalWire(b []byte) error
	Reset()
}

// StreamHeader names the protocol the initiator of a new stream wants to
// speak; it is always the first frame on a stream.
type StreamHeader struct {
	ProtocolID string
}

func (h *StreamHeader) Reset() { *h = StreamHeader{} }

func (h *StreamHeader) AppendWire(b []byte) ([]byte, error) {
	if h.ProtocolID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, h.ProtocolID)
	}
	return b, nil
}

func (h *StreamHeader) UnmarshalWire(b []byte) error {
	h.Reset()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return malformed(n)
			}
			h.ProtocolID = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformed(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// Request asks the remote peer to resolve a single key.
type Request struct {
	Identifier string
}

func (r *Request) Reset() { *r = Request{} }

func (r *Request) AppendWire(b []byte) ([]byte, error) {
	if r.Identifier != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.Identifier)
	}
	return b, nil
}

func (r *Request) UnmarshalWire(b []byte) error {
	r.Reset()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return malformed(n)
			}
			r.Identifier = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformed(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// Response carries the outcome of a single Request.
type Response struct {
	Status Status
	Data   []byte
}

func (r *Response) Reset() { *r = Response{} }

func (r *Response) AppendWire(b []byte) ([]byte, error) {
	if r.Status != StatusOK {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Status))
	}
	if len(r.Data) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Data)
	}
	return b, nil
}

func (r *Response) UnmarshalWire(b []byte) error {
	r.Reset()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return malformed(n)
			}
			r.Status = Status(int32(v))
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return malformed(n)
			}
			// Copy: v aliases the decode buffer, which callers may reuse.
			r.Data = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformed(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func malformed(n int) error {
	return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
}
