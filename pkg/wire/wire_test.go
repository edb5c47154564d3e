package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRequest_RoundTrip(t *testing.T) {
	in := &Request{Identifier: "user/42"}
	b, err := in.AppendWire(nil)
	require.NoError(t, err)

	var out Request
	require.NoError(t, out.UnmarshalWire(b))
	assert.Equal(t, "user/42", out.Identifier)
}

func TestResponse_RoundTrip(t *testing.T) {
	in := &Response{Status: StatusError, Data: []byte("boom")}
	b, err := in.AppendWire(nil)
	require.NoError(t, err)

	var out Response
	require.NoError(t, out.UnmarshalWire(b))
	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, []byte("boom"), out.Data)
}

func TestResponse_ZeroValueEncodesEmpty(t *testing.T) {
	// OK with no data is the proto3 zero message: nothing on the wire.
	in := &Response{Status: StatusOK}
	b, err := in.AppendWire(nil)
	require.NoError(t, err)
	assert.Empty(t, b)

	var out Response
	require.NoError(t, out.UnmarshalWire(b))
	assert.Equal(t, StatusOK, out.Status)
	assert.Empty(t, out.Data)
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	b, err := (&Response{Status: StatusNotFound}).AppendWire(nil)
	require.NoError(t, err)

	// A future peer may add fields; decoding must ignore them.
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendString(b, "from the future")

	var out Response
	require.NoError(t, out.UnmarshalWire(b))
	assert.Equal(t, StatusNotFound, out.Status)
}

func TestUnmarshal_Truncated(t *testing.T) {
	b, err := (&Request{Identifier: "user/42"}).AppendWire(nil)
	require.NoError(t, err)

	var out Request
	err = out.UnmarshalWire(b[:len(b)-3])
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
