package envelope

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripFlagsAndMessage(t *testing.T) {
	f := FlagStopSending
	buf, err := Encode(&f, []byte("abc"), true)
	require.NoError(t, err)

	consumed, gotFlags, gotMessage, hasMessage, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	require.NotNil(t, gotFlags)
	assert.Equal(t, f, *gotFlags)
	assert.True(t, hasMessage)
	assert.Equal(t, []byte("abc"), gotMessage)
}

func TestRoundTripEmptyMessagePresentVsAbsent(t *testing.T) {
	present, err := Encode(nil, []byte{}, true)
	require.NoError(t, err)
	_, _, msg, has, err := Decode(present)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, []byte{}, msg)

	absent, err := Encode(nil, nil, false)
	require.NoError(t, err)
	_, _, msg2, has2, err := Decode(absent)
	require.NoError(t, err)
	assert.False(t, has2)
	assert.Nil(t, msg2)

	assert.NotEqual(t, present, absent, "presence must be observable on the wire")
}

func TestDecodeIncompleteAwaitsMoreBytes(t *testing.T) {
	f := FlagFIN
	full, err := Encode(&f, []byte("hello"), true)
	require.NoError(t, err)

	_, _, _, _, err = Decode(full[:len(full)-1])
	assert.ErrorIs(t, err, ErrIncomplete)

	_, _, _, _, err = Decode(nil)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestExactly16KiBAccepted(t *testing.T) {
	message := bytes.Repeat([]byte{0x42}, MaxSize-16)
	buf, err := Encode(nil, message, true)
	require.NoError(t, err)
	for len(buf) < MaxSize {
		// pad via a larger message until the encoded envelope is exactly MaxSize.
		message = append(message, 0x42)
		buf, err = Encode(nil, message, true)
		require.NoError(t, err)
		if len(buf) > MaxSize {
			message = message[:len(message)-1]
			buf, err = Encode(nil, message, true)
			require.NoError(t, err)
			break
		}
	}
	require.Equal(t, MaxSize, len(buf))

	consumed, _, _, _, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, MaxSize, consumed)
}

func TestOverMaxSizeRejected(t *testing.T) {
	message := bytes.Repeat([]byte{0x42}, MaxSize)
	_, err := Encode(nil, message, true)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeOversizeDeclaredLengthRejectedWithoutFullBody(t *testing.T) {
	// Declare a body length that, with its prefix, would overflow MaxSize, without
	// supplying the body: Decode must reject based on the declared length,
	// not wait for the (never arriving) remaining bytes.
	prefix := []byte{0x80, 0x80, 0x01} // varint(16384) worth of declared body length
	consumed, _, _, _, err := Decode(prefix)
	assert.Equal(t, 0, consumed)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestMalformedWireTypeRejected(t *testing.T) {
	// tag 1 (flags) encoded with the bytes wire type instead of varint.
	body := []byte{0x0a, 0x00} // field 1, wire type 2 (bytes), length 0
	buf := append([]byte{byte(len(body))}, body...)
	_, _, _, _, err := Decode(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}
