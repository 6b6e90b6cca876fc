// Package envelope implements the connection engine's wire framing: each
// application byte stream is a sequence of
//
//	envelope := leb128_usize(len) || body[len]
//	body     := { field_tag(1): enum flags }? { field_tag(2): bytes message }?
//
// Encoding and decoding is built on protowire, the same varint and
// length-delimited primitives protobuf's wire format uses — the tagged-field
// scheme this envelope uses is a strict subset of that wire format (two
// optional fields, no nesting).
package envelope

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxSize is the maximum number of bytes an envelope (length prefix plus
// body) may occupy. A frame exceeding this is a protocol violation.
const MaxSize = 16 * 1024

// Flags is the envelope's tag-1 enum field.
type Flags uint8

const (
	FlagFIN         Flags = 0
	FlagStopSending Flags = 1
	FlagResetStream Flags = 2
)

// ErrTooLarge is returned by Encode when the encoded envelope would exceed
// MaxSize, and by Decode when a declared frame length would exceed MaxSize.
var ErrTooLarge = errors.New("envelope: frame exceeds maximum size")

// ErrMalformed is returned by Decode when the body contains a field with an
// unexpected wire type for its tag.
var ErrMalformed = errors.New("envelope: malformed tagged field")

// ErrIncomplete is returned by Decode when buf does not yet contain a full
// envelope. It is not a protocol violation; the caller should retry once
// more bytes have arrived.
var ErrIncomplete = errors.New("envelope: incomplete frame")

const (
	tagFlags   protowire.Number = 1
	tagMessage protowire.Number = 2
)

// Encode builds a complete envelope (length prefix plus body). flags is
// omitted from the body if nil. message is omitted if hasMessage is false;
// an empty but present message (hasMessage true, len(message) == 0) still
// encodes a zero-length tag-2 field, satisfying R1's distinction between
// "passed as Some(&[])" and "omitted".
func Encode(flags *Flags, message []byte, hasMessage bool) ([]byte, error) {
	var body []byte
	if flags != nil {
		body = protowire.AppendTag(body, tagFlags, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(*flags))
	}
	if hasMessage {
		body = protowire.AppendTag(body, tagMessage, protowire.BytesType)
		body = protowire.AppendBytes(body, message)
	}

	out := protowire.AppendVarint(nil, uint64(len(body)))
	out = append(out, body...)

	if len(out) > MaxSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

// Decode parses one envelope from the head of buf. On success it returns
// the total number of bytes consumed (prefix + body), the decoded flags
// (nil if absent), the decoded message (nil if absent), and whether a
// message was present at all.
//
// Decode returns ErrIncomplete if buf does not yet hold a full envelope —
// this is not an error condition the caller should act on beyond waiting
// for more bytes — ErrTooLarge if the declared envelope size exceeds
// MaxSize, and ErrMalformed for any other parse failure.
func Decode(buf []byte) (consumed int, flags *Flags, message []byte, hasMessage bool, err error) {
	bodyLen, prefixLen := protowire.ConsumeVarint(buf)
	if prefixLen < 0 {
		return 0, nil, nil, false, ErrIncomplete
	}
	total := prefixLen + int(bodyLen)
	if total > MaxSize {
		return 0, nil, nil, false, ErrTooLarge
	}
	if len(buf) < total {
		return 0, nil, nil, false, ErrIncomplete
	}

	body := buf[prefixLen:total]
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return 0, nil, nil, false, ErrMalformed
		}
		body = body[n:]

		switch num {
		case tagFlags:
			if typ != protowire.VarintType {
				return 0, nil, nil, false, ErrMalformed
			}
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return 0, nil, nil, false, ErrMalformed
			}
			body = body[n:]
			f := Flags(v)
			flags = &f
		case tagMessage:
			if typ != protowire.BytesType {
				return 0, nil, nil, false, ErrMalformed
			}
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return 0, nil, nil, false, ErrMalformed
			}
			body = body[n:]
			message = append([]byte{}, v...)
			hasMessage = true
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return 0, nil, nil, false, ErrMalformed
			}
			body = body[n:]
		}
	}

	return total, flags, message, hasMessage, nil
}
