// Package transfer carries frames from the capture agent to the inbox over
// HTTP.
//
// A frame travels as the body of POST /v1/frames, encoded as protobuf wire
// fields without a generated schema:
//
//	message Frame {
//	  uint64 seq = 1;
//	  int64  captured_at_unix_nano = 2;
//	  bytes  checksum = 3; // SHA-256 of payload
//	  bytes  payload = 4;
//	}
//
// The inbox answers with a small JSON Response.
package transfer

import (
	"errors"
	"fmt"
	"time"

	"caro"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldSeq        protowire.Number = 1
	fieldCapturedAt protowire.Number = 2
	fieldChecksum   protowire.Number = 3
	fieldPayload    protowire.Number = 4
)

// ContentType is the media type of an encoded frame.
const ContentType = "application/x-protobuf"

// ErrMalformed is returned when a body cannot be decoded into a frame.
var ErrMalformed = errors.New("malformed frame envelope")

// Encode serializes f.
func Encode(f caro.Frame) []byte {
	b := make([]byte, 0, len(f.Payload)+caro.ChecksumSize+32)
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, f.Seq)
	if !f.CapturedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCapturedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.CapturedAt.UnixNano()))
	}
	b = protowire.AppendTag(b, fieldChecksum, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Checksum[:])
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Payload)
	return b
}

// Decode parses an encoded frame. It does not verify the checksum; that is
// the inbox's decision. Unknown fields are skipped.
func Decode(b []byte) (caro.Frame, error) {
	var (
		f                        caro.Frame
		haveSeq, haveSum, havePl bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return caro.Frame{}, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return caro.Frame{}, fmt.Errorf("%w: seq: %v", ErrMalformed, protowire.ParseError(n))
			}
			f.Seq, haveSeq = v, true
			b = b[n:]
		case num == fieldCapturedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return caro.Frame{}, fmt.Errorf("%w: captured_at: %v", ErrMalformed, protowire.ParseError(n))
			}
			f.CapturedAt = time.Unix(0, int64(v)).UTC()
			b = b[n:]
		case num == fieldChecksum && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return caro.Frame{}, fmt.Errorf("%w: checksum: %v", ErrMalformed, protowire.ParseError(n))
			}
			sum, err := caro.ChecksumFromBytes(v)
			if err != nil {
				return caro.Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			f.Checksum, haveSum = sum, true
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return caro.Frame{}, fmt.Errorf("%w: payload: %v", ErrMalformed, protowire.ParseError(n))
			}
			f.Payload, havePl = append([]byte(nil), v...), true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return caro.Frame{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch {
	case !haveSeq:
		return caro.Frame{}, fmt.Errorf("%w: missing seq", ErrMalformed)
	case !haveSum:
		return caro.Frame{}, fmt.Errorf("%w: missing checksum", ErrMalformed)
	case !havePl:
		return caro.Frame{}, fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	return f, nil
}
