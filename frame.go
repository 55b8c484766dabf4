package caro

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ChecksumSize is the length in bytes of a frame digest.
const ChecksumSize = sha256.Size

// Checksum is the SHA-256 digest of a frame payload.
type Checksum [ChecksumSize]byte

// ChecksumOf returns the digest of payload.
func ChecksumOf(payload []byte) Checksum {
	return Checksum(sha256.Sum256(payload))
}

// ChecksumFromBytes copies b into a Checksum. It fails if b is not exactly
// ChecksumSize bytes long.
func ChecksumFromBytes(b []byte) (Checksum, error) {
	var c Checksum
	if len(b) != ChecksumSize {
		return c, fmt.Errorf("checksum must be %d bytes, got %d", ChecksumSize, len(b))
	}
	copy(c[:], b)
	return c, nil
}

func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// Short returns the first 12 hex characters, for logs.
func (c Checksum) Short() string {
	return c.String()[:12]
}

// Frame is one captured image with its sequence id and integrity digest.
// Seq is unique and strictly increasing per capture agent.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Payload    []byte
	Checksum   Checksum
}

// NewFrame builds a frame and computes its checksum.
func NewFrame(seq uint64, capturedAt time.Time, payload []byte) Frame {
	return Frame{
		Seq:        seq,
		CapturedAt: capturedAt,
		Payload:    payload,
		Checksum:   ChecksumOf(payload),
	}
}

// Verify recomputes the payload digest and compares it to the recorded one.
func (f Frame) Verify() error {
	if ChecksumOf(f.Payload) != f.Checksum {
		return fmt.Errorf("frame %d: %w", f.Seq, ErrChecksumMismatch)
	}
	return nil
}

// Size returns the payload length in bytes.
func (f Frame) Size() int {
	return len(f.Payload)
}
