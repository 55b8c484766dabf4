package transfer

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"caro"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestDecodeRoundTripsEncode(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 42, time.UTC)
	f := caro.NewFrame(7, at, []byte("jpeg bytes"))

	got, err := Decode(Encode(f))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Seq != 7 || !got.CapturedAt.Equal(at) || got.Checksum != f.Checksum || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("Decode() = %+v, want %+v", got, f)
	}
	if err := got.Verify(); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestDecodeKeepsEmptyPayload(t *testing.T) {
	f := caro.NewFrame(1, time.Time{}, nil)
	got, err := Decode(Encode(f))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(got.Payload) != 0 || !got.CapturedAt.IsZero() {
		t.Fatalf("Decode() = %+v, want empty payload and zero time", got)
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	f := caro.NewFrame(3, time.Time{}, []byte("p"))
	b := protowire.AppendTag(nil, 99, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))
	b = append(b, Encode(f)...)

	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Seq != 3 {
		t.Fatalf("Seq = %d, want 3", got.Seq)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	full := Encode(caro.NewFrame(5, time.Time{}, []byte("payload")))

	noSeq := protowire.AppendTag(nil, fieldChecksum, protowire.BytesType)
	noSeq = protowire.AppendBytes(noSeq, make([]byte, caro.ChecksumSize))
	noSeq = protowire.AppendTag(noSeq, fieldPayload, protowire.BytesType)
	noSeq = protowire.AppendBytes(noSeq, []byte("x"))

	shortSum := protowire.AppendTag(nil, fieldSeq, protowire.VarintType)
	shortSum = protowire.AppendVarint(shortSum, 1)
	shortSum = protowire.AppendTag(shortSum, fieldChecksum, protowire.BytesType)
	shortSum = protowire.AppendBytes(shortSum, []byte{1, 2, 3})

	tests := map[string][]byte{
		"empty":          nil,
		"truncated":      full[:len(full)-3],
		"missing seq":    noSeq,
		"short checksum": shortSum,
		"garbage":        []byte{0xff, 0xff, 0xff},
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(body); !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode() error = %v, want ErrMalformed", err)
			}
		})
	}
}
