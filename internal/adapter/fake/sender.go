package fake

import (
	"context"
	"fmt"
	"sync"

	"caro"
)

// Sender is an in-memory inbox endpoint for the capture agent.
type Sender struct {
	CallRecorder
	faults

	mu       sync.Mutex
	received []caro.Frame
	seen     map[uint64]caro.Checksum
}

func NewSender() *Sender {
	return &Sender{faults: newFaults(), seen: make(map[uint64]caro.Checksum)}
}

func (s *Sender) Send(ctx context.Context, f caro.Frame) error {
	s.record("Send", f.Seq)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.eval(FaultSenderSend, f.Seq); err != nil {
		return err
	}
	if err := f.Verify(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sum, ok := s.seen[f.Seq]; ok {
		if sum == f.Checksum {
			return fmt.Errorf("frame %d: %w", f.Seq, caro.ErrDuplicate)
		}
		return fmt.Errorf("frame %d: %w", f.Seq, caro.ErrSequenceConflict)
	}
	s.seen[f.Seq] = f.Checksum
	s.received = append(s.received, f)
	return nil
}

// Received returns accepted frames in acceptance order.
func (s *Sender) Received() []caro.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]caro.Frame, len(s.received))
	copy(out, s.received)
	return out
}

// ReceivedSeqs returns the sequence ids of accepted frames.
func (s *Sender) ReceivedSeqs() []uint64 {
	frames := s.Received()
	out := make([]uint64, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Seq)
	}
	return out
}
