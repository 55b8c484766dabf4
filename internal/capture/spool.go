package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"caro"
	"caro/internal/metrics"
)

// SpoolStore is the durable backing of a Spool.
type SpoolStore interface {
	Push(ctx context.Context, capturedAt time.Time, payload []byte, capacity int) (caro.Frame, []uint64, error)
	Head(ctx context.Context) (caro.Frame, bool, error)
	Remove(ctx context.Context, seq uint64) error
	DeadLetter(ctx context.Context, dl caro.DeadLetter) error
	Count(ctx context.Context) (int, error)
}

// Spool is the bounded local buffer of frames awaiting delivery. When full,
// the oldest unsent frame is evicted and counted.
type Spool struct {
	store    SpoolStore
	capacity int
	metrics  *metrics.Client
	log      *slog.Logger
}

// NewSpool wraps store with a capacity bound. A nil m records into a
// private registry.
func NewSpool(store SpoolStore, capacity int, m *metrics.Client) *Spool {
	if m == nil {
		m = metrics.NewClient(nil)
	}
	s := &Spool{
		store:    store,
		capacity: capacity,
		metrics:  m,
		log:      slog.With("component", "spool"),
	}
	return s
}

// Push stores c under the next sequence id and returns the resulting frame
// and how many older frames were evicted to make room.
func (s *Spool) Push(ctx context.Context, c Capture) (caro.Frame, int, error) {
	f, evicted, err := s.store.Push(ctx, c.CapturedAt, c.Payload, s.capacity)
	if err != nil {
		return caro.Frame{}, 0, fmt.Errorf("spool frame: %w", err)
	}
	if len(evicted) > 0 {
		s.metrics.SpoolEvicted.Add(float64(len(evicted)))
		s.log.Warn("spool full, frames evicted",
			"err", fmt.Errorf("%w: spool capacity %d", caro.ErrResourceExhausted, s.capacity),
			"evicted", evicted,
			"seq", f.Seq)
	}
	s.refreshDepth(ctx)
	return f, len(evicted), nil
}

// Head returns the lowest-sequence frame still waiting.
func (s *Spool) Head(ctx context.Context) (caro.Frame, bool, error) {
	f, ok, err := s.store.Head(ctx)
	if err != nil {
		return caro.Frame{}, false, fmt.Errorf("read spool head: %w", err)
	}
	return f, ok, nil
}

// Ack removes a delivered frame.
func (s *Spool) Ack(ctx context.Context, seq uint64) error {
	if err := s.store.Remove(ctx, seq); err != nil {
		return err
	}
	s.refreshDepth(ctx)
	return nil
}

// DeadLetter moves f to the dead-letter log after attempts failed sends. The
// reason is prefixed with the failure class, e.g. "checksum_mismatch: ...".
func (s *Spool) DeadLetter(ctx context.Context, f caro.Frame, attempts int, cause error, at time.Time) error {
	reason := ""
	if cause != nil {
		reason = failureReason(cause) + ": " + cause.Error()
	}
	if err := s.store.DeadLetter(ctx, caro.DeadLetter{Frame: f, Attempts: attempts, Reason: reason, At: at}); err != nil {
		return err
	}
	s.metrics.SpoolDeadLettered.Inc()
	s.refreshDepth(ctx)
	s.log.Error("frame dead-lettered", "seq", f.Seq, "attempts", attempts, "err", cause)
	return nil
}

// Depth returns the number of frames waiting.
func (s *Spool) Depth(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

func (s *Spool) refreshDepth(ctx context.Context) {
	n, err := s.store.Count(ctx)
	if err != nil {
		s.log.Debug("count spool failed", "err", err)
		return
	}
	s.metrics.SpoolDepth.Set(float64(n))
}
