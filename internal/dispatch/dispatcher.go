// Package dispatch moves pending inbox entries through the detector while an
// instance is Ready.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"caro"
	"caro/internal/detect"
	"caro/internal/lifecycle"
	"caro/internal/metrics"

	"golang.org/x/sync/errgroup"
)

// Queue is the slice of the inbox the dispatcher drives.
type Queue interface {
	DequeueBatch(ctx context.Context, maxCount, maxBytes int) ([]caro.InboxEntry, error)
	Mark(ctx context.Context, seq uint64, state caro.EntryState, result *caro.DetectionResult, cause error) error
	Requeue(ctx context.Context, seq uint64, cause error) error
	Release(ctx context.Context, seq uint64) error
	Notify() <-chan struct{}
}

// Leaser hands out access to the Ready instance.
type Leaser interface {
	Acquire(ctx context.Context) (*lifecycle.Lease, error)
}

// ResultSink receives every recorded detection result.
type ResultSink interface {
	Record(ctx context.Context, r caro.DetectionResult) error
}

// Config tunes the dispatcher.
type Config struct {
	Workers       int
	MaxAttempts   int
	BatchSize     int
	BatchBytes    int
	DetectTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithSink(s ResultSink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

func WithMetrics(m *metrics.Server) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithIdlePoll sets how long an idle worker waits before re-checking the
// queue when no enqueue notification arrives.
func WithIdlePoll(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.idlePoll = d }
}

type Dispatcher struct {
	cfg      Config
	queue    Queue
	leaser   Leaser
	detector detect.Detector
	sink     ResultSink
	metrics  *metrics.Server
	idlePoll time.Duration
	log      *slog.Logger
}

func New(cfg Config, queue Queue, leaser Leaser, detector detect.Detector, opts ...Option) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = 30 * time.Second
	}
	d := &Dispatcher{
		cfg:      cfg,
		queue:    queue,
		leaser:   leaser,
		detector: detector,
		idlePoll: time.Second,
		log:      slog.With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts the workers and blocks until ctx is cancelled. Work in flight at
// cancellation is released back to Pending without counting an attempt.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range d.cfg.Workers {
		g.Go(func() error { return d.worker(ctx, i) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) worker(ctx context.Context, id int) error {
	log := d.log.With("worker", id)
	for ctx.Err() == nil {
		lease, err := d.leaser.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("acquire instance lease: %w", err)
		}

		notify := d.queue.Notify()
		batch, err := d.queue.DequeueBatch(ctx, d.cfg.BatchSize, d.cfg.BatchBytes)
		if err != nil {
			lease.Release()
			log.Error("dequeue failed", "err", err)
			if !d.wait(ctx, nil) {
				return nil
			}
			continue
		}
		if len(batch) == 0 {
			lease.Release()
			if !d.wait(ctx, notify) {
				return nil
			}
			continue
		}

		d.process(ctx, lease.Instance, batch)
		lease.Release()
	}
	return nil
}

// wait blocks until notify fires, the idle poll elapses or ctx ends. It
// reports false once ctx is done.
func (d *Dispatcher) wait(ctx context.Context, notify <-chan struct{}) bool {
	t := time.NewTimer(d.idlePoll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-notify:
	case <-t.C:
	}
	return true
}

func (d *Dispatcher) process(ctx context.Context, inst caro.Instance, batch []caro.InboxEntry) {
	frames := make([]caro.Frame, len(batch))
	for i, e := range batch {
		frames[i] = e.Frame
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.DetectTimeout)
	start := time.Now()
	results, err := d.detector.Detect(callCtx, inst, frames)
	cancel()
	if d.metrics != nil {
		d.metrics.DetectDuration.Observe(time.Since(start).Seconds())
	}

	// Entry bookkeeping must finish even when shutdown cancelled the call.
	bctx := context.WithoutCancel(ctx)
	if err != nil && ctx.Err() != nil {
		d.log.Info("detector call abandoned on shutdown", "frames", len(batch))
		for _, e := range slices.Backward(batch) {
			if rerr := d.queue.Release(bctx, e.Seq()); rerr != nil {
				d.log.Error("release entry failed", "seq", e.Seq(), "err", rerr)
			}
		}
		return
	}
	if err != nil {
		if d.metrics != nil {
			d.metrics.DetectFailures.Inc()
		}
		d.log.Warn("detector call failed", "frames", len(batch), "instance", inst.ID, "err", err)
		// Requeue back to front so the batch keeps its order at the head.
		for _, e := range slices.Backward(batch) {
			d.retryOrFail(bctx, e, err)
		}
		return
	}

	bySeq := make(map[uint64]caro.DetectionResult, len(results))
	for _, r := range results {
		bySeq[r.Seq] = r
	}
	for _, e := range slices.Backward(batch) {
		r, ok := bySeq[e.Seq()]
		if !ok {
			d.retryOrFail(bctx, e, fmt.Errorf("%w: no result for frame %d", caro.ErrDetectorInvocation, e.Seq()))
			continue
		}
		if err := d.queue.Mark(bctx, e.Seq(), caro.EntryDone, &r, nil); err != nil {
			d.log.Error("mark entry done failed", "seq", e.Seq(), "err", err)
			continue
		}
		d.log.Debug("frame detected", "seq", e.Seq(), "labels", len(r.Labels))
		if d.sink != nil {
			if err := d.sink.Record(bctx, r); err != nil {
				d.log.Warn("result sink failed", "seq", e.Seq(), "err", err)
			}
		}
	}
}

// retryOrFail requeues e unless this attempt reaches the ceiling.
func (d *Dispatcher) retryOrFail(ctx context.Context, e caro.InboxEntry, cause error) {
	attempts := e.Attempts + 1
	if attempts >= d.cfg.MaxAttempts {
		if err := d.queue.Mark(ctx, e.Seq(), caro.EntryFailed, nil, cause); err != nil {
			d.log.Error("mark failed entry", "seq", e.Seq(), "err", err)
		}
		return
	}
	if err := d.queue.Requeue(ctx, e.Seq(), cause); err != nil {
		d.log.Error("requeue entry failed", "seq", e.Seq(), "err", err)
	}
}
