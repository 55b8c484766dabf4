// Package capture runs the client side of the pipeline: frames are taken from
// a Source, spooled locally and delivered to the inbox in sequence order.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"caro"
	"caro/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Sender delivers one frame to the inbox.
type Sender interface {
	Send(ctx context.Context, f caro.Frame) error
}

// Config tunes delivery.
type Config struct {
	// RetryBudget is the number of failed sends after which a frame is
	// dead-lettered. Backpressure does not count against it.
	RetryBudget    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	SendTimeout    time.Duration
}

// Stats is a point-in-time view of the agent.
type Stats struct {
	Depth        int
	Sent         int64
	Evicted      int64
	DeadLettered int64
}

// Agent spools captures and delivers them head-of-line.
type Agent struct {
	source  Source
	spool   *Spool
	sender  Sender
	cfg     Config
	metrics *metrics.Client
	log     *slog.Logger

	newBackoff func() backoff.BackOff
	now        func() time.Time
	wake       chan struct{}

	sent         atomic.Int64
	evicted      atomic.Int64
	deadLettered atomic.Int64
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithBackoff replaces the retry policy between failed sends.
func WithBackoff(newBackoff func() backoff.BackOff) AgentOption {
	return func(a *Agent) { a.newBackoff = newBackoff }
}

// WithMetrics records into m instead of a private registry.
func WithMetrics(m *metrics.Client) AgentOption {
	return func(a *Agent) { a.metrics = m }
}

// NewAgent wires a source, spool store and sender together.
func NewAgent(source Source, store SpoolStore, capacity int, sender Sender, cfg Config, opts ...AgentOption) *Agent {
	a := &Agent{
		source: source,
		sender: sender,
		cfg:    cfg,
		log:    slog.With("component", "capture-agent"),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
	a.newBackoff = func() backoff.BackOff {
		return backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(a.cfg.BackoffInitial),
			backoff.WithMaxInterval(a.cfg.BackoffMax),
			backoff.WithMaxElapsedTime(0),
		)
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.NewClient(nil)
	}
	a.spool = NewSpool(store, capacity, a.metrics)
	return a
}

// Run captures and sends until ctx is cancelled. Frames still spooled at
// shutdown stay on disk for the next run.
func (a *Agent) Run(ctx context.Context) error {
	frames, err := a.source.Frames(ctx)
	if err != nil {
		return fmt.Errorf("start frame source: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.captureLoop(ctx, frames) })
	g.Go(func() error { return a.sendLoop(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) captureLoop(ctx context.Context, frames <-chan Capture) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-frames:
			if !ok {
				// Source exhausted; keep draining the spool.
				<-ctx.Done()
				return ctx.Err()
			}
			if err := a.Capture(ctx, c); err != nil {
				a.log.Error("spool capture failed", "err", err)
			}
		}
	}
}

// Capture spools one capture and wakes the sender. A capture whose source
// cannot emit it again is counted as lost when the spool rejects it.
func (a *Agent) Capture(ctx context.Context, c Capture) error {
	if c.CapturedAt.IsZero() {
		c.CapturedAt = a.now()
	}
	f, evicted, err := a.spool.Push(ctx, c)
	c.finish(err)
	if err != nil {
		if c.done == nil {
			a.metrics.CaptureLost.Inc()
		}
		return err
	}
	a.evicted.Add(int64(evicted))
	a.log.Debug("frame spooled", "seq", f.Seq, "bytes", f.Size())

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

func (a *Agent) sendLoop(ctx context.Context) error {
	for {
		head, ok, err := a.head(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Error("read spool failed", "err", err)
			if err := sleep(ctx, a.cfg.BackoffMax); err != nil {
				return err
			}
			continue
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-a.wake:
			}
			continue
		}
		if err := a.deliver(ctx, head); err != nil {
			return err
		}
	}
}

// head returns the lowest-sequence frame that still matches its checksum.
// Frames corrupted on disk are dead-lettered without being sent.
func (a *Agent) head(ctx context.Context) (caro.Frame, bool, error) {
	for {
		f, ok, err := a.spool.Head(ctx)
		if err != nil || !ok {
			return f, ok, err
		}
		verr := f.Verify()
		if verr == nil {
			return f, true, nil
		}
		if err := a.spool.DeadLetter(ctx, f, 0, verr, a.now()); err != nil {
			return caro.Frame{}, false, err
		}
		a.deadLettered.Add(1)
	}
}

// deliver retries f until it is acknowledged, dead-lettered or no longer the
// spool head (evicted while we were retrying).
func (a *Agent) deliver(ctx context.Context, f caro.Frame) error {
	b := a.newBackoff()
	b.Reset()
	attempts := 0

	for {
		sendCtx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout)
		err := a.sender.Send(sendCtx, f)
		cancel()

		switch {
		case err == nil, errors.Is(err, caro.ErrDuplicate):
			if err := a.spool.Ack(ctx, f.Seq); err != nil {
				return a.retryStore(ctx, err)
			}
			a.sent.Add(1)
			a.metrics.FramesSent.Inc()
			a.log.Debug("frame delivered", "seq", f.Seq, "attempts", attempts+1)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, caro.ErrBackpressure):
			a.metrics.SendFailures.WithLabelValues("backpressure").Inc()
			a.log.Debug("inbox full, waiting", "seq", f.Seq)
		default:
			attempts++
			a.metrics.SendFailures.WithLabelValues(failureReason(err)).Inc()
			a.log.Warn("send failed", "seq", f.Seq, "attempt", attempts, "budget", a.cfg.RetryBudget, "err", err)
			if attempts >= a.cfg.RetryBudget {
				if err := a.spool.DeadLetter(ctx, f, attempts, err, a.now()); err != nil {
					return a.retryStore(ctx, err)
				}
				a.deadLettered.Add(1)
				return nil
			}
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = a.cfg.BackoffMax
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}

		head, ok, err := a.spool.Head(ctx)
		if err != nil {
			return a.retryStore(ctx, err)
		}
		if !ok || head.Seq != f.Seq {
			a.log.Debug("frame left the spool while retrying", "seq", f.Seq)
			return nil
		}
	}
}

// retryStore logs a spool failure and pauses before the send loop retries.
func (a *Agent) retryStore(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	a.log.Error("spool update failed", "err", err)
	return sleep(ctx, a.cfg.BackoffMax)
}

// Stats reports spool depth and lifetime counters.
func (a *Agent) Stats(ctx context.Context) (Stats, error) {
	depth, err := a.spool.Depth(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Depth:        depth,
		Sent:         a.sent.Load(),
		Evicted:      a.evicted.Load(),
		DeadLettered: a.deadLettered.Load(),
	}, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, caro.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, caro.ErrSequenceConflict):
		return "sequence_conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, caro.ErrTransientNetwork):
		return "network"
	default:
		return "other"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
