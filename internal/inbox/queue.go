// Package inbox holds the server-side queue of received frames awaiting
// detection.
//
// The Queue is the only owner of inbox state. Every transition happens under
// its mutex and is written through to the Store before it becomes visible,
// so a restart resumes exactly where the process stopped.
package inbox

import (
	"cmp"
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"caro"
)

// Store is the durable backing for the queue.
type Store interface {
	Insert(ctx context.Context, e caro.InboxEntry) error
	Update(ctx context.Context, e caro.InboxEntry) error
	Load(ctx context.Context) ([]caro.InboxEntry, error)
	ResetInProgress(ctx context.Context, now time.Time) (int, error)
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithStore enables write-through persistence.
func WithStore(s Store) Option {
	return func(q *Queue) { q.store = s }
}

// Queue orders accepted frames by arrival and hands them to the dispatcher
// one at a time.
type Queue struct {
	mu       sync.Mutex
	capacity int
	store    Store
	now      func() time.Time
	log      *slog.Logger

	entries map[uint64]*caro.InboxEntry
	pending *list.List // of uint64, front dispatched first
	counts  [4]int

	nextArrival int64
	frontPos    int64
	changed     chan struct{}
}

// New returns an empty queue. capacity bounds pending plus in-progress
// entries; zero or less means unbounded.
func New(capacity int, opts ...Option) *Queue {
	q := &Queue{
		capacity:    capacity,
		now:         time.Now,
		log:         slog.With("component", "inbox"),
		entries:     make(map[uint64]*caro.InboxEntry),
		pending:     list.New(),
		nextArrival: 1,
		frontPos:    1,
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Open builds a queue over store and reloads its contents. Entries that were
// in progress when the process stopped go back to pending. Entries whose
// payload no longer matches its checksum are failed.
func Open(ctx context.Context, store Store, capacity int, opts ...Option) (*Queue, error) {
	q := New(capacity, append(opts, WithStore(store))...)

	reset, err := store.ResetInProgress(ctx, q.now())
	if err != nil {
		return nil, fmt.Errorf("recover inbox: %w", err)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load inbox: %w", err)
	}

	var corrupt int
	for i := range loaded {
		e := loaded[i]
		if !e.State.Terminal() {
			if err := e.Frame.Verify(); err != nil {
				e.State = caro.EntryFailed
				e.LastError = err.Error()
				e.Frame.Payload = nil
				e.UpdatedAt = q.now()
				if err := store.Update(ctx, e); err != nil {
					return nil, fmt.Errorf("fail corrupt inbox entry %d: %w", e.Seq(), err)
				}
				corrupt++
			}
		}

		q.entries[e.Seq()] = &e
		q.counts[e.State]++
		if e.State == caro.EntryPending {
			q.pending.PushBack(e.Seq())
		}
		if e.ArrivalOrder >= q.nextArrival {
			q.nextArrival = e.ArrivalOrder + 1
		}
		if e.QueuePos < q.frontPos {
			q.frontPos = e.QueuePos
		}
	}

	q.log.Info("inbox loaded",
		"entries", len(loaded),
		"pending", q.counts[caro.EntryPending],
		"recovered", reset,
		"corrupt", corrupt)
	return q, nil
}

// Enqueue verifies and accepts f. A frame already accepted with the same
// checksum yields ErrDuplicate, with a different checksum ErrSequenceConflict.
// No state is created unless the error is nil.
func (q *Queue) Enqueue(ctx context.Context, f caro.Frame) error {
	if err := f.Verify(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.entries[f.Seq]; ok {
		if existing.Frame.Checksum == f.Checksum {
			return fmt.Errorf("frame %d: %w", f.Seq, caro.ErrDuplicate)
		}
		return fmt.Errorf("frame %d: %w", f.Seq, caro.ErrSequenceConflict)
	}
	if q.capacity > 0 && q.active() >= q.capacity {
		return fmt.Errorf("frame %d: %w", f.Seq, caro.ErrBackpressure)
	}

	now := q.now()
	e := &caro.InboxEntry{
		Frame:        f,
		ArrivalOrder: q.nextArrival,
		QueuePos:     q.nextArrival,
		State:        caro.EntryPending,
		ArrivedAt:    now,
		UpdatedAt:    now,
	}
	if q.store != nil {
		if err := q.store.Insert(ctx, *e); err != nil {
			return fmt.Errorf("persist frame %d: %w", f.Seq, err)
		}
	}
	q.nextArrival++
	q.entries[f.Seq] = e
	q.counts[caro.EntryPending]++
	q.pending.PushBack(f.Seq)
	q.broadcast()

	q.log.Debug("frame enqueued", "seq", f.Seq, "arrival", e.ArrivalOrder, "checksum", f.Checksum.Short())
	return nil
}

// DequeueNext moves the front pending entry to in progress and returns it.
// It reports false when nothing is pending.
func (q *Queue) DequeueNext(ctx context.Context) (caro.InboxEntry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len() == 0 {
		return caro.InboxEntry{}, false, nil
	}
	e, err := q.take(ctx, q.pending.Front())
	if err != nil {
		return caro.InboxEntry{}, false, err
	}
	return e, true, nil
}

// DequeueBatch takes up to maxCount pending entries whose payloads together
// fit in maxBytes. The first entry is always taken, even when it alone
// exceeds maxBytes.
func (q *Queue) DequeueBatch(ctx context.Context, maxCount, maxBytes int) ([]caro.InboxEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		out   []caro.InboxEntry
		bytes int
	)
	for q.pending.Len() > 0 && (maxCount <= 0 || len(out) < maxCount) {
		front := q.pending.Front()
		size := q.entries[front.Value.(uint64)].Frame.Size()
		if len(out) > 0 && maxBytes > 0 && bytes+size > maxBytes {
			break
		}
		e, err := q.take(ctx, front)
		if err != nil {
			if len(out) > 0 {
				// Hand back what was already taken; the caller owns it now.
				q.log.Warn("batch dequeue cut short", "err", err, "taken", len(out))
				return out, nil
			}
			return nil, err
		}
		out = append(out, e)
		bytes += size
	}
	return out, nil
}

func (q *Queue) take(ctx context.Context, el *list.Element) (caro.InboxEntry, error) {
	seq := el.Value.(uint64)
	e := q.entries[seq]
	next := *e
	next.State = caro.EntryInProgress
	next.UpdatedAt = q.now()
	if err := q.persist(ctx, next); err != nil {
		return caro.InboxEntry{}, err
	}
	q.pending.Remove(el)
	q.setState(e, next)
	return next, nil
}

// Mark moves an in-progress entry to Done (result required) or Failed.
// Terminal entries release their payload; Failed entries keep cause as the
// last error. Every Mark counts one attempt.
func (q *Queue) Mark(ctx context.Context, seq uint64, state caro.EntryState, result *caro.DetectionResult, cause error) error {
	if !state.Terminal() {
		return fmt.Errorf("mark frame %d %s: %w", seq, state, caro.ErrInvalidTransition)
	}
	if state == caro.EntryDone && result == nil {
		return fmt.Errorf("mark frame %d done: result is required", seq)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.inProgress(seq, state)
	if err != nil {
		return err
	}
	next := *e
	next.State = state
	next.Attempts++
	next.UpdatedAt = q.now()
	next.Frame.Payload = nil
	if state == caro.EntryDone {
		r := *result
		r.Seq = seq
		next.Result = &r
		next.LastError = ""
	} else if cause != nil {
		next.LastError = cause.Error()
	}
	if err := q.persist(ctx, next); err != nil {
		return err
	}
	q.setState(e, next)

	if state == caro.EntryFailed {
		q.log.Warn("frame failed", "seq", seq, "attempts", next.Attempts, "err", next.LastError)
	}
	return nil
}

// Requeue returns an in-progress entry to the front of the queue after a
// failed attempt.
func (q *Queue) Requeue(ctx context.Context, seq uint64, cause error) error {
	return q.returnToFront(ctx, seq, cause, true)
}

// Release returns an in-progress entry to the front of the queue without
// counting an attempt. Used for work abandoned during shutdown.
func (q *Queue) Release(ctx context.Context, seq uint64) error {
	return q.returnToFront(ctx, seq, nil, false)
}

func (q *Queue) returnToFront(ctx context.Context, seq uint64, cause error, counted bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.inProgress(seq, caro.EntryPending)
	if err != nil {
		return err
	}
	next := *e
	next.State = caro.EntryPending
	next.QueuePos = q.frontPos - 1
	next.UpdatedAt = q.now()
	if counted {
		next.Attempts++
	}
	if cause != nil {
		next.LastError = cause.Error()
	}
	if err := q.persist(ctx, next); err != nil {
		return err
	}
	q.frontPos = next.QueuePos
	q.setState(e, next)
	q.pending.PushFront(seq)
	q.broadcast()
	return nil
}

func (q *Queue) inProgress(seq uint64, to caro.EntryState) (*caro.InboxEntry, error) {
	e, ok := q.entries[seq]
	if !ok {
		return nil, fmt.Errorf("frame %d: %w", seq, caro.ErrNotFound)
	}
	if e.State != caro.EntryInProgress {
		return nil, fmt.Errorf("frame %d %s -> %s: %w", seq, e.State, to, caro.ErrInvalidTransition)
	}
	return e, nil
}

func (q *Queue) persist(ctx context.Context, e caro.InboxEntry) error {
	if q.store == nil {
		return nil
	}
	// A cancelled caller must not leave memory and disk disagreeing.
	if err := q.store.Update(context.WithoutCancel(ctx), e); err != nil {
		return fmt.Errorf("persist frame %d: %w", e.Seq(), err)
	}
	return nil
}

func (q *Queue) setState(e *caro.InboxEntry, next caro.InboxEntry) {
	q.counts[e.State]--
	q.counts[next.State]++
	*e = next
}

func (q *Queue) active() int {
	return q.counts[caro.EntryPending] + q.counts[caro.EntryInProgress]
}

func (q *Queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Notify returns a channel closed on the next enqueue or requeue.
func (q *Queue) Notify() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// PendingCount is the scaling signal read by the lifecycle manager.
func (q *Queue) PendingCount() int {
	return q.Count(caro.EntryPending)
}

// Count returns the number of entries in state.
func (q *Queue) Count(state caro.EntryState) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if int(state) >= len(q.counts) {
		return 0
	}
	return q.counts[state]
}

// Entry returns a snapshot of the entry for seq.
func (q *Queue) Entry(seq uint64) (caro.InboxEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[seq]
	if !ok {
		return caro.InboxEntry{}, false
	}
	return *e, true
}

// List returns snapshots in arrival order, optionally filtered by state.
func (q *Queue) List(state *caro.EntryState) []caro.InboxEntry {
	q.mu.Lock()
	out := make([]caro.InboxEntry, 0, len(q.entries))
	for _, e := range q.entries {
		if state == nil || e.State == *state {
			out = append(out, *e)
		}
	}
	q.mu.Unlock()

	slices.SortFunc(out, func(a, b caro.InboxEntry) int {
		return cmp.Compare(a.ArrivalOrder, b.ArrivalOrder)
	})
	return out
}

// Flush returns every in-progress entry to pending so the durable state
// holds no claimed work. Called once dispatchers have stopped.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	var seqs []uint64
	for seq, e := range q.entries {
		if e.State == caro.EntryInProgress {
			seqs = append(seqs, seq)
		}
	}
	q.mu.Unlock()

	var errs []error
	for _, seq := range seqs {
		if err := q.Release(ctx, seq); err != nil && !errors.Is(err, caro.ErrInvalidTransition) {
			errs = append(errs, err)
		}
	}
	if len(seqs) > 0 {
		q.log.Info("inbox flushed", "released", len(seqs))
	}
	return errors.Join(errs...)
}
