// Package lifecycle owns the single detector instance: it provisions one when
// the inbox backlog crosses a threshold, probes it until ready, hands out
// leases for detector calls and tears it down once the backlog stays empty.
//
//	Stopped -> Provisioning -> Ready -> Draining -> Stopped
//	Provisioning|Ready -> Failed (operator Reset returns to Stopped)
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"caro"
	"caro/internal/check"
	"caro/internal/metrics"
	"caro/internal/telemetry"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Provisioner creates, probes and destroys detector instances. Destroy of an
// absent instance succeeds.
type Provisioner interface {
	Create(ctx context.Context, desc caro.InstanceDescriptor) (caro.Instance, error)
	Health(ctx context.Context, inst caro.Instance) (caro.HealthStatus, error)
	Destroy(ctx context.Context, inst caro.Instance) error
}

// Backlog reports how much work is waiting. *inbox.Queue satisfies it.
type Backlog interface {
	PendingCount() int
}

// Notifier wakes Run when the backlog changes.
type Notifier interface {
	Notify() <-chan struct{}
}

// Config tunes the state machine.
type Config struct {
	ProvisionThreshold     int
	ProvisionAttempts      int
	ProvisionBackoff       time.Duration
	ProvisionTimeout       time.Duration
	ReadyRetryCeiling      int
	HealthInterval         time.Duration
	HealthTimeout          time.Duration
	HealthFailureThreshold int
	IdleTimeout            time.Duration
	IdleCheckInterval      time.Duration
}

func (c *Config) normalize() {
	if c.ProvisionThreshold < 1 {
		c.ProvisionThreshold = 1
	}
	if c.ProvisionAttempts < 1 {
		c.ProvisionAttempts = 1
	}
	if c.ProvisionBackoff <= 0 {
		c.ProvisionBackoff = time.Second
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 3 * time.Minute
	}
	if c.ReadyRetryCeiling < 0 {
		c.ReadyRetryCeiling = 0
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = c.HealthInterval
	}
	if c.HealthFailureThreshold < 1 {
		c.HealthFailureThreshold = 1
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = 10 * time.Second
	}
}

// Transition is one phase change.
type Transition struct {
	From   caro.Phase
	To     caro.Phase
	At     time.Time
	Reason string
}

// Status is a read-only snapshot of the manager.
type Status struct {
	Phase          caro.Phase    `json:"-"`
	PhaseName      string        `json:"phase"`
	Since          time.Time     `json:"since"`
	Instance       caro.Instance `json:"instance"`
	InFlight       int           `json:"in_flight"`
	ReadyRetries   int           `json:"ready_retries"`
	HealthFailures int           `json:"health_failures"`
	Alert          bool          `json:"alert"`
	LastError      string        `json:"last_error,omitempty"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for deterministic stepping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithBackoff replaces the Create retry schedule.
func WithBackoff(newBackoff func() backoff.BackOff) Option {
	return func(m *Manager) { m.newBackoff = newBackoff }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

func WithMetrics(s *metrics.Server) Option {
	return func(m *Manager) { m.metrics = s }
}

// OnTransition registers fn to run after every phase change.
func OnTransition(fn func(Transition)) Option {
	return func(m *Manager) { m.onTransition = append(m.onTransition, fn) }
}

// OnAlert registers fn to run whenever the manager enters Failed.
func OnAlert(fn func(Status)) Option {
	return func(m *Manager) { m.onAlert = append(m.onAlert, fn) }
}

// Manager drives the instance lifecycle. Step evaluates the state machine
// once; Run calls Step on a ticker and on backlog changes.
type Manager struct {
	cfg        Config
	desc       caro.InstanceDescriptor
	prov       Provisioner
	backlog    Backlog
	now        func() time.Time
	newBackoff func() backoff.BackOff
	tracer     trace.Tracer
	metrics    *metrics.Server
	log        *slog.Logger

	onTransition []func(Transition)
	onAlert      []func(Status)

	// stepMu serializes Step so provisioner calls never overlap.
	stepMu sync.Mutex

	mu             sync.Mutex
	phase          caro.Phase
	since          time.Time
	inst           caro.Instance
	provisionStart time.Time
	lastProbe      time.Time
	idleSince      time.Time
	readyRetries   int
	healthFailures int
	inFlight       int
	lastErr        error
	changed        chan struct{}
	wake           chan struct{}
}

func New(cfg Config, desc caro.InstanceDescriptor, prov Provisioner, backlog Backlog, opts ...Option) *Manager {
	cfg.normalize()
	m := &Manager{
		cfg:     cfg,
		desc:    desc,
		prov:    prov,
		backlog: backlog,
		now:     time.Now,
		tracer:  telemetry.Tracer("lifecycle"),
		log:     slog.With("component", "lifecycle"),
		phase:   caro.PhaseStopped,
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	m.newBackoff = func() backoff.BackOff {
		return backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(m.cfg.ProvisionBackoff),
			backoff.WithMaxInterval(8*m.cfg.ProvisionBackoff),
			backoff.WithMaxElapsedTime(0),
		)
	}
	for _, opt := range opts {
		opt(m)
	}
	m.since = m.now()
	m.setPhaseMetric(caro.PhaseStopped)
	return m
}

// Phase returns the current phase.
func (m *Manager) Phase() caro.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Status returns a snapshot for operators.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	s := Status{
		Phase:          m.phase,
		PhaseName:      m.phase.String(),
		Since:          m.since,
		Instance:       m.inst,
		InFlight:       m.inFlight,
		ReadyRetries:   m.readyRetries,
		HealthFailures: m.healthFailures,
		Alert:          m.phase == caro.PhaseFailed,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Changed returns a channel closed on the next phase change or lease release.
func (m *Manager) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

func (m *Manager) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// Lease grants access to the Ready instance for one detector call.
type Lease struct {
	Instance caro.Instance

	m    *Manager
	once sync.Once
}

// Release returns the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		m := l.m
		m.mu.Lock()
		m.inFlight--
		check.Assert(m.inFlight >= 0, "negative in-flight lease count")
		draining := m.phase == caro.PhaseDraining && m.inFlight == 0
		m.broadcastLocked()
		m.mu.Unlock()
		if draining {
			m.poke()
		}
	})
}

// Acquire blocks until the instance is Ready and returns a lease on it. No
// lease is granted while Draining.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	for {
		m.mu.Lock()
		if m.phase == caro.PhaseReady {
			m.inFlight++
			l := &Lease{Instance: m.inst, m: m}
			m.mu.Unlock()
			return l, nil
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// Reset clears Failed back to Stopped. An instance still recorded from the
// failure is destroyed first; if that fails the manager stays Failed.
func (m *Manager) Reset(ctx context.Context) error {
	m.stepMu.Lock()
	defer m.stepMu.Unlock()

	m.mu.Lock()
	phase, inst := m.phase, m.inst
	m.mu.Unlock()
	if phase != caro.PhaseFailed {
		return fmt.Errorf("reset lifecycle in phase %s: %w", phase, caro.ErrInvalidTransition)
	}
	if err := m.destroy(ctx, inst); err != nil {
		return fmt.Errorf("reset lifecycle: %w", err)
	}

	m.mu.Lock()
	m.readyRetries = 0
	m.healthFailures = 0
	m.lastErr = nil
	m.mu.Unlock()

	m.transition(caro.PhaseStopped, "operator reset")
	m.poke()
	return nil
}

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Step evaluates the state machine once.
func (m *Manager) Step(ctx context.Context) error {
	m.stepMu.Lock()
	defer m.stepMu.Unlock()

	switch m.Phase() {
	case caro.PhaseStopped:
		return m.stepStopped(ctx)
	case caro.PhaseProvisioning:
		return m.stepProvisioning(ctx)
	case caro.PhaseReady:
		return m.stepReady(ctx)
	case caro.PhaseDraining:
		return m.stepDraining(ctx)
	default:
		return nil
	}
}

func (m *Manager) stepStopped(ctx context.Context) error {
	pending := m.backlog.PendingCount()
	if pending < m.cfg.ProvisionThreshold {
		return nil
	}

	// Never target a second instance while one is still recorded.
	m.mu.Lock()
	leftover := m.inst
	m.mu.Unlock()
	if err := m.destroy(ctx, leftover); err != nil {
		return fmt.Errorf("provision with instance %s still recorded: %w", leftover.ID, err)
	}
	m.transition(caro.PhaseProvisioning, fmt.Sprintf("backlog %d >= %d", pending, m.cfg.ProvisionThreshold))

	inst, err := m.create(ctx)
	if err != nil {
		if ctx.Err() != nil {
			m.transition(caro.PhaseStopped, "shutdown during provisioning")
			return ctx.Err()
		}
		err = fmt.Errorf("%w: create instance %s: %w", caro.ErrProvisioning, m.desc.Name, err)
		m.fail(err)
		return err
	}

	m.mu.Lock()
	m.inst = inst
	m.provisionStart = m.now()
	m.lastProbe = time.Time{}
	m.mu.Unlock()
	m.log.Info("instance created", "id", inst.ID, "address", inst.Address)
	return nil
}

func (m *Manager) create(ctx context.Context) (caro.Instance, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(m.newBackoff(), uint64(m.cfg.ProvisionAttempts-1)), ctx)
	attempt := 0
	return backoff.RetryWithData(func() (caro.Instance, error) {
		attempt++
		if m.metrics != nil {
			m.metrics.ProvisionAttempts.Inc()
		}
		var inst caro.Instance
		err := telemetry.Run(ctx, m.tracer, "lifecycle.provision", func(ctx context.Context) error {
			var err error
			inst, err = m.prov.Create(ctx, m.desc)
			return err
		}, attribute.Int(telemetry.KeyAttempt, attempt))
		if err != nil {
			m.log.Warn("create instance failed", "attempt", attempt, "of", m.cfg.ProvisionAttempts, "err", err)
			if errors.Is(err, caro.ErrResourceExhausted) {
				return caro.Instance{}, backoff.Permanent(err)
			}
			return caro.Instance{}, err
		}
		return inst, nil
	}, b)
}

func (m *Manager) stepProvisioning(ctx context.Context) error {
	m.mu.Lock()
	inst, started, lastProbe := m.inst, m.provisionStart, m.lastProbe
	m.mu.Unlock()
	now := m.now()

	if now.Sub(started) > m.cfg.ProvisionTimeout {
		if err := m.destroy(ctx, inst); err != nil {
			return err
		}
		m.mu.Lock()
		m.readyRetries++
		retries := m.readyRetries
		m.mu.Unlock()

		if retries > m.cfg.ReadyRetryCeiling {
			err := fmt.Errorf("%w: instance not ready after %d attempts", caro.ErrProvisioning, retries)
			m.fail(err)
			return err
		}
		m.transition(caro.PhaseStopped, fmt.Sprintf("not ready within %s (retry %d/%d)", m.cfg.ProvisionTimeout, retries, m.cfg.ReadyRetryCeiling))
		return nil
	}

	if !lastProbe.IsZero() && now.Sub(lastProbe) < m.cfg.HealthInterval {
		return nil
	}
	status, err := m.probe(ctx, inst, now)
	if err != nil || status != caro.HealthReady {
		m.log.Debug("instance not ready", "id", inst.ID, "status", status, "err", err)
		return nil
	}

	m.mu.Lock()
	m.readyRetries = 0
	m.healthFailures = 0
	m.idleSince = time.Time{}
	m.mu.Unlock()
	m.transition(caro.PhaseReady, "health probe ready")
	return nil
}

func (m *Manager) stepReady(ctx context.Context) error {
	m.mu.Lock()
	inst, lastProbe := m.inst, m.lastProbe
	m.mu.Unlock()
	now := m.now()

	if now.Sub(lastProbe) >= m.cfg.HealthInterval {
		status, err := m.probe(ctx, inst, now)
		m.mu.Lock()
		if err == nil && status == caro.HealthReady {
			m.healthFailures = 0
		} else {
			m.healthFailures++
		}
		failures := m.healthFailures
		m.mu.Unlock()

		if failures >= m.cfg.HealthFailureThreshold {
			if derr := m.destroy(ctx, inst); derr != nil {
				m.log.Error("destroy unhealthy instance failed", "id", inst.ID, "err", derr)
			}
			if err == nil {
				err = fmt.Errorf("status %s", status)
			}
			err = fmt.Errorf("%w: instance %s unhealthy after %d probes: %w", caro.ErrProvisioning, inst.ID, failures, err)
			m.fail(err)
			return err
		}
	}

	pending := m.backlog.PendingCount()
	m.mu.Lock()
	switch {
	case pending > 0:
		m.idleSince = time.Time{}
	case m.idleSince.IsZero():
		m.idleSince = now
	}
	idleFor := time.Duration(0)
	if !m.idleSince.IsZero() {
		idleFor = now.Sub(m.idleSince)
	}
	m.mu.Unlock()

	if idleFor < m.cfg.IdleTimeout {
		return nil
	}
	m.transition(caro.PhaseDraining, fmt.Sprintf("idle for %s", idleFor))
	return m.stepDraining(ctx)
}

func (m *Manager) stepDraining(ctx context.Context) error {
	m.mu.Lock()
	inst, inFlight := m.inst, m.inFlight
	m.mu.Unlock()
	if inFlight > 0 {
		return nil
	}
	if err := m.destroy(ctx, inst); err != nil {
		return err
	}
	m.transition(caro.PhaseStopped, "drained")
	return nil
}

func (m *Manager) probe(ctx context.Context, inst caro.Instance, now time.Time) (caro.HealthStatus, error) {
	m.mu.Lock()
	m.lastProbe = now
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
	defer cancel()
	return m.prov.Health(ctx, inst)
}

// destroy tears down inst and forgets it. A failure leaves the instance
// recorded so the next Step retries.
func (m *Manager) destroy(ctx context.Context, inst caro.Instance) error {
	if inst.IsZero() {
		return nil
	}
	if err := m.prov.Destroy(ctx, inst); err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.log.Warn("destroy instance failed", "id", inst.ID, "err", err)
		return fmt.Errorf("destroy instance %s: %w", inst.ID, err)
	}
	m.mu.Lock()
	m.inst = caro.Instance{}
	m.mu.Unlock()
	m.log.Info("instance destroyed", "id", inst.ID)
	return nil
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.log.Error("detector lifecycle failed; operator reset required", "alert", true, "err", err)
	m.transition(caro.PhaseFailed, err.Error())

	status := m.Status()
	for _, fn := range m.onAlert {
		fn(status)
	}
}

func (m *Manager) transition(to caro.Phase, reason string) {
	m.mu.Lock()
	from := m.phase
	if from == to {
		m.mu.Unlock()
		return
	}
	if to == caro.PhaseProvisioning {
		check.Assertf(from == caro.PhaseStopped, "provisioning entered from %s", from)
	}
	t := Transition{From: from, To: to, At: m.now(), Reason: reason}
	m.phase = to
	m.since = t.At
	m.broadcastLocked()
	m.mu.Unlock()

	m.setPhaseMetric(to)
	m.log.Info("lifecycle transition", "from", from.String(), "to", to.String(), "reason", reason)
	for _, fn := range m.onTransition {
		fn(t)
	}
}

func (m *Manager) setPhaseMetric(p caro.Phase) {
	if m.metrics != nil {
		m.metrics.SetPhase(p)
	}
}

// Run steps the state machine until ctx is cancelled, then destroys any live
// instance.
func (m *Manager) Run(ctx context.Context) error {
	interval := min(m.cfg.IdleCheckInterval, m.cfg.HealthInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	notifier, _ := m.backlog.(Notifier)
	for {
		var notify <-chan struct{}
		if notifier != nil {
			notify = notifier.Notify()
		}
		if err := m.Step(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("lifecycle step failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return m.shutdown()
		case <-ticker.C:
		case <-notify:
		case <-m.wake:
		}
	}
}

const shutdownTimeout = 30 * time.Second

func (m *Manager) shutdown() error {
	m.stepMu.Lock()
	defer m.stepMu.Unlock()

	m.mu.Lock()
	inst := m.inst
	m.mu.Unlock()
	if inst.IsZero() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.destroy(ctx, inst); err != nil {
		return err
	}
	m.mu.Lock()
	failed := m.phase == caro.PhaseFailed
	m.mu.Unlock()
	if !failed {
		m.transition(caro.PhaseStopped, "shutdown")
	}
	return nil
}
