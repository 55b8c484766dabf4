package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"caro"

	"github.com/cenkalti/backoff/v4"
)

// Prober checks the detector service on the host.
type Prober interface {
	Probe(ctx context.Context, inst caro.Instance) (caro.HealthStatus, error)
}

// Config describes how the detector service is started and stopped on the
// host.
type Config struct {
	StartCommand    string
	StopCommand     string
	DetectorPort    int
	SSHPort         int
	ConnectAttempts int
	ConnectDelay    time.Duration
	// SSH is used when a descriptor carries no credentials, and always by
	// Destroy.
	SSH caro.SSHCredentials
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithRunner replaces the ssh executor.
func WithRunner(r Runner) Option {
	return func(p *Provisioner) { p.run = r }
}

// Provisioner treats a fixed host at the descriptor's static IP as the
// instance: Create starts the detector service there and Destroy stops it.
type Provisioner struct {
	cfg    Config
	prober Prober
	run    Runner
	log    *slog.Logger
}

func NewProvisioner(cfg Config, prober Prober, opts ...Option) *Provisioner {
	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = 10
	}
	if cfg.ConnectDelay <= 0 {
		cfg.ConnectDelay = 5 * time.Second
	}
	p := &Provisioner{
		cfg:    cfg,
		prober: prober,
		run:    RunScript,
		log:    slog.With("component", "remote"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provisioner) Create(ctx context.Context, desc caro.InstanceDescriptor) (caro.Instance, error) {
	if desc.StaticIP == "" {
		return caro.Instance{}, fmt.Errorf("%w: ssh provider requires a static IP", caro.ErrProvisioning)
	}
	inst := caro.Instance{
		ID:      desc.Name + "@" + desc.StaticIP,
		Name:    desc.Name,
		Address: net.JoinHostPort(desc.StaticIP, strconv.Itoa(p.cfg.DetectorPort)),
	}
	creds := desc.SSH
	if creds.Username == "" && creds.KeyFile == "" {
		creds = p.cfg.SSH
	}
	if err := p.exec(ctx, desc.StaticIP, creds, p.cfg.StartCommand); err != nil {
		return caro.Instance{}, fmt.Errorf("start detector on %s: %w", desc.StaticIP, err)
	}
	p.log.Info("detector service started", "host", desc.StaticIP)
	return inst, nil
}

func (p *Provisioner) Health(ctx context.Context, inst caro.Instance) (caro.HealthStatus, error) {
	return p.prober.Probe(ctx, inst)
}

// Destroy stops the detector service. The host itself stays up.
func (p *Provisioner) Destroy(ctx context.Context, inst caro.Instance) error {
	if inst.IsZero() {
		return nil
	}
	host, _, err := net.SplitHostPort(inst.Address)
	if err != nil {
		return fmt.Errorf("parse instance address %q: %w", inst.Address, err)
	}
	if err := p.exec(ctx, host, p.cfg.SSH, p.cfg.StopCommand); err != nil {
		return fmt.Errorf("stop detector on %s: %w", host, err)
	}
	p.log.Info("detector service stopped", "host", host)
	return nil
}

// exec runs command on the host, retrying while the connection itself fails.
func (p *Provisioner) exec(ctx context.Context, host string, creds caro.SSHCredentials, command string) error {
	target := host
	if creds.Username != "" {
		target = creds.Username + "@" + host
	}
	opts := SSHOptions{Port: p.cfg.SSHPort, KeyPath: creds.KeyFile, ConnectTimeout: 10}
	script := Script(command)

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.ConnectDelay), uint64(p.cfg.ConnectAttempts-1)), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		out, err := p.run(ctx, target, opts, script)
		if err == nil {
			if out != "" {
				p.log.Debug("remote output", "host", host, "output", out)
			}
			return nil
		}
		if !errors.Is(err, ErrUnreachable) {
			return backoff.Permanent(err)
		}
		p.log.Warn("ssh connection failed", "host", host, "attempt", attempt, "of", p.cfg.ConnectAttempts)
		return fmt.Errorf("%w: %w", caro.ErrTransientNetwork, err)
	}, b)
}
