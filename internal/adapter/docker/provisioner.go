// Package docker provisions the detector instance as a local container.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"caro"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// Prober checks the detector service inside a running container.
type Prober interface {
	Probe(ctx context.Context, inst caro.Instance) (caro.HealthStatus, error)
}

const roleLabel = "caro.role"

// Provisioner runs the detector as a container named after the descriptor.
type Provisioner struct {
	cli    *client.Client
	port   int
	prober Prober
	log    *slog.Logger
}

// NewProvisioner connects to the Docker daemon from the environment. port is
// the detector's listen port inside the container.
func NewProvisioner(port int, prober Prober) (*Provisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Provisioner{cli: cli, port: port, prober: prober, log: slog.With("component", "docker")}, nil
}

func (p *Provisioner) Close() error {
	return p.cli.Close()
}

// Create starts a fresh detector container. A leftover container with the
// same name is removed first.
func (p *Provisioner) Create(ctx context.Context, desc caro.InstanceDescriptor) (caro.Instance, error) {
	if err := desc.Validate(); err != nil {
		return caro.Instance{}, err
	}
	if err := p.waitDaemon(ctx); err != nil {
		return caro.Instance{}, err
	}

	res, err := flavorResources(desc.Flavor)
	if err != nil {
		return caro.Instance{}, err
	}
	cc, hc, nc := containerSpec(desc, p.port, res)

	if err := p.remove(ctx, desc.Name); err != nil {
		return caro.Instance{}, err
	}
	created, err := p.cli.ContainerCreate(ctx, cc, hc, nc, nil, desc.Name)
	if errdefs.IsNotFound(err) {
		if perr := p.pull(ctx, desc.Image); perr != nil {
			return caro.Instance{}, perr
		}
		created, err = p.cli.ContainerCreate(ctx, cc, hc, nc, nil, desc.Name)
	}
	if err != nil {
		return caro.Instance{}, fmt.Errorf("create container %q: %w", desc.Name, err)
	}
	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = p.remove(context.WithoutCancel(ctx), created.ID)
		return caro.Instance{}, fmt.Errorf("start container %q: %w", desc.Name, err)
	}

	info, err := p.cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		return caro.Instance{}, fmt.Errorf("inspect container %q: %w", desc.Name, err)
	}
	addr, err := containerAddress(info, desc, p.port)
	if err != nil {
		return caro.Instance{}, err
	}
	p.log.Debug("detector container started", "id", created.ID, "address", addr)
	return caro.Instance{ID: created.ID, Name: desc.Name, Address: addr}, nil
}

// Health is NotReady until the container runs and the detector answers.
func (p *Provisioner) Health(ctx context.Context, inst caro.Instance) (caro.HealthStatus, error) {
	info, err := p.cli.ContainerInspect(ctx, inst.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return caro.HealthNotReady, fmt.Errorf("container %s: %w", inst.Name, caro.ErrNotFound)
		}
		return caro.HealthNotReady, fmt.Errorf("inspect container %q: %w", inst.Name, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		return caro.HealthNotReady, nil
	}
	return p.prober.Probe(ctx, inst)
}

// Destroy force-removes the container. A missing container is not an error.
func (p *Provisioner) Destroy(ctx context.Context, inst caro.Instance) error {
	ref := inst.ID
	if ref == "" {
		ref = inst.Name
	}
	return p.remove(ctx, ref)
}

func (p *Provisioner) remove(ctx context.Context, ref string) error {
	err := p.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %q: %w", ref, err)
	}
	return nil
}

func (p *Provisioner) pull(ctx context.Context, ref string) error {
	p.log.Info("pulling detector image", "image", ref)
	rc, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	return nil
}

// waitDaemon blocks until the daemon answers a ping. Connection failures are
// retried each second; anything else is returned at once.
func (p *Provisioner) waitDaemon(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	waiting := false
	for {
		_, err := p.cli.Ping(ctx)
		if err == nil {
			if waiting {
				p.log.Debug("daemon reachable")
			}
			return nil
		}
		if !client.IsErrConnectionFailed(err) {
			return fmt.Errorf("connect to docker daemon: %w", err)
		}
		if !waiting {
			waiting = true
			p.log.Debug("waiting for docker daemon")
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect to docker daemon: %w: %w", caro.ErrTransientNetwork, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Resources are the limits a flavor maps to.
type Resources struct {
	NanoCPUs int64
	Memory   int64
}

const gib = 1 << 30

var flavors = map[string]Resources{
	"small":  {NanoCPUs: 2e9, Memory: 4 * gib},
	"medium": {NanoCPUs: 4e9, Memory: 8 * gib},
	"large":  {NanoCPUs: 8e9, Memory: 16 * gib},
	// unlimited lets the container use the whole host.
	"unlimited": {},
}

func flavorResources(name string) (Resources, error) {
	res, ok := flavors[name]
	if !ok {
		return Resources{}, fmt.Errorf("%w: unknown flavor %q", caro.ErrProvisioning, name)
	}
	return res, nil
}

func containerSpec(desc caro.InstanceDescriptor, port int, res Resources) (*container.Config, *container.HostConfig, *dockernetwork.NetworkingConfig) {
	cc := &container.Config{
		Image:  desc.Image,
		Env:    []string{"CARO_DETECTOR_PORT=" + strconv.Itoa(port)},
		Labels: map[string]string{roleLabel: "detector"},
	}
	hc := &container.HostConfig{
		NetworkMode: container.NetworkMode(desc.Network),
		Resources: container.Resources{
			NanoCPUs: res.NanoCPUs,
			Memory:   res.Memory,
		},
	}
	var nc *dockernetwork.NetworkingConfig
	if desc.Network != "" {
		ep := &dockernetwork.EndpointSettings{}
		if desc.StaticIP != "" {
			ep.IPAMConfig = &dockernetwork.EndpointIPAMConfig{IPv4Address: desc.StaticIP}
		}
		nc = &dockernetwork.NetworkingConfig{EndpointsConfig: map[string]*dockernetwork.EndpointSettings{desc.Network: ep}}
	}
	return cc, hc, nc
}

var errNoAddress = errors.New("container has no network address")

// containerAddress picks the detector endpoint: the static IP when set,
// otherwise the container's address on the descriptor network.
func containerAddress(info container.InspectResponse, desc caro.InstanceDescriptor, port int) (string, error) {
	p := strconv.Itoa(port)
	if desc.StaticIP != "" {
		return net.JoinHostPort(desc.StaticIP, p), nil
	}
	if info.NetworkSettings != nil {
		if ep, ok := info.NetworkSettings.Networks[desc.Network]; ok && ep != nil && ep.IPAddress != "" {
			return net.JoinHostPort(ep.IPAddress, p), nil
		}
		for _, ep := range info.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress != "" {
				return net.JoinHostPort(ep.IPAddress, p), nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s: %w", caro.ErrProvisioning, desc.Name, errNoAddress)
}
