package fake

import (
	"context"
	"fmt"
	"sync"

	"caro"
)

// Provisioner is an in-memory cloud. Instances report HealthReady unless
// SetHealth says otherwise.
type Provisioner struct {
	CallRecorder
	faults

	mu     sync.Mutex
	nextID int
	live   map[string]caro.Instance
	health caro.HealthStatus
}

func NewProvisioner() *Provisioner {
	return &Provisioner{
		faults: newFaults(),
		live:   make(map[string]caro.Instance),
		health: caro.HealthReady,
	}
}

func (p *Provisioner) Create(ctx context.Context, desc caro.InstanceDescriptor) (caro.Instance, error) {
	p.record("Create", desc.Name)
	if err := ctx.Err(); err != nil {
		return caro.Instance{}, err
	}
	if err := p.eval(FaultProvisionerCreate, desc); err != nil {
		return caro.Instance{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	inst := caro.Instance{
		ID:      fmt.Sprintf("fake-%d", p.nextID),
		Name:    desc.Name,
		Address: fmt.Sprintf("127.0.0.1:%d", 5000+p.nextID),
	}
	p.live[inst.ID] = inst
	return inst, nil
}

func (p *Provisioner) Health(ctx context.Context, inst caro.Instance) (caro.HealthStatus, error) {
	p.record("Health", inst.ID)
	if err := p.eval(FaultProvisionerHealth, inst); err != nil {
		return caro.HealthNotReady, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[inst.ID]; !ok {
		return caro.HealthNotReady, fmt.Errorf("instance %s: %w", inst.ID, caro.ErrNotFound)
	}
	return p.health, nil
}

func (p *Provisioner) Destroy(ctx context.Context, inst caro.Instance) error {
	p.record("Destroy", inst.ID)
	if err := p.eval(FaultProvisionerDestroy, inst); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.live, inst.ID)
	p.mu.Unlock()
	return nil
}

// SetHealth changes what Health reports for live instances.
func (p *Provisioner) SetHealth(h caro.HealthStatus) {
	p.mu.Lock()
	p.health = h
	p.mu.Unlock()
}

// Live returns the instances created and not yet destroyed.
func (p *Provisioner) Live() []caro.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]caro.Instance, 0, len(p.live))
	for _, inst := range p.live {
		out = append(out, inst)
	}
	return out
}
