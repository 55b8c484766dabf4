package remote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"caro"
)

type recordingRunner struct {
	mu      sync.Mutex
	targets []string
	scripts []string
	fail    []error
}

func (r *recordingRunner) run(_ context.Context, target string, _ SSHOptions, script string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, target)
	r.scripts = append(r.scripts, script)
	if len(r.fail) > 0 {
		err := r.fail[0]
		r.fail = r.fail[1:]
		return "", err
	}
	return "ok", nil
}

type staticProber caro.HealthStatus

func (s staticProber) Probe(context.Context, caro.Instance) (caro.HealthStatus, error) {
	return caro.HealthStatus(s), nil
}

var testDesc = caro.InstanceDescriptor{
	Name:     "caroserver",
	StaticIP: "203.0.113.7",
	SSH:      caro.SSHCredentials{Username: "ubuntu", KeyFile: "/keys/id"},
}

func newTestProvisioner(r *recordingRunner) *Provisioner {
	return NewProvisioner(Config{
		StartCommand:    "systemctl start caroserver.service",
		StopCommand:     "systemctl stop caroserver.service",
		DetectorPort:    5000,
		ConnectAttempts: 10,
		ConnectDelay:    time.Millisecond,
		SSH:             testDesc.SSH,
	}, staticProber(caro.HealthReady), WithRunner(r.run))
}

func TestCreateStartsDetector(t *testing.T) {
	r := &recordingRunner{}
	p := newTestProvisioner(r)

	inst, err := p.Create(t.Context(), testDesc)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if inst.Address != "203.0.113.7:5000" {
		t.Fatalf("Address = %q, want 203.0.113.7:5000", inst.Address)
	}
	if len(r.targets) != 1 || r.targets[0] != "ubuntu@203.0.113.7" {
		t.Fatalf("targets = %v", r.targets)
	}
	if !strings.Contains(r.scripts[0], "${SUDO} systemctl start caroserver.service") {
		t.Fatalf("script = %q", r.scripts[0])
	}
}

func TestCreateRetriesUnreachableHost(t *testing.T) {
	r := &recordingRunner{fail: []error{ErrUnreachable, ErrUnreachable, ErrUnreachable}}
	p := newTestProvisioner(r)

	if _, err := p.Create(t.Context(), testDesc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := len(r.scripts); got != 4 {
		t.Fatalf("ssh runs = %d, want 4", got)
	}
}

func TestCreateGivesUpAfterConnectAttempts(t *testing.T) {
	r := &recordingRunner{}
	for range 20 {
		r.fail = append(r.fail, ErrUnreachable)
	}
	p := newTestProvisioner(r)

	_, err := p.Create(t.Context(), testDesc)
	if !errors.Is(err, caro.ErrTransientNetwork) {
		t.Fatalf("Create() error = %v, want ErrTransientNetwork", err)
	}
	if got := len(r.scripts); got != 10 {
		t.Fatalf("ssh runs = %d, want 10", got)
	}
}

func TestScriptFailureIsNotRetried(t *testing.T) {
	r := &recordingRunner{fail: []error{errors.New("Unit caroserver.service not found")}}
	p := newTestProvisioner(r)

	if _, err := p.Create(t.Context(), testDesc); err == nil {
		t.Fatal("Create() error = nil, want script failure")
	}
	if got := len(r.scripts); got != 1 {
		t.Fatalf("ssh runs = %d, want 1", got)
	}
}

func TestCreateRequiresStaticIP(t *testing.T) {
	p := newTestProvisioner(&recordingRunner{})
	if _, err := p.Create(t.Context(), caro.InstanceDescriptor{Name: "x"}); !errors.Is(err, caro.ErrProvisioning) {
		t.Fatalf("Create() error = %v, want ErrProvisioning", err)
	}
}

func TestDestroyStopsDetector(t *testing.T) {
	r := &recordingRunner{}
	p := newTestProvisioner(r)

	if err := p.Destroy(t.Context(), caro.Instance{}); err != nil {
		t.Fatalf("Destroy(zero) error = %v", err)
	}
	if len(r.scripts) != 0 {
		t.Fatal("Destroy(zero) ran a script")
	}

	inst := caro.Instance{ID: "caroserver@203.0.113.7", Address: "203.0.113.7:5000"}
	if err := p.Destroy(t.Context(), inst); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if r.targets[0] != "ubuntu@203.0.113.7" || !strings.Contains(r.scripts[0], "systemctl stop caroserver.service") {
		t.Fatalf("Destroy ran %q on %q", r.scripts[0], r.targets[0])
	}
}

func TestHealthDelegatesToProber(t *testing.T) {
	p := newTestProvisioner(&recordingRunner{})
	status, err := p.Health(t.Context(), caro.Instance{Address: "203.0.113.7:5000"})
	if err != nil || status != caro.HealthReady {
		t.Fatalf("Health() = %v, %v; want ready", status, err)
	}
}

func TestScript(t *testing.T) {
	s := Script("  systemctl start caroserver.service \n")
	if !strings.HasPrefix(s, "set -eu\n") {
		t.Fatalf("script does not start strict: %q", s)
	}
	if !strings.HasSuffix(s, "${SUDO} systemctl start caroserver.service\n") {
		t.Fatalf("script tail = %q", s)
	}
}
