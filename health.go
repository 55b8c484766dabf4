package caro

// HealthStatus is the readiness of a provisioned instance as reported by its probe.
type HealthStatus uint8

const (
	HealthNotReady HealthStatus = iota // reachable or booting, not accepting detector calls
	HealthReady                        // accepting detector invocations
)

func (h HealthStatus) String() string {
	switch h {
	case HealthNotReady:
		return "not_ready"
	case HealthReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Phase describes the detector instance lifecycle state.
type Phase uint8

const (
	PhaseStopped Phase = iota
	PhaseProvisioning
	PhaseReady
	PhaseDraining
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseProvisioning:
		return "provisioning"
	case PhaseReady:
		return "ready"
	case PhaseDraining:
		return "draining"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}
