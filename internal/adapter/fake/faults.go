package fake

import "caro/internal/adapter/fake/fault"

// Fault points.
const (
	FaultSenderSend         = "sender.send"
	FaultDetectorDetect     = "detector.detect"
	FaultProvisionerCreate  = "provisioner.create"
	FaultProvisionerHealth  = "provisioner.health"
	FaultProvisionerDestroy = "provisioner.destroy"
)

// faults is embedded by every fake to expose the injector under one set of
// method names.
type faults struct {
	inj *fault.Injector
}

func newFaults() faults {
	return faults{inj: fault.NewInjector()}
}

func (f faults) FailOnce(point string, err error) {
	f.inj.FailOnce(point, err)
}

func (f faults) FailTimes(point string, n int, err error) {
	f.inj.FailTimes(point, n, err)
}

func (f faults) FailAlways(point string, err error) {
	f.inj.FailAlways(point, err)
}

func (f faults) SetFaultHook(point string, hook fault.Hook) {
	f.inj.SetHook(point, hook)
}

func (f faults) ClearFault(point string) {
	f.inj.Clear(point)
}

func (f faults) ResetFaults() {
	f.inj.Reset()
}

// Hits returns how many times point was evaluated.
func (f faults) Hits(point string) int {
	return f.inj.Hits(point)
}

func (f faults) eval(point string, args ...any) error {
	return f.inj.Eval(point, args...)
}
