package caro

import (
	"fmt"
	"strings"
)

// SSHCredentials describes how to reach a provisioned host.
type SSHCredentials struct {
	Username string
	KeyFile  string
}

// InstanceDescriptor is the static provisioning template for the detector
// instance. It is loaded once at startup and never mutated.
type InstanceDescriptor struct {
	Name             string
	Image            string
	Flavor           string
	Network          string
	SecurityGroups   []string
	BootVolume       string
	VolumeSizeGB     int
	AvailabilityZone string
	StaticIP         string
	SSH              SSHCredentials
}

// Validate checks the fields every provisioner needs.
func (d InstanceDescriptor) Validate() error {
	var missing []string
	if strings.TrimSpace(d.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(d.Image) == "" {
		missing = append(missing, "image")
	}
	if strings.TrimSpace(d.Flavor) == "" {
		missing = append(missing, "flavor")
	}
	if len(missing) > 0 {
		return fmt.Errorf("instance descriptor: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Instance is the handle of a live provisioned instance.
type Instance struct {
	ID      string
	Name    string
	Address string // host:port of the detector endpoint
}

// IsZero reports whether no instance is targeted.
func (i Instance) IsZero() bool {
	return i.ID == "" && i.Address == ""
}
