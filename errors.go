package caro

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransientNetwork marks a delivery failure worth retrying with backoff.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrChecksumMismatch means the payload does not match its digest.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrBackpressure means the inbox is full; retry later.
	ErrBackpressure = errors.New("inbox full")
	// ErrDuplicate means the sequence id was already accepted with the same payload.
	ErrDuplicate = errors.New("duplicate frame")
	// ErrSequenceConflict means the sequence id was already accepted with a different payload.
	ErrSequenceConflict = errors.New("sequence id reused with different payload")
	// ErrProvisioning wraps provisioning API failures.
	ErrProvisioning = errors.New("provisioning failed")
	// ErrDetectorInvocation wraps detector call failures.
	ErrDetectorInvocation = errors.New("detector invocation failed")
	// ErrResourceExhausted means a local bounded resource overflowed.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrInvalidTransition is returned for inbox state changes the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotFound is returned when an entry or instance does not exist.
	ErrNotFound = errors.New("not found")
)

// KeyProblem is one missing or invalid configuration key.
type KeyProblem struct {
	Key    string
	Reason string
}

// ConfigError lists every configuration problem found at startup.
type ConfigError struct {
	Problems []KeyProblem
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, fmt.Sprintf("%s: %s", p.Key, p.Reason))
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Add records a problem for key.
func (e *ConfigError) Add(key, reason string) {
	e.Problems = append(e.Problems, KeyProblem{Key: key, Reason: reason})
}

// Keys returns the offending keys in the order they were found.
func (e *ConfigError) Keys() []string {
	out := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		out = append(out, p.Key)
	}
	return out
}

// OrNil returns e when it holds problems and nil otherwise.
func (e *ConfigError) OrNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}
