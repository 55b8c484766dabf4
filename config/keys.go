package config

import (
	"fmt"
	"strings"
	"time"

	"caro"

	"github.com/spf13/cast"
)

// Environment keys.
const (
	KeyLogFile       = "CARO_LOGFILE"
	KeyInboxEndpoint = "CARO_INBOX_ENDPOINT"
	KeyMetricsAddr   = "CARO_METRICS_ADDR"

	KeyCaptureFolder      = "CARO_CAPTURE_FOLDER"
	KeySpoolPath          = "CARO_SPOOL_PATH"
	KeySpoolCapacity      = "CARO_SPOOL_CAPACITY"
	KeySendRetryBudget    = "CARO_SEND_RETRY_BUDGET"
	KeySendBackoffInitial = "CARO_SEND_BACKOFF_INITIAL"
	KeySendBackoffMax     = "CARO_SEND_BACKOFF_MAX"
	KeySendTimeout        = "CARO_SEND_TIMEOUT"

	KeyInboxFolder   = "CARO_INBOX_FOLDER"
	KeyInboxCapacity = "CARO_INBOX_CAPACITY"
	KeyProvider      = "CARO_PROVIDER"
	KeyDetectorPort  = "CARO_DETECTOR_PORT"
	KeyStartScript   = "CARO_START_SCRIPT"
	KeyStopScript    = "CARO_STOP_SCRIPT"

	KeyInstanceName     = "CARO_INSTANCE_NAME"
	KeyInstanceImage    = "CARO_INSTANCE_IMAGE"
	KeyInstanceFlavor   = "CARO_INSTANCE_FLAVOR"
	KeyNetwork          = "CARO_NETWORK"
	KeySecurityGroups   = "CARO_SECURITY_GROUPS"
	KeyBootVolume       = "CARO_BOOT_VOLUME"
	KeyVolumeSize       = "CARO_VOLUME_SIZE"
	KeyAvailabilityZone = "CARO_AVAILABILITY_ZONE"
	KeyStaticIP         = "CARO_STATIC_IP"
	KeySSHUsername      = "CARO_SSH_USERNAME"
	KeySSHKeyFile       = "CARO_SSH_KEYFILE"

	KeyDarknetConfig   = "CARO_DARKNET_CFG"
	KeyDarknetWeights  = "CARO_DARKNET_WEIGHTS"
	KeyDarknetData     = "CARO_DARKNET_DATA"
	KeyDarknetLabel    = "CARO_DARKNET_LABEL"
	KeyDetectThreshold = "CARO_DETECT_THRESHOLD"

	KeyProvisionThreshold     = "CARO_PROVISION_THRESHOLD"
	KeyProvisionAttempts      = "CARO_PROVISION_ATTEMPTS"
	KeyProvisionBackoff       = "CARO_PROVISION_BACKOFF"
	KeyProvisionTimeout       = "CARO_PROVISION_TIMEOUT"
	KeyReadyRetryCeiling      = "CARO_READY_RETRY_CEILING"
	KeyHealthInterval         = "CARO_HEALTH_INTERVAL"
	KeyHealthTimeout          = "CARO_HEALTH_TIMEOUT"
	KeyHealthFailureThreshold = "CARO_HEALTH_FAILURE_THRESHOLD"
	KeyIdleTimeout            = "CARO_IDLE_TIMEOUT"
	KeyIdleCheckInterval      = "CARO_IDLE_CHECK_INTERVAL"

	KeyDispatchWorkers = "CARO_DISPATCH_WORKERS"
	KeyDetectAttempts  = "CARO_DETECT_ATTEMPTS"
	KeyBatchSize       = "CARO_BATCH_SIZE"
	KeyBatchBytes      = "CARO_BATCH_BYTES"
	KeyDetectTimeout   = "CARO_DETECT_TIMEOUT"
)

type reader struct {
	lookup func(string) (string, bool)
	errs   caro.ConfigError
}

func (r *reader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *reader) required(key string) string {
	v, ok := r.get(key)
	if !ok {
		r.errs.Add(key, "required")
	}
	return v
}

func (r *reader) str(key, def string) string {
	if v, ok := r.get(key); ok {
		return v
	}
	return def
}

func (r *reader) list(key string) []string {
	v, ok := r.get(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *reader) requiredList(key string) []string {
	out := r.list(key)
	if len(out) == 0 {
		r.errs.Add(key, "required")
	}
	return out
}

func (r *reader) intValue(key string, def int) (int, bool) {
	v, ok := r.get(key)
	if !ok {
		return def, true
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		r.errs.Add(key, fmt.Sprintf("not an integer: %q", v))
		return def, false
	}
	return n, true
}

func (r *reader) positiveInt(key string, def int) int {
	n, ok := r.intValue(key, def)
	if ok && n <= 0 {
		r.errs.Add(key, "must be positive")
	}
	return n
}

func (r *reader) requiredPositiveInt(key string) int {
	if _, ok := r.get(key); !ok {
		r.errs.Add(key, "required")
		return 0
	}
	return r.positiveInt(key, 0)
}

func (r *reader) nonNegativeInt(key string, def int) int {
	n, ok := r.intValue(key, def)
	if ok && n < 0 {
		r.errs.Add(key, "must not be negative")
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		r.errs.Add(key, fmt.Sprintf("not a duration: %q", v))
		return def
	}
	if d <= 0 {
		r.errs.Add(key, "must be positive")
	}
	return d
}

func (r *reader) fraction(key string, def float64) float64 {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		r.errs.Add(key, fmt.Sprintf("not a number: %q", v))
		return def
	}
	if f < 0 || f > 1 {
		r.errs.Add(key, "must be between 0 and 1")
	}
	return f
}
