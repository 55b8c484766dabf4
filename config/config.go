// Package config loads the environment-style startup configuration.
//
// Values come from an optional YAML env file (a flat map of CARO_* keys,
// defaulting to $XDG_CONFIG_HOME/caro/caro.yaml) overlaid by the process
// environment. The result is validated once; every missing or invalid key is
// reported together in a single *caro.ConfigError.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"caro"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Mode selects which composition root runs.
type Mode string

const (
	ModeServer Mode = "server"
	ModeClient Mode = "client"
)

// Provisioner backends.
const (
	ProviderDocker = "docker"
	ProviderSSH    = "ssh"
)

// Config is the validated startup configuration shared by both modes.
type Config struct {
	Mode          Mode
	LogFile       string
	InboxEndpoint string // client: server base URL; server: listen address
	MetricsAddr   string

	Client Client
	Server Server
}

// Client holds capture-side settings.
type Client struct {
	CaptureFolder      string
	SpoolPath          string
	SpoolCapacity      int
	SendRetryBudget    int
	SendBackoffInitial time.Duration
	SendBackoffMax     time.Duration
	SendTimeout        time.Duration
}

// Darknet is the model file triple handed to the detector on every call.
type Darknet struct {
	Config    string
	Weights   string
	Data      string
	Label     string
	Threshold float64
}

// Lifecycle tunes the instance state machine.
type Lifecycle struct {
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

// Dispatch tunes the detection dispatcher.
type Dispatch struct {
	Workers       int
	MaxAttempts   int
	BatchSize     int
	BatchBytes    int
	DetectTimeout time.Duration
}

// Server holds detection-side settings.
type Server struct {
	InboxFolder   string
	InboxCapacity int
	Provider      string
	DetectorPort  int
	StartScript   string
	StopScript    string
	Instance      caro.InstanceDescriptor
	Darknet       Darknet
	Lifecycle     Lifecycle
	Dispatch      Dispatch
}

// InboxDB returns the path of the inbox database inside InboxFolder.
func (s Server) InboxDB() string {
	return filepath.Join(s.InboxFolder, "inbox.db")
}

// Path returns the default env file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/caro/caro.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "caro", "caro.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "caro", "caro.yaml")
}

// Load reads envFile (or the default path when empty and present), overlays
// the process environment and validates the keys required by mode.
func Load(mode Mode, envFile string) (*Config, error) {
	explicit := strings.TrimSpace(envFile) != ""
	if !explicit {
		envFile = Path()
	}
	fileVals, err := readEnvFile(envFile)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		fileVals = map[string]string{}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVals[key]
		return v, ok
	}
	return FromLookup(mode, lookup)
}

func readEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse env file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("parse env file %s: key %s: %w", path, k, err)
		}
		out[k] = s
	}
	return out, nil
}

// FromLookup builds a Config for mode from an arbitrary key source.
func FromLookup(mode Mode, lookup func(string) (string, bool)) (*Config, error) {
	r := &reader{lookup: lookup}

	cfg := &Config{Mode: mode}
	switch mode {
	case ModeServer, ModeClient:
	default:
		r.errs.Add("mode", fmt.Sprintf("unknown mode %q", mode))
		return nil, r.errs.OrNil()
	}

	cfg.LogFile = r.required(KeyLogFile)
	cfg.InboxEndpoint = r.required(KeyInboxEndpoint)
	cfg.MetricsAddr = r.str(KeyMetricsAddr, "")

	if mode == ModeClient {
		cfg.Client = r.client()
	} else {
		cfg.Server = r.server()
	}

	if err := r.errs.OrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (r *reader) client() Client {
	c := Client{
		CaptureFolder:      r.required(KeyCaptureFolder),
		SpoolPath:          r.required(KeySpoolPath),
		SpoolCapacity:      r.positiveInt(KeySpoolCapacity, 64),
		SendRetryBudget:    r.positiveInt(KeySendRetryBudget, 10),
		SendBackoffInitial: r.duration(KeySendBackoffInitial, 500*time.Millisecond),
		SendBackoffMax:     r.duration(KeySendBackoffMax, 30*time.Second),
		SendTimeout:        r.duration(KeySendTimeout, 10*time.Second),
	}
	if c.SendBackoffMax < c.SendBackoffInitial {
		r.errs.Add(KeySendBackoffMax, "must not be smaller than "+KeySendBackoffInitial)
	}
	return c
}

func (r *reader) server() Server {
	s := Server{
		InboxFolder:   r.required(KeyInboxFolder),
		InboxCapacity: r.positiveInt(KeyInboxCapacity, 1024),
		Provider:      r.str(KeyProvider, ProviderDocker),
		DetectorPort:  r.positiveInt(KeyDetectorPort, 5000),
		StartScript:   r.str(KeyStartScript, "systemctl start caroserver.service"),
		StopScript:    r.str(KeyStopScript, "systemctl stop caroserver.service"),
		// Every descriptor key is required, whichever provider runs it.
		Instance: caro.InstanceDescriptor{
			Name:             r.required(KeyInstanceName),
			Image:            r.required(KeyInstanceImage),
			Flavor:           r.required(KeyInstanceFlavor),
			Network:          r.required(KeyNetwork),
			SecurityGroups:   r.requiredList(KeySecurityGroups),
			BootVolume:       r.required(KeyBootVolume),
			VolumeSizeGB:     r.requiredPositiveInt(KeyVolumeSize),
			AvailabilityZone: r.required(KeyAvailabilityZone),
			StaticIP:         r.required(KeyStaticIP),
			SSH: caro.SSHCredentials{
				Username: r.required(KeySSHUsername),
				KeyFile:  r.required(KeySSHKeyFile),
			},
		},
		Darknet: Darknet{
			Config:    r.required(KeyDarknetConfig),
			Weights:   r.required(KeyDarknetWeights),
			Data:      r.required(KeyDarknetData),
			Label:     r.str(KeyDarknetLabel, ""),
			Threshold: r.fraction(KeyDetectThreshold, 0.5),
		},
		Lifecycle: Lifecycle{
			ProvisionThreshold:     r.positiveInt(KeyProvisionThreshold, 1),
			ProvisionAttempts:      r.positiveInt(KeyProvisionAttempts, 5),
			ProvisionBackoff:       r.duration(KeyProvisionBackoff, 2*time.Second),
			ProvisionTimeout:       r.duration(KeyProvisionTimeout, 180*time.Second),
			ReadyRetryCeiling:      r.nonNegativeInt(KeyReadyRetryCeiling, 3),
			HealthInterval:         r.duration(KeyHealthInterval, 5*time.Second),
			HealthTimeout:          r.duration(KeyHealthTimeout, 3*time.Second),
			HealthFailureThreshold: r.positiveInt(KeyHealthFailureThreshold, 3),
			IdleTimeout:            r.duration(KeyIdleTimeout, 5*time.Minute),
			IdleCheckInterval:      r.duration(KeyIdleCheckInterval, 10*time.Second),
		},
		Dispatch: Dispatch{
			Workers:       r.positiveInt(KeyDispatchWorkers, 1),
			MaxAttempts:   r.positiveInt(KeyDetectAttempts, 3),
			BatchSize:     r.positiveInt(KeyBatchSize, 1),
			BatchBytes:    r.positiveInt(KeyBatchBytes, 8<<20),
			DetectTimeout: r.duration(KeyDetectTimeout, 30*time.Second),
		},
	}

	switch s.Provider {
	case ProviderDocker, ProviderSSH:
	default:
		r.errs.Add(KeyProvider, fmt.Sprintf("unknown provider %q (want %s or %s)", s.Provider, ProviderDocker, ProviderSSH))
	}
	return s
}
