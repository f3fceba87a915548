// Package config loads and validates the connection configuration surface
// this client exposes: the local and remote node names, the shared cookie,
// the port-mapper host, the distribution flags to offer, an optional
// creation-number override, and the per-operation I/O timeout.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/edp/handshake"
)

// DefaultEPMDHost is used when epmd_host is omitted.
const DefaultEPMDHost = "localhost"

// DefaultTimeout is the per-operation I/O timeout applied when timeout is
// omitted or zero.
const DefaultTimeout = 10 * time.Second

// DefaultFlags is the distribution flag set offered when flags is omitted:
// every mandatory bit plus fragments, atom cache, spawn, alias, name-me,
// and distributed monitoring.
var DefaultFlags = handshake.MandatoryFlags |
	handshake.FlagFragments |
	handshake.FlagDistHdrAtomCache |
	handshake.FlagSpawn |
	handshake.FlagAlias |
	handshake.FlagNameMe |
	handshake.FlagDistMonitor |
	handshake.FlagDistMonitorName

// Config is the configuration surface a caller sets to connect to a peer
// BEAM node.
type Config struct {
	// LocalNodeName is this process's node identity, "name@host". Required.
	LocalNodeName string `yaml:"local_node_name"`

	// RemoteNodeName is the peer to connect to, "name@host". Required.
	RemoteNodeName string `yaml:"remote_node_name"`

	// Cookie is the shared-secret ASCII string used in the MD5 challenge
	// response. Required.
	Cookie string `yaml:"cookie"`

	// EPMDHost is the host running the port-mapper daemon for both node
	// names. Defaults to "localhost".
	EPMDHost string `yaml:"epmd_host"`

	// Flags is the distribution flag set to offer during the handshake.
	// Defaults to DefaultFlags.
	Flags uint64 `yaml:"flags"`

	// Creation optionally overrides the local node's creation number.
	// When zero, the orchestrator obtains one from the port-mapper at
	// registration time instead.
	Creation uint32 `yaml:"creation"`

	// Timeout is the default per-operation I/O timeout. Defaults to 10s.
	Timeout time.Duration `yaml:"-"`
}

// UnmarshalYAML implements yaml.Unmarshaler so timeout accepts the
// "10s"/"250ms" forms time.ParseDuration understands; yaml.v3 would
// otherwise only take raw nanosecond integers.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = Config(p)

	var aux struct {
		Timeout string `yaml:"timeout"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.Timeout == "" {
		return nil
	}
	d, err := time.ParseDuration(aux.Timeout)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", aux.Timeout, err)
	}
	c.Timeout = d
	return nil
}

// LoadConfig reads the YAML file at path, unmarshals it into a Config,
// applies defaults, and validates all required fields. It returns a
// multi-error describing every validation failure found rather than
// failing fast on the first problem.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// Validate fills defaults and checks the same rules LoadConfig enforces,
// for callers that build a Config in code rather than from a YAML file.
func (c *Config) Validate() error {
	applyDefaults(c)
	return validate(c)
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.EPMDHost == "" {
		cfg.EPMDHost = DefaultEPMDHost
	}
	if cfg.Flags == 0 {
		cfg.Flags = DefaultFlags
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
}

// validate checks that all required fields are populated and well formed.
func validate(cfg *Config) error {
	var errs []error

	if err := validNodeName(cfg.LocalNodeName); err != nil {
		errs = append(errs, fmt.Errorf("local_node_name: %w", err))
	}
	if err := validNodeName(cfg.RemoteNodeName); err != nil {
		errs = append(errs, fmt.Errorf("remote_node_name: %w", err))
	}
	if cfg.Cookie == "" {
		errs = append(errs, errors.New("cookie is required"))
	}
	if cfg.Flags&handshake.MandatoryFlags != handshake.MandatoryFlags {
		errs = append(errs, errors.New("flags must include every mandatory distribution flag"))
	}

	return errors.Join(errs...)
}

// ErrInvalidNodeName reports a node name that is not of the "name@host"
// form required by the distribution protocol.
var ErrInvalidNodeName = errors.New("node name must be of the form name@host with both halves non-empty")

// validNodeName checks the "name@host" form: exactly one '@', both halves
// non-empty, name half at most 255 bytes.
func validNodeName(name string) error {
	parts := strings.Split(name, "@")
	if len(parts) != 2 {
		return ErrInvalidNodeName
	}
	if parts[0] == "" || parts[1] == "" {
		return ErrInvalidNodeName
	}
	if len(parts[0]) > 255 {
		return fmt.Errorf("%w: node half exceeds 255 bytes", ErrInvalidNodeName)
	}
	return nil
}
