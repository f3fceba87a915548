package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/edp/handshake"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edp.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
local_node_name: edp@localhost
remote_node_name: peer@remotehost
cookie: secret
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.EPMDHost != DefaultEPMDHost {
		t.Fatalf("epmd_host = %q, want default", cfg.EPMDHost)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Fatalf("timeout = %v, want %v", cfg.Timeout, DefaultTimeout)
	}
	if cfg.Flags != DefaultFlags {
		t.Fatalf("flags = 0x%x, want defaults", cfg.Flags)
	}
	if cfg.Flags&handshake.MandatoryFlags != handshake.MandatoryFlags {
		t.Fatalf("default flags miss mandatory bits")
	}
	for _, opt := range []uint64{
		handshake.FlagFragments,
		handshake.FlagDistHdrAtomCache,
		handshake.FlagSpawn,
		handshake.FlagAlias,
		handshake.FlagNameMe,
		handshake.FlagDistMonitor,
		handshake.FlagDistMonitorName,
	} {
		if cfg.Flags&opt == 0 {
			t.Fatalf("default flags miss optional bit 0x%x", opt)
		}
	}
}

func TestLoadConfigExplicitValuesSurvive(t *testing.T) {
	path := writeConfig(t, `
local_node_name: edp@localhost
remote_node_name: peer@remotehost
cookie: secret
epmd_host: epmd.internal
timeout: 3s
creation: 99
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.EPMDHost != "epmd.internal" {
		t.Fatalf("epmd_host = %q", cfg.EPMDHost)
	}
	if cfg.Timeout != 3*time.Second {
		t.Fatalf("timeout = %v", cfg.Timeout)
	}
	if cfg.Creation != 99 {
		t.Fatalf("creation = %d", cfg.Creation)
	}
}

func TestLoadConfigAccumulatesValidationErrors(t *testing.T) {
	path := writeConfig(t, `
local_node_name: "no_at_sign"
remote_node_name: "@host"
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	// All three problems (two bad names, missing cookie) surface at once.
	if !errors.Is(err, ErrInvalidNodeName) {
		t.Fatalf("error chain misses ErrInvalidNodeName: %v", err)
	}
	for _, want := range []string{"local_node_name", "remote_node_name", "cookie"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateRejectsMissingMandatoryFlags(t *testing.T) {
	cfg := &Config{
		LocalNodeName:  "edp@localhost",
		RemoteNodeName: "peer@remotehost",
		Cookie:         "secret",
		Flags:          handshake.FlagSpawn, // no mandatory bits
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("flags without mandatory bits accepted")
	}
}

func TestValidNodeName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"n@h", true},
		{"edp_client@host.example.com", true},
		{"noatsign", false},
		{"@host", false},
		{"name@", false},
		{"a@b@c", false},
	}
	for _, tt := range tests {
		err := validNodeName(tt.name)
		if (err == nil) != tt.ok {
			t.Errorf("validNodeName(%q) = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}
