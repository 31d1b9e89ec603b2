package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENT_DEVICE_STATE_DIR", t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Daemon.ServerMode != ModeSocket {
		t.Errorf("default server mode = %q", cfg.Daemon.ServerMode)
	}
	if cfg.Lease.TTLMs != 60_000 || cfg.Lease.MinTTLMs != 5_000 || cfg.Lease.MaxTTLMs != 600_000 {
		t.Errorf("lease defaults = %+v", cfg.Lease)
	}
	if cfg.ClientTimeout() != 90*time.Second {
		t.Errorf("client timeout = %v", cfg.ClientTimeout())
	}
	if !filepath.IsAbs(cfg.StateDir) {
		t.Errorf("state dir should be absolute: %q", cfg.StateDir)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENT_DEVICE_STATE_DIR", dir)
	t.Setenv("AGENT_DEVICE_DAEMON_SERVER_MODE", "dual")
	t.Setenv("AGENT_DEVICE_LEASE_TTL_MS", "30000")
	t.Setenv("AGENT_DEVICE_MAX_SIMULATOR_LEASES", "4")
	t.Setenv("AGENT_DEVICE_APP_EVENT_URL_TEMPLATE", "app://event/{event}?p={payload}")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateDir != dir {
		t.Errorf("state dir = %q, want %q", cfg.StateDir, dir)
	}
	if cfg.Daemon.ServerMode != ModeDual {
		t.Errorf("server mode = %q", cfg.Daemon.ServerMode)
	}
	if cfg.Lease.TTLMs != 30_000 {
		t.Errorf("lease ttl = %d", cfg.Lease.TTLMs)
	}
	if cfg.Lease.MaxSimulatorLeases != 4 {
		t.Errorf("max leases = %d", cfg.Lease.MaxSimulatorLeases)
	}
	if cfg.Events.URLTemplate != "app://event/{event}?p={payload}" {
		t.Errorf("event template = %q", cfg.Events.URLTemplate)
	}
}

func TestLoadRejectsBadServerMode(t *testing.T) {
	t.Setenv("AGENT_DEVICE_STATE_DIR", t.TempDir())
	t.Setenv("AGENT_DEVICE_DAEMON_SERVER_MODE", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an invalid server mode")
	}
}
