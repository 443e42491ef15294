package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("NANOBOT_CONFIG_DIR", "")
	t.Setenv("HOME", "/home/ops")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultSSHPort != 22 {
		t.Errorf("expected default SSH port 22, got %d", cfg.DefaultSSHPort)
	}
	if cfg.DefaultRemote != 8765 {
		t.Errorf("expected default remote port 8765, got %d", cfg.DefaultRemote)
	}
	if cfg.RPCTimeout != 30*time.Second {
		t.Errorf("expected default RPC timeout 30s, got %s", cfg.RPCTimeout)
	}
	if cfg.RBACEnabled {
		t.Error("expected RBAC disabled by default")
	}
}

func TestLoadHonorsOverrides(t *testing.T) {
	t.Setenv("NANOBOT_DEFAULT_SSH_PORT", "2222")
	t.Setenv("NANOBOT_RBAC_ENABLED", "true")
	t.Setenv("NANOBOT_RPC_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultSSHPort != 2222 {
		t.Errorf("expected overridden SSH port 2222, got %d", cfg.DefaultSSHPort)
	}
	if !cfg.RBACEnabled {
		t.Error("expected RBAC enabled from override")
	}
	if cfg.RPCTimeout != 5*time.Second {
		t.Errorf("expected overridden RPC timeout 5s, got %s", cfg.RPCTimeout)
	}
}
