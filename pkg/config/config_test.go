package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}

	if cfg.Approval.TimeoutSeconds != 120 {
		t.Errorf("approval timeout = %d, want 120", cfg.Approval.TimeoutSeconds)
	}
	if cfg.Swarm.MaxIterations != 3 {
		t.Errorf("swarm iterations = %d, want 3", cfg.Swarm.MaxIterations)
	}
	if cfg.Heal.MaxAttempts != 3 {
		t.Errorf("heal attempts = %d, want 3", cfg.Heal.MaxAttempts)
	}
	if cfg.Tools.ShellTimeoutSeconds != 30 {
		t.Errorf("shell timeout = %d, want 30", cfg.Tools.ShellTimeoutSeconds)
	}
	if cfg.Tracing.MaxTraces != 500 {
		t.Errorf("max traces = %d, want 500", cfg.Tracing.MaxTraces)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	raw := map[string]any{
		"gateway": map[string]any{"listen_addr": "0.0.0.0:9000", "workers": 2},
		"providers": []map[string]any{
			{"name": "main", "kind": "anthropic", "model": "claude-sonnet-4-5", "api_key": "sk-ant-test", "enabled": true},
		},
	}
	data, _ := json.Marshal(raw)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("listen_addr = %q", cfg.Gateway.ListenAddr)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Kind != "anthropic" {
		t.Errorf("providers not loaded: %+v", cfg.Providers)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("GATECLAW_LISTEN_ADDR", "127.0.0.1:7777")
	t.Setenv("GATECLAW_SWARM_ITERATIONS", "5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.ListenAddr != "127.0.0.1:7777" {
		t.Errorf("env override missed: %q", cfg.Gateway.ListenAddr)
	}
	if cfg.Swarm.MaxIterations != 5 {
		t.Errorf("env override missed: %d", cfg.Swarm.MaxIterations)
	}
}

func TestFlattenRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{
		{Name: "main", Kind: "anthropic", APIKey: "sk-ant-supersecret", Enabled: true},
	}

	flat := cfg.FlattenRedacted()

	if flat["providers.0.api_key"] != "[REDACTED]" {
		t.Errorf("api_key not redacted: %v", flat["providers.0.api_key"])
	}
	if flat["providers.0.name"] != "main" {
		t.Errorf("name = %v, want main", flat["providers.0.name"])
	}
	if flat["gateway.listen_addr"] != cfg.Gateway.ListenAddr {
		t.Errorf("flatten missed gateway.listen_addr")
	}

	// live config untouched
	if cfg.Providers[0].APIKey != "sk-ant-supersecret" {
		t.Error("FlattenRedacted mutated the live config")
	}
}

func TestFlatten_DottedKeys(t *testing.T) {
	flat := DefaultConfig().Flatten()
	for _, key := range []string{
		"gateway.workers",
		"approval.auto_approve_safe",
		"tracing.max_traces",
		"tools.shell_timeout_seconds",
	} {
		if _, ok := flat[key]; !ok {
			t.Errorf("missing flattened key %q", key)
		}
	}
}
