package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTOML(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadTestbedConfig_MissingNamespace(t *testing.T) {
	dir := t.TempDir()
	writeTOML(t, dir, "testbed.toml", "[agents.processing]\nenabled = true\n")

	_, err := LoadTestbedConfig(filepath.Join(dir, "testbed.toml"))
	if err == nil {
		t.Fatalf("expected ConfigError for missing namespace")
	}
}

func TestLoadTestbedConfig_ParsesNamespaceAndAgents(t *testing.T) {
	dir := t.TempDir()
	writeTOML(t, dir, "testbed.toml", `
[testbed]
namespace = "alice"

[agents.processing]
enabled = true

[agents.fastmon]
enabled = false
`)

	cfg, err := LoadTestbedConfig(filepath.Join(dir, "testbed.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Namespace != "alice" {
		t.Fatalf("expected namespace alice, got %q", cfg.Namespace)
	}
	if !cfg.Agents["processing"].Enabled {
		t.Fatalf("expected processing agent enabled")
	}
	if cfg.Agents["fastmon"].Enabled {
		t.Fatalf("expected fastmon agent disabled")
	}
}

func TestLoadWorkflowConfig_IncludesMainWinsOnCollision(t *testing.T) {
	dir := t.TempDir()
	writeTOML(t, dir, "stf_datataking_default.toml", `
[workflow]
name = "stf_datataking"
version = "0.1"
includes = ["daq_state_machine.toml"]

[daq_state_machine]
stf_interval = 2.0
`)
	writeTOML(t, dir, "daq_state_machine.toml", `
[daq_state_machine]
stf_interval = 1.0
stf_count = 10

[fast_processing]
slices_per_sample = 15
`)

	cfg, err := LoadWorkflowConfig(dir, "stf_datataking", "default", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	daq := cfg.Section("daq_state_machine")
	// main's stf_interval must win; include's stf_count (not present in
	// main) must NOT be merged in, since §4.4.1 step 3 says "adds any
	// section not already present" — daq_state_machine IS present in main,
	// so the whole include section is skipped, not deep-merged.
	if daq["stf_interval"] != 2.0 {
		t.Fatalf("expected main's stf_interval to win, got %v", daq["stf_interval"])
	}
	if _, ok := daq["stf_count"]; ok {
		t.Fatalf("expected stf_count to be absent (section already present in main)")
	}

	fp := cfg.Section("fast_processing")
	if fp["slices_per_sample"] != int64(15) {
		t.Fatalf("expected fast_processing section adopted from include, got %v", fp)
	}
}

func TestLoadWorkflowConfig_TestbedAndCLIOverridesMergeKeys(t *testing.T) {
	dir := t.TempDir()
	writeTOML(t, dir, "stf_datataking_default.toml", `
[workflow]
name = "stf_datataking"
version = "0.1"

[daq_state_machine]
stf_interval = 1.0
stf_count = 10
`)

	testbed := &TestbedConfig{
		Namespace: "alice",
		Sections: Sections{
			"daq_state_machine": {"stf_count": int64(20)},
		},
	}
	overrides := Sections{
		"daq_state_machine": {"stf_interval": 5.0},
	}

	cfg, err := LoadWorkflowConfig(dir, "stf_datataking", "default", testbed, overrides)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	daq := cfg.Section("daq_state_machine")
	if daq["stf_count"] != int64(20) {
		t.Fatalf("expected testbed override to win per-key, got %v", daq["stf_count"])
	}
	if daq["stf_interval"] != 5.0 {
		t.Fatalf("expected CLI override to win per-key, got %v", daq["stf_interval"])
	}
}

func TestWorkflowConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeTOML(t, dir, "stf_datataking_default.toml", `
[workflow]
name = "stf_datataking"
version = "0.1"

[daq_state_machine]
stf_interval = 1.0
stf_count = 10
`)

	cfg, err := LoadWorkflowConfig(dir, "stf_datataking", "default", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := filepath.Join(dir, "expanded.toml")
	if err := WriteExpandedConfig(out, cfg.Sections); err != nil {
		t.Fatalf("WriteExpandedConfig error: %v", err)
	}

	reloaded, err := parseFile(out)
	if err != nil {
		t.Fatalf("reparse error: %v", err)
	}
	if reloaded["daq_state_machine"]["stf_interval"] != cfg.Section("daq_state_machine")["stf_interval"] {
		t.Fatalf("round trip mismatch: %v vs %v", reloaded["daq_state_machine"], cfg.Section("daq_state_machine"))
	}
}

func TestLoadWorkflowConfig_MissingIncludeIsConfigError(t *testing.T) {
	dir := t.TempDir()
	writeTOML(t, dir, "stf_datataking_default.toml", `
[workflow]
name = "stf_datataking"
version = "0.1"
includes = ["missing.toml"]
`)

	_, err := LoadWorkflowConfig(dir, "stf_datataking", "default", nil, nil)
	if err == nil {
		t.Fatalf("expected error for missing include")
	}
}
