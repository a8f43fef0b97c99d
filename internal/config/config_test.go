package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRuntimeEnvOverrides(t *testing.T) {
	t.Setenv("SQUAD_INSTALL_DIR", "/tmp/squad")
	t.Setenv("SQUAD_STALE_TIMEOUT_SEC", "45")

	rt := LoadRuntime("SQUAD", ".squad", "review", 10*time.Minute)
	if rt.InstallDir != "/tmp/squad" {
		t.Fatalf("expected env override for install dir, got %s", rt.InstallDir)
	}
	if rt.StaleTimeout != 45*time.Second {
		t.Fatalf("expected 45s stale timeout, got %s", rt.StaleTimeout)
	}
}

func TestLoadRuntimeDefaults(t *testing.T) {
	rt := LoadRuntime("SQUADX", ".squad", "review", 10*time.Minute)
	if rt.InstallDir != ".squad" || rt.ReviewDefault != "review" || rt.StaleTimeout != 10*time.Minute {
		t.Fatalf("expected defaults to pass through unset env vars, got %+v", rt)
	}
}

func TestLoadAgentDictionary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	body := "agents:\n  - name: AlphaGlade\n    program: claude\n    model: claude-opus\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	dict, err := LoadAgentDictionary(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(dict.Agents) != 1 || dict.Agents[0].Name != "AlphaGlade" {
		t.Fatalf("unexpected dictionary: %+v", dict.Agents)
	}
}
