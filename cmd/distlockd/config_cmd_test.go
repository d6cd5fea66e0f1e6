package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"
)

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen --stdout: %v", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &parsed); err != nil {
		t.Fatalf("generated config is not YAML: %v\n%s", err, stdout)
	}
	for _, key := range []string{"listen", "lock-ttl", "sweep-interval", "id-format", "json-max", "log-level"} {
		if _, ok := parsed[key]; !ok {
			t.Fatalf("expected key %q in generated config:\n%s", key, stdout)
		}
	}
	if parsed["json-max"] != "64KiB" {
		t.Fatalf("unexpected json-max %v", parsed["json-max"])
	}
}

func TestConfigGenWritesFileAndHonoursForce(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")

	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("expected output path in %q", stdout)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat generated config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}

	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func TestConfigGenDefaultsToConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DISTLOCK_CONFIG_DIR", dir)
	cmd := newRootCommand(pslog.NoopLogger())
	cmd.SetArgs([]string{"config", "gen"})
	cmd.SetOut(&strings.Builder{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Fatalf("expected config in DISTLOCK_CONFIG_DIR: %v", err)
	}
}

func TestConfigGenRejectsConflictingTargets(t *testing.T) {
	_, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "x.yaml")
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected mutually exclusive error, got %v", err)
	}
}
