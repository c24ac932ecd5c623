package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/harmonyd"
)

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("unmarshal generated config: %v\n%s", err, stdout)
	}
	if got.Listen != harmonyd.DefaultListen || got.Strategy != harmonyd.DefaultStrategy {
		t.Fatalf("unexpected defaults %+v", got)
	}
	if got.CodegenHandoff != harmonyd.DefaultCodegenHandoff || got.CodegenRetries != harmonyd.DefaultCodegenRetries {
		t.Fatalf("unexpected codegen defaults %+v", got)
	}
	if got.MaxFrame != humanizeBytes(harmonyd.DefaultMaxFrame) {
		t.Fatalf("max-frame %q", got.MaxFrame)
	}
}

func TestConfigGenWritesFileOnce(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
	_, _, err = executeRootCommand(t, "config", "gen", "--out", out)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already exists error, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func TestConfigGenRejectsStdoutWithOut(t *testing.T) {
	_, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", filepath.Join(t.TempDir(), "x.yaml"))
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected mutually exclusive error, got %v", err)
	}
}

func TestDefaultConfigYAMLOverrides(t *testing.T) {
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.Strategy = "exhaustive"
		d.Plugins = []string{"log", "codegen"}
	})
	if err != nil {
		t.Fatalf("defaultConfigYAML: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Strategy != "exhaustive" || strings.Join(got.Plugins, ",") != "log,codegen" {
		t.Fatalf("overrides not applied: %+v", got)
	}
}
