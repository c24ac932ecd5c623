package cfgstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLayering(t *testing.T) {
	t.Setenv("HARMONYTEST_PREFETCH_COUNT", "8")

	s := New(Options{
		Defaults:  map[string]string{"strategy": "random", "prefetch.count": "0", "agg.func": "min"},
		EnvPrefix: "HARMONYTEST",
	})
	if err := s.Merge(map[string]string{"Strategy": "exhaustive", "agg.func": "median"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got, _ := s.Get("strategy"); got != "exhaustive" {
		t.Fatalf("file layer should beat defaults, got %q", got)
	}
	if got := s.Int("prefetch.count", -1); got != 8 {
		t.Fatalf("env should beat defaults, got %d", got)
	}
	prev, err := s.Set("AGG.FUNC", "max")
	if err != nil || prev != "median" {
		t.Fatalf("set returned prev=%q err=%v", prev, err)
	}
	if got, _ := s.Get("agg.func"); got != "max" {
		t.Fatalf("runtime write lost, got %q", got)
	}
}

func TestUnknownAndInvalidKeys(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	if _, err := s.Get("missing.key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, bad := range []string{"", "has space", "semi;colon", ".leading", strings.Repeat("k", 5000)} {
		if _, err := s.Set(bad, "v"); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey for %q, got %v", bad, err)
		}
	}
	prev, err := s.Set("fresh", "1")
	if err != nil || prev != "" {
		t.Fatalf("first set: prev=%q err=%v", prev, err)
	}
}

func TestChildShadowsParent(t *testing.T) {
	t.Parallel()

	root := New(Options{Defaults: map[string]string{"plugins": "log", "random.seed": "7"}})
	child := root.Child()
	if got := child.String("plugins", ""); got != "log" {
		t.Fatalf("child should see parent value, got %q", got)
	}
	prev, err := child.Set("plugins", "agg:log")
	if err != nil || prev != "log" {
		t.Fatalf("child set: prev=%q err=%v", prev, err)
	}
	if got := root.String("plugins", ""); got != "log" {
		t.Fatalf("child write leaked to parent: %q", got)
	}
	if got := child.List("plugins"); len(got) != 2 || got[0] != "agg" || got[1] != "log" {
		t.Fatalf("unexpected list: %v", got)
	}
	snap := child.Snapshot()
	if snap["random.seed"] != "7" || snap["plugins"] != "agg:log" {
		t.Fatalf("unexpected snapshot: %v", snap)
	}
}

func TestTypedGetters(t *testing.T) {
	t.Parallel()

	s := New(Options{Defaults: map[string]string{
		"n": "12", "f": "0.5", "b": "true", "d": "250ms", "junk": "abc",
	}})
	if s.Int("n", 0) != 12 || s.Int64("n", 0) != 12 {
		t.Fatal("int getters")
	}
	if s.Float("f", 0) != 0.5 || !s.Bool("b", false) || s.Duration("d", 0) != 250*time.Millisecond {
		t.Fatal("typed getters")
	}
	if s.Int("junk", 3) != 3 || s.Int("absent", 4) != 4 {
		t.Fatal("defaults not applied")
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "harmony.cfg")
	content := "# tuning defaults\n\nSTRATEGY = exhaustive\nprefetch.count=4\n  # indented comment\nlog.file = /tmp/trace = x\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := New(Options{})
	if err := s.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got, _ := s.Get("strategy"); got != "exhaustive" {
		t.Fatalf("strategy=%q", got)
	}
	if got, _ := s.Get("log.file"); got != "/tmp/trace = x" {
		t.Fatalf("value should keep everything after first '=', got %q", got)
	}
	if err := os.WriteFile(path, []byte("no separator\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := New(Options{}).LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
	if err := New(Options{}).LoadFile(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected open error")
	}
}
