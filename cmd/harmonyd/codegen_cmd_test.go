package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/harmonyd/internal/handoff"
	"pkt.systems/harmonyd/internal/transport"
)

func TestCodegenSubmitPublishesCandidate(t *testing.T) {
	dir := t.TempDir()
	stdout, _, err := executeRootCommand(t, "codegen", "submit", "1 2 : 3 4 | 5 6",
		"--codegen-handoff", "dir://"+dir, "--codegen-app", "demo", "--round", "3")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(stdout, `"published": true`) {
		t.Fatalf("unexpected output %q", stdout)
	}
	data, err := os.ReadFile(filepath.Join(dir, "candidate_simplex.demo.3.dat"))
	if err != nil {
		t.Fatalf("read candidate: %v", err)
	}
	if strings.TrimSpace(string(data)) != "1 2 : 3 4 | 5 6" {
		t.Fatalf("unexpected candidate %q", data)
	}
}

func TestCodegenSubmitRejectsBadInput(t *testing.T) {
	if _, _, err := executeRootCommand(t, "codegen", "submit", "1 x", "--codegen-handoff", "dir://"+t.TempDir()); err == nil {
		t.Fatal("expected invalid batch error")
	}
	_, _, err := executeRootCommand(t, "codegen", "submit", "1 2", "--codegen-handoff", "mailbox")
	if err == nil || !strings.Contains(err.Error(), "dir:///path") {
		t.Fatalf("expected dir handoff error, got %v", err)
	}
}

func TestCodegenSubmitWaitsForCompletion(t *testing.T) {
	dir := t.TempDir()
	consumer, err := handoff.NewDirConsumer(handoff.DirOptions{Dir: dir, App: "demo", Poll: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		batch, err := consumer.Next(ctx)
		if err != nil {
			errCh <- err
			return
		}
		errCh <- consumer.Complete(handoff.Completion{
			App:        batch.App,
			Round:      batch.Round,
			Units:      2,
			Failed:     1,
			FailedKeys: []string{"3 4"},
		})
	}()

	stdout, _, err := executeRootCommand(t, "codegen", "submit", "1 2 : 3 4",
		"--codegen-handoff", "dir://"+dir, "--codegen-app", "demo", "--round", "5",
		"--handoff-poll", "10ms", "--wait", "5s")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("consumer: %v", err)
	}
	var out completionOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if out.Round != 5 || out.Failed != 1 || out.OK || len(out.FailedKeys) != 1 || out.FailedKeys[0] != "3 4" {
		t.Fatalf("unexpected completion %+v", out)
	}
}

func TestCodegenSubmitWaitTimesOut(t *testing.T) {
	_, _, err := executeRootCommand(t, "codegen", "submit", "1 2",
		"--codegen-handoff", "dir://"+t.TempDir(), "--handoff-poll", "10ms", "--wait", "50ms")
	if err == nil || !strings.Contains(err.Error(), "no completion") {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestCodegenRunRequiresDirHandoff(t *testing.T) {
	_, _, err := executeRootCommand(t, "codegen", "run", "--codegen-script", "/bin/true", "--codegen-hosts", "local")
	if err == nil || !strings.Contains(err.Error(), "dir:///path") {
		t.Fatalf("expected dir handoff error, got %v", err)
	}
	_, _, err = executeRootCommand(t, "codegen", "run", "--codegen-handoff", "dir://"+t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "--codegen-script") {
		t.Fatalf("expected script error, got %v", err)
	}
}

func TestCodegenRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := executeRootCommandContext(t, ctx, "codegen", "run",
		"--codegen-handoff", "dir://"+t.TempDir(), "--codegen-script", "/bin/true", "--codegen-hosts", "local*2")
	if err != nil {
		t.Fatalf("codegen run: %v", err)
	}
}

func TestCodegenKeygenAndOpen(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "keys", "artifacts.pem")
	stdout, _, err := executeRootCommand(t, "codegen", "keygen", "--out", keyPath)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if !strings.Contains(stdout, keyPath) {
		t.Fatalf("unexpected output %q", stdout)
	}
	if info, err := os.Stat(keyPath); err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("key bundle mode: %v %v", info, err)
	}
	if _, _, err := executeRootCommand(t, "codegen", "keygen", "--out", keyPath); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}

	sealer, err := transport.LoadSealer(keyPath)
	if err != nil {
		t.Fatalf("load sealer: %v", err)
	}
	sealed, err := sealer.Seal(strings.NewReader("int kernel;"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealedPath := filepath.Join(dir, "kernel.c"+transport.SealedSuffix)
	if err := os.WriteFile(sealedPath, sealed, 0o644); err != nil {
		t.Fatalf("write sealed: %v", err)
	}
	stdout, _, err = executeRootCommand(t, "codegen", "open", "--key", keyPath, sealedPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if stdout != "int kernel;" {
		t.Fatalf("unexpected plaintext %q", stdout)
	}
	if _, _, err := executeRootCommand(t, "codegen", "open", sealedPath); err == nil {
		t.Fatal("expected --key to be required")
	}
}
