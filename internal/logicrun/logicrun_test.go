package logicrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunShellScriptSuccess(t *testing.T) {
	workflowDir := t.TempDir()
	script := filepath.Join(workflowDir, "hooks", "pre.sh")
	if err := os.MkdirAll(filepath.Dir(script), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	res, err := Run(context.Background(), workflowDir, "hooks/pre.sh", t.TempDir(), Context{TaskID: "t1"}, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("expected success, got exit %d", res.ExitCode)
	}
}

func TestRunShellScriptFailureExitCode(t *testing.T) {
	workflowDir := t.TempDir()
	script := filepath.Join(workflowDir, "fail.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 3\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	res, err := Run(context.Background(), workflowDir, "fail.sh", t.TempDir(), Context{}, 5*time.Second)
	if err == nil {
		t.Fatal("expected LogicFailure error")
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode)
	}
}

func TestRunRefusesUnsupportedExtension(t *testing.T) {
	workflowDir := t.TempDir()
	script := filepath.Join(workflowDir, "script.rb")
	if err := os.WriteFile(script, []byte("puts 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Run(context.Background(), workflowDir, "script.rb", t.TempDir(), Context{}, time.Second)
	if err == nil {
		t.Fatal("expected refusal for unsupported extension")
	}
}

func TestRunKillsOnTimeout(t *testing.T) {
	workflowDir := t.TempDir()
	script := filepath.Join(workflowDir, "slow.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 5\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err := Run(context.Background(), workflowDir, "slow.sh", t.TempDir(), Context{}, 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("expected process to be killed promptly on timeout")
	}
}
