package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveInputMergesQuestionFile(t *testing.T) {
	dir := t.TempDir()
	qPath := filepath.Join(dir, "question.txt")
	if err := os.WriteFile(qPath, []byte("what is the weather"), 0o644); err != nil {
		t.Fatalf("write question file: %v", err)
	}

	flags := &cliFlags{input: `{"topic":"widgets"}`, question: qPath}
	input, err := resolveInput(flags)
	if err != nil {
		t.Fatalf("resolveInput failed: %v", err)
	}
	if input["topic"] != "what is the weather" {
		t.Fatalf("expected question file to override topic, got %v", input["topic"])
	}
	if input["task"] != "what is the weather" {
		t.Fatalf("expected task field populated from question file, got %v", input["task"])
	}
}

func TestResolveInputRejectsMalformedJSON(t *testing.T) {
	flags := &cliFlags{input: "{not json"}
	if _, err := resolveInput(flags); err == nil {
		t.Fatal("expected an error for malformed --input JSON")
	}
}

func TestAgentsDirDefaultsWhenUnset(t *testing.T) {
	if got := agentsDir(""); got != "./agents" {
		t.Fatalf("expected default agents dir, got %q", got)
	}
	if got := agentsDir("/custom/agents"); got != "/custom/agents" {
		t.Fatalf("expected flag value to win, got %q", got)
	}
}
