package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/reinflow/rein/internal/flowdoc"
)

func TestAssembleSubstitutesTaskInput(t *testing.T) {
	taskDir := t.TempDir()
	workflowDir := t.TempDir()
	b := &flowdoc.Block{Name: "a", Prompt: "Summarize {{ task.input.topic }} please."}
	ctx := Context{TaskInput: map[string]any{"topic": "widgets"}, TaskDir: taskDir, WorkflowDir: workflowDir}

	got, err := Assemble(b, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Summarize widgets please."
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestAssembleFailsOnUnresolvedTaskInput(t *testing.T) {
	b := &flowdoc.Block{Name: "a", Prompt: "{{ task.input.missing }}"}
	ctx := Context{TaskInput: map[string]any{}, TaskDir: t.TempDir(), WorkflowDir: t.TempDir()}
	_, err := Assemble(b, ctx)
	if err == nil {
		t.Fatal("expected UnresolvedPlaceholder error")
	}
}

func TestAssembleResolvesBlockResultReference(t *testing.T) {
	taskDir := t.TempDir()
	workflowDir := t.TempDir()
	outDir := filepath.Join(taskDir, "upstream", "outputs")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatal(err)
	}
	resultJSON := `{"stage":"upstream","result":{"summary":"done"},"timestamp":"2026-01-01T00:00:00Z"}`
	if err := os.WriteFile(filepath.Join(outDir, "result.json"), []byte(resultJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	b := &flowdoc.Block{Name: "b", Prompt: "Upstream said: {{ upstream.json }}"}
	ctx := Context{TaskInput: map[string]any{}, TaskDir: taskDir, WorkflowDir: workflowDir}
	got, err := Assemble(b, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `Upstream said: {"summary":"done"}`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestAssembleLeavesMissingFileReferenceAsIs(t *testing.T) {
	b := &flowdoc.Block{Name: "a", Prompt: "See {{ nope.json }} for context."}
	ctx := Context{TaskInput: map[string]any{}, TaskDir: t.TempDir(), WorkflowDir: t.TempDir()}
	got, err := Assemble(b, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "See {{ nope.json }} for context." {
		t.Fatalf("expected placeholder left as-is, got %q", got)
	}
}

func TestAssembleIncludesTeamToneAndSpecialist(t *testing.T) {
	workflowDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(workflowDir, "specialists"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workflowDir, "specialists", "writer.md"), []byte("You are a writer."), 0o644); err != nil {
		t.Fatal(err)
	}
	b := &flowdoc.Block{Name: "a", Specialist: "writer", Prompt: "Write something."}
	ctx := Context{TeamTone: "Be concise.", TaskInput: map[string]any{}, TaskDir: t.TempDir(), WorkflowDir: workflowDir}
	got, err := Assemble(b, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == "" {
		t.Fatal("expected non-empty prompt")
	}
	for _, want := range []string{"Be concise.", "You are a writer.", "Write something."} {
		if !contains(got, want) {
			t.Fatalf("expected prompt to contain %q, got %q", want, got)
		}
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
