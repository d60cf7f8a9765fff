package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/reinflow/rein/internal/flowdoc"
	"github.com/reinflow/rein/internal/provider"
	"github.com/reinflow/rein/internal/store"
	"github.com/reinflow/rein/internal/taskdir"
)

func newTestEngine(t *testing.T, doc *flowdoc.Document) (*Engine, taskdir.Dir, func()) {
	t.Helper()
	root := t.TempDir()
	dir := taskdir.New(root)
	if err := dir.Init(); err != nil {
		t.Fatalf("init taskdir: %v", err)
	}
	st, err := store.Open(dir.DBPath())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	workflowDir := t.TempDir()
	if err := flowdoc.ComputePhases(doc); err != nil {
		t.Fatalf("compute phases: %v", err)
	}
	providers := provider.NewRegistry()
	providers.Register("mock", provider.NewMockProvider)

	e := New(doc, dir, st, providers, Options{
		TaskID:       "t1",
		TaskInput:    map[string]any{"topic": "widgets"},
		TeamTone:     "be terse",
		WorkflowDir:  workflowDir,
		ProviderName: "mock",
		Timeout:      5 * time.Second,
	})
	return e, dir, func() { st.Close() }
}

func TestRunLinearFlowCompletes(t *testing.T) {
	doc := &flowdoc.Document{
		Name:        "linear",
		MaxParallel: 2,
		Blocks: []flowdoc.Block{
			{Name: "a", Prompt: "do a"},
			{Name: "b", Prompt: "do b", DependsOn: []string{"a"}},
		},
	}
	e, dir, closeFn := newTestEngine(t, doc)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	summary, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.Failed != 0 || summary.Completed != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if !dir.HasResult("a") || !dir.HasResult("b") {
		t.Fatalf("expected both blocks to have results")
	}
	if status, _ := dir.ReadStatus(); status != taskdir.StatusCompleted {
		t.Fatalf("expected completed status, got %q", status)
	}
}

func TestRunSkipsDependentOnFailurePolicy(t *testing.T) {
	doc := &flowdoc.Document{
		Name:        "skip",
		MaxParallel: 2,
		Blocks: []flowdoc.Block{
			{Name: "a", Prompt: "do a", Logic: &flowdoc.Logic{Pre: "missing.sh"}, ContinueIfFailed: true},
			{Name: "b", Prompt: "do b", DependsOn: []string{"a"}, SkipIfPreviousFailed: true},
		},
	}
	e, _, closeFn := newTestEngine(t, doc)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	summary, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.PerBlock["a"] != "failed" {
		t.Fatalf("expected block a to fail, got %+v", summary.PerBlock)
	}
	if summary.PerBlock["b"] != "skipped" {
		t.Fatalf("expected block b to be skipped, got %+v", summary.PerBlock)
	}
}

func TestRunStopsOnCriticalFailure(t *testing.T) {
	doc := &flowdoc.Document{
		Name:        "critical",
		MaxParallel: 2,
		Blocks: []flowdoc.Block{
			{Name: "a", Prompt: "do a", Logic: &flowdoc.Logic{Pre: "missing.sh"}, ContinueIfFailed: false},
			{Name: "b", Prompt: "do b"},
		},
	}
	e, _, closeFn := newTestEngine(t, doc)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	summary, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.StopReason == "" {
		t.Fatalf("expected a stop reason to be recorded")
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
