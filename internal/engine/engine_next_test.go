package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/reinflow/rein/internal/flowdoc"
	"github.com/reinflow/rein/internal/store"
	"github.com/reinflow/rein/internal/taskdir"
)

// reviewScript writes a fixed result.json directly, standing in for a real
// review step whose conclusion ("approved") the test needs deterministic.
const reviewScript = `import json, sys
ctx = json.load(sys.stdin)
out = {"stage": "review", "result": {"approved": True}, "timestamp": "2024-01-01T00:00:00Z"}
with open(ctx["output_file"], "w") as f:
    json.dump(out, f)
`

func TestRunEvaluatesConditionalNextBranch(t *testing.T) {
	doc := &flowdoc.Document{
		Name:        "branch",
		MaxParallel: 2,
		Blocks: []flowdoc.Block{
			{
				Name:  "review",
				Logic: &flowdoc.Logic{Pre: "write_review.py", Custom: true},
				Next: &flowdoc.Next{Branches: []flowdoc.NextBranch{
					{If: "{{ result.approved }}", Goto: "publish"},
					{Else: true, Goto: "revise"},
				}},
			},
			{Name: "publish", Prompt: "ship it"},
			{Name: "revise", Prompt: "rework it"},
		},
	}
	e, dir, closeFn := newTestEngine(t, doc)
	defer closeFn()

	scriptPath := filepath.Join(e.opts.WorkflowDir, "write_review.py")
	if err := os.WriteFile(scriptPath, []byte(reviewScript), 0o644); err != nil {
		t.Fatalf("write review script: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.PerBlock["review"] != "done" {
		t.Fatalf("expected review to be done, got %+v", summary.PerBlock)
	}
	if summary.PerBlock["publish"] != "done" {
		t.Fatalf("expected the approved branch (publish) to run, got %+v", summary.PerBlock)
	}
	if summary.PerBlock["revise"] != "waiting" {
		t.Fatalf("expected the rejected branch (revise) to never run, got %+v", summary.PerBlock)
	}
	if !dir.HasResult("publish") {
		t.Fatalf("expected publish to have produced a result")
	}
	if dir.HasResult("revise") {
		t.Fatalf("expected revise to have no result, since its branch was never taken")
	}
}

func TestRunBoundedLoopBlocksAfterMaxRuns(t *testing.T) {
	doc := &flowdoc.Document{
		Name:        "loop",
		MaxParallel: 2,
		Blocks: []flowdoc.Block{
			{
				Name:    "loopy",
				Prompt:  "iterate",
				MaxRuns: 2,
				Next:    &flowdoc.Next{Unconditional: "loopy"},
			},
		},
	}
	e, dir, closeFn := newTestEngine(t, doc)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.PerBlock["loopy"] != "done" {
		t.Fatalf("expected loopy to end done, got %+v", summary.PerBlock)
	}

	raw, err := os.ReadFile(dir.LogPath())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	log := string(raw)
	queued := strings.Count(log, "NEXT QUEUED | target=loopy")
	blocked := strings.Count(log, "NEXT BLOCKED | max_runs target=loopy")
	if queued != 1 {
		t.Fatalf("expected exactly 1 NEXT QUEUED line, got %d\nlog:\n%s", queued, log)
	}
	if blocked != 1 {
		t.Fatalf("expected exactly 1 NEXT BLOCKED line, got %d\nlog:\n%s", blocked, log)
	}

	rec, ok := e.st.Get("loopy")
	if !ok || rec.RunCount != 2 {
		t.Fatalf("expected final run_count 2, got %+v", rec)
	}
}

func TestResumeInvalidatesOnlyInterruptedBlock(t *testing.T) {
	doc := &flowdoc.Document{
		Name:        "resume",
		MaxParallel: 2,
		Blocks: []flowdoc.Block{
			{Name: "a", Prompt: "do a"},
			{Name: "b", Prompt: "do b", DependsOn: []string{"a"}},
			{Name: "c", Prompt: "do c", DependsOn: []string{"b"}},
		},
	}
	e, dir, closeFn := newTestEngine(t, doc)
	defer closeFn()

	// Simulate a prior run that crashed while b was running: a finished
	// cleanly, b was mid-flight, c never started.
	if err := dir.EnsureBlockDirs("a"); err != nil {
		t.Fatalf("ensure dirs a: %v", err)
	}
	if err := dir.WriteResult("a", &taskdir.ResultEnvelope{Stage: "a", Result: "sentinel-a", Timestamp: time.Now()}); err != nil {
		t.Fatalf("write result a: %v", err)
	}
	if err := e.st.Upsert(&store.Record{Name: "a", Status: store.StatusDone, Phase: 1, Progress: 100, UpdatedAt: time.Now(), MaxRuns: 1}); err != nil {
		t.Fatalf("upsert a: %v", err)
	}

	if err := dir.EnsureBlockDirs("b"); err != nil {
		t.Fatalf("ensure dirs b: %v", err)
	}
	if err := dir.WriteResult("b", &taskdir.ResultEnvelope{Stage: "b", Result: "stale-from-crashed-run", Timestamp: time.Now()}); err != nil {
		t.Fatalf("write result b: %v", err)
	}
	if err := e.st.Upsert(&store.Record{Name: "b", Status: store.StatusRunning, Phase: 2, Progress: 50, UpdatedAt: time.Now(), DependsOn: []string{"a"}, MaxRuns: 1}); err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	if err := e.st.Upsert(&store.Record{Name: "c", Status: store.StatusWaiting, Phase: 3, DependsOn: []string{"b"}, MaxRuns: 1}); err != nil {
		t.Fatalf("upsert c: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.PerBlock["a"] != "done" || summary.PerBlock["b"] != "done" || summary.PerBlock["c"] != "done" {
		t.Fatalf("expected all three blocks done after resume, got %+v", summary.PerBlock)
	}

	envA, err := dir.ReadResult("a")
	if err != nil {
		t.Fatalf("read result a: %v", err)
	}
	if envA.Result != "sentinel-a" {
		t.Fatalf("expected block a to be preserved across resume (not re-run), got result %v", envA.Result)
	}

	envB, err := dir.ReadResult("b")
	if err != nil {
		t.Fatalf("read result b: %v", err)
	}
	if envB.Result == "stale-from-crashed-run" {
		t.Fatalf("expected block b's interrupted run to be invalidated and re-executed")
	}
}
