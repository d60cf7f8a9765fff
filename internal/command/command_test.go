package command

import (
	"testing"
	"time"

	"github.com/reinflow/rein/internal/store"
	"github.com/reinflow/rein/internal/taskdir"
)

type fakeHandler struct {
	cancelled    []string
	pausedCalls  []bool
}

func (f *fakeHandler) CancelBlock(name string) error {
	f.cancelled = append(f.cancelled, name)
	return nil
}

func (f *fakeHandler) SetWorkflowPaused(paused bool) {
	f.pausedCalls = append(f.pausedCalls, paused)
}

func newTestChannel(t *testing.T) (*Channel, *store.Store, *fakeHandler) {
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
	t.Cleanup(func() { st.Close() })

	if err := st.Upsert(&store.Record{Name: "a", Status: store.StatusRunning, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	h := &fakeHandler{}
	return New("t1", st, dir, h), st, h
}

func TestPauseThenResumeRestoresStatus(t *testing.T) {
	c, st, _ := newTestChannel(t)

	c.dispatch("pause a")
	rec, _ := st.Get("a")
	if rec.Status != store.StatusPaused {
		t.Fatalf("expected paused, got %s", rec.Status)
	}
	if rec.PrevStatus != store.StatusRunning {
		t.Fatalf("expected prev status running, got %s", rec.PrevStatus)
	}

	c.dispatch("resume a")
	rec, _ = st.Get("a")
	if rec.Status != store.StatusRunning {
		t.Fatalf("expected restored to running, got %s", rec.Status)
	}
}

func TestPausingAlreadyPausedIsRejected(t *testing.T) {
	c, st, _ := newTestChannel(t)
	c.dispatch("pause a")
	result := c.pauseBlock("a")
	if result == "" || result[:6] != "cannot" {
		t.Fatalf("expected rejection, got %q", result)
	}
	rec, _ := st.Get("a")
	if rec.Status != store.StatusPaused {
		t.Fatalf("status changed unexpectedly: %s", rec.Status)
	}
}

func TestResumingNonPausedIsRejected(t *testing.T) {
	c, _, _ := newTestChannel(t)
	result := c.resumeBlock("a")
	if result == "" || result[:6] != "cannot" {
		t.Fatalf("expected rejection, got %q", result)
	}
}

func TestCancelInvokesHandlerAndSetsTerminal(t *testing.T) {
	c, st, h := newTestChannel(t)
	c.dispatch("cancel a")
	rec, _ := st.Get("a")
	if rec.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", rec.Status)
	}
	if len(h.cancelled) != 1 || h.cancelled[0] != "a" {
		t.Fatalf("expected handler to observe cancel, got %+v", h.cancelled)
	}
}

func TestWorkflowPauseResumeToggle(t *testing.T) {
	c, _, h := newTestChannel(t)
	c.dispatch("pause-workflow")
	c.dispatch("pause-workflow")
	c.dispatch("resume-workflow")
	if len(h.pausedCalls) != 2 {
		t.Fatalf("expected exactly one pause and one resume to reach handler, got %+v", h.pausedCalls)
	}
	if h.pausedCalls[0] != true || h.pausedCalls[1] != false {
		t.Fatalf("unexpected sequence: %+v", h.pausedCalls)
	}
}
