package taskdir

import (
	"os"
	"testing"
	"time"
)

func TestWriteResultThenRead(t *testing.T) {
	d := New(t.TempDir())
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	if err := d.EnsureBlockDirs("a"); err != nil {
		t.Fatal(err)
	}
	env := &ResultEnvelope{Stage: "a", Result: map[string]any{"ok": true}, Timestamp: time.Now()}
	if err := d.WriteResult("a", env); err != nil {
		t.Fatal(err)
	}
	if !d.HasResult("a") {
		t.Fatal("expected result to exist")
	}
	got, err := d.ReadResult("a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != "a" {
		t.Fatalf("unexpected stage %q", got.Stage)
	}
	if _, err := os.Stat(d.BlockResultPath("a") + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected tmp file to be renamed away")
	}
}

func TestClearBlockOutputsRemovesResult(t *testing.T) {
	d := New(t.TempDir())
	d.Init()
	d.EnsureBlockDirs("a")
	d.WriteResult("a", &ResultEnvelope{Stage: "a", Result: "x", Timestamp: time.Now()})
	if err := d.ClearBlockOutputs("a"); err != nil {
		t.Fatal(err)
	}
	if d.HasResult("a") {
		t.Fatal("expected result to be cleared")
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	d := New(t.TempDir())
	d.Init()
	desc := &Descriptor{ID: "t1", Flow: "f", Input: map[string]any{"topic": "x"}, CreatedAt: time.Now()}
	if err := d.WriteDescriptor(desc); err != nil {
		t.Fatal(err)
	}
	got, err := d.ReadDescriptor()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "t1" || got.Flow != "f" {
		t.Fatalf("unexpected descriptor %+v", got)
	}
}
