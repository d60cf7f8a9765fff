package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestUpsertGetAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rein.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	recs := []*Record{
		{Name: "b", Phase: 2, Status: StatusWaiting, MaxRuns: 1, UpdatedAt: time.Now()},
		{Name: "a", Phase: 1, Status: StatusDone, MaxRuns: 1, UpdatedAt: time.Now()},
	}
	for _, r := range recs {
		if err := s.Upsert(r); err != nil {
			t.Fatal(err)
		}
	}
	got, ok := s.Get("a")
	if !ok || got.Status != StatusDone {
		t.Fatalf("unexpected get result: %+v ok=%v", got, ok)
	}
	all := s.All()
	if len(all) != 2 || all[0].Name != "a" || all[1].Name != "b" {
		t.Fatalf("expected phase-ordered [a b], got %+v", all)
	}
}

func TestReopenRestoresWarmCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rein.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(&Record{Name: "a", Phase: 1, Status: StatusDone}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, ok := s2.Get("a")
	if !ok || got.Status != StatusDone {
		t.Fatalf("expected restored record, got %+v ok=%v", got, ok)
	}
}

func TestClearWipesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rein.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.Upsert(&Record{Name: "a", Phase: 1, Status: StatusDone})
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if len(s.All()) != 0 {
		t.Fatal("expected empty store after clear")
	}
}

func TestStatusCompletedForScheduling(t *testing.T) {
	if !StatusDone.CompletedForScheduling() {
		t.Fatal("done should count as completed")
	}
	if !StatusSkipped.CompletedForScheduling() {
		t.Fatal("skipped should count as completed")
	}
	if StatusWaiting.CompletedForScheduling() {
		t.Fatal("waiting should not count as completed")
	}
}
