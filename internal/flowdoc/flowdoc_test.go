package flowdoc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/reinflow/rein/internal/rerr"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLinearFlow(t *testing.T) {
	path := writeTemp(t, `
name: linear
blocks:
  - name: a
    prompt: "go"
  - name: b
    depends_on: [a]
  - name: c
    depends_on: [b]
`)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.BlockByName("a").Phase != 1 || doc.BlockByName("b").Phase != 2 || doc.BlockByName("c").Phase != 3 {
		t.Fatalf("unexpected phases: a=%d b=%d c=%d", doc.BlockByName("a").Phase, doc.BlockByName("b").Phase, doc.BlockByName("c").Phase)
	}
}

func TestLoadDetectsCycle(t *testing.T) {
	path := writeTemp(t, `
name: cyclic
blocks:
  - name: a
    depends_on: [b]
  - name: b
    depends_on: [a]
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !isDocumentValidation(err) {
		t.Fatalf("expected DocumentValidation, got %v", err)
	}
}

func TestLoadDetectsUnknownDependency(t *testing.T) {
	path := writeTemp(t, `
name: bad
blocks:
  - name: a
    depends_on: [missing]
`)
	_, err := Load(path)
	if !isDocumentValidation(err) {
		t.Fatalf("expected DocumentValidation, got %v", err)
	}
}

func TestLoadDetectsDuplicateBlock(t *testing.T) {
	path := writeTemp(t, `
name: dup
blocks:
  - name: a
  - name: a
`)
	_, err := Load(path)
	if !isDocumentValidation(err) {
		t.Fatalf("expected DocumentValidation, got %v", err)
	}
}

func TestConditionalNextParsing(t *testing.T) {
	path := writeTemp(t, `
name: cond
blocks:
  - name: review
    next:
      - if: "{{ result.approved }}"
        goto: publish
      - else: true
        goto: revise
  - name: publish
  - name: revise
`)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	review := doc.BlockByName("review")
	if review.Next == nil || len(review.Next.Branches) != 2 {
		t.Fatalf("expected two branches, got %+v", review.Next)
	}
}

func isDocumentValidation(err error) bool {
	return errors.Is(err, rerr.DocumentValidation)
}
