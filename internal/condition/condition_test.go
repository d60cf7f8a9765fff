package condition

import "testing"

func TestEvaluateBareTruthiness(t *testing.T) {
	data := map[string]any{"result": map[string]any{"approved": true}}
	if !Evaluate("{{ result.approved }}", data) {
		t.Fatal("expected truthy")
	}
}

func TestEvaluateComparators(t *testing.T) {
	data := map[string]any{"result": map[string]any{"score": 42.0, "label": "ok"}}
	cases := []struct {
		expr string
		want bool
	}{
		{"{{ result.score > 10 }}", true},
		{"{{ result.score < 10 }}", false},
		{"{{ result.score == 42 }}", true},
		{"{{ result.score != 42 }}", false},
		{`{{ result.label == "ok" }}`, true},
		{`{{ result.label == "nope" }}`, false},
	}
	for _, c := range cases {
		if got := Evaluate(c.expr, data); got != c.want {
			t.Errorf("Evaluate(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestEvaluateUnknownPathIsFalseNotError(t *testing.T) {
	data := map[string]any{"result": map[string]any{}}
	if Evaluate("{{ result.missing == 1 }}", data) {
		t.Fatal("expected false for comparison against unknown path")
	}
	if Evaluate("{{ result.missing }}", data) {
		t.Fatal("expected false for bare unknown path")
	}
}

func TestEvaluateMalformedNeverPanics(t *testing.T) {
	if Evaluate("{{ }}", nil) {
		t.Fatal("expected false for empty expression")
	}
	if Evaluate("not even braces", nil) {
		// bare path resolution against nil data; should just be false.
	}
}
