// Package prompt implements the Prompt Assembler: it resolves
// {{ task.input.X }} and {{ file-reference }} placeholders against task
// inputs, dependency outputs, and the task/workflow directories, producing
// the final prompt string or failing with UnresolvedPlaceholder.
package prompt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/reinflow/rein/internal/flowdoc"
	"github.com/reinflow/rein/internal/rerr"
)

const separator = "\n---\n"

// Context is the global assembly context shared across every block in a run.
type Context struct {
	TeamTone    string
	TaskInput   map[string]any
	TaskDir     string
	WorkflowDir string
}

// Assemble resolves b's prompt template into its final, literal string.
func Assemble(b *flowdoc.Block, ctx Context) (string, error) {
	specialistText, err := loadSpecialists(ctx.WorkflowDir, b.Specialist)
	if err != nil {
		return "", err
	}

	resolved, replaced := substituteTaskInput(b.Prompt, ctx.TaskInput)
	resolved = substituteFileReferences(resolved, ctx)

	if missing := findUnresolvedTaskInputs(resolved); len(missing) > 0 {
		return "", rerr.Wrap(rerr.UnresolvedPlaceholder,
			fmt.Errorf("unresolved task.input placeholders: %s", strings.Join(missing, ", ")), b.Name)
	}
	_ = replaced

	var sb strings.Builder
	if ctx.TeamTone != "" {
		sb.WriteString(ctx.TeamTone)
		sb.WriteString(separator)
	}
	if specialistText != "" {
		sb.WriteString(specialistText)
		sb.WriteString(separator)
	}
	sb.WriteString(resolved)
	return sb.String(), nil
}

// loadSpecialists loads one prompt fragment per configured specialist
// identifier from workflowDir/specialists, concatenated with separators.
// A single block declares at most one specialist identifier today; the
// loader is written to generalize to a comma-separated list without
// changing the contract.
func loadSpecialists(workflowDir, specialist string) (string, error) {
	if specialist == "" {
		return "", nil
	}
	var parts []string
	for _, name := range strings.Split(specialist, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		path := filepath.Join(workflowDir, "specialists", name+".md")
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Warn("prompt: specialist fragment not found", "specialist", name, "path", path)
				continue
			}
			return "", err
		}
		parts = append(parts, strings.TrimSpace(string(raw)))
	}
	return strings.Join(parts, separator), nil
}

var placeholderPrefix = "{{"
var placeholderSuffix = "}}"

// scanPlaceholders performs the first pass: a linear walk locating every
// {{ ... }} span and its trimmed inner text.
func scanPlaceholders(s string) []placeholder {
	var out []placeholder
	i := 0
	for {
		start := strings.Index(s[i:], placeholderPrefix)
		if start < 0 {
			break
		}
		start += i
		end := strings.Index(s[start:], placeholderSuffix)
		if end < 0 {
			break
		}
		end += start
		inner := strings.TrimSpace(s[start+len(placeholderPrefix) : end])
		out = append(out, placeholder{start: start, end: end + len(placeholderSuffix), inner: inner})
		i = end + len(placeholderSuffix)
	}
	return out
}

type placeholder struct {
	start, end int
	inner      string
}

// substituteTaskInput is the second pass for task.input.* references.
func substituteTaskInput(s string, taskInput map[string]any) (string, []string) {
	spans := scanPlaceholders(s)
	var replaced []string
	var sb strings.Builder
	last := 0
	for _, ph := range spans {
		if !strings.HasPrefix(ph.inner, "task.input.") {
			continue
		}
		field := strings.TrimPrefix(ph.inner, "task.input.")
		val, ok := taskInput[field]
		if !ok {
			continue // left as-is; caught by findUnresolvedTaskInputs later
		}
		sb.WriteString(s[last:ph.start])
		sb.WriteString(serializeValue(val))
		last = ph.end
		replaced = append(replaced, field)
	}
	sb.WriteString(s[last:])
	return sb.String(), replaced
}

func serializeValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

// substituteFileReferences is the third pass: resolves any remaining
// non-task.input placeholder via the three-tier file-reference priority.
func substituteFileReferences(s string, ctx Context) string {
	spans := scanPlaceholders(s)
	var sb strings.Builder
	last := 0
	for _, ph := range spans {
		if strings.HasPrefix(ph.inner, "task.input.") {
			continue
		}
		content, found := resolveFileReference(ph.inner, ctx)
		if !found {
			slog.Warn("prompt: unresolved file reference left as-is", "ref", ph.inner)
			continue
		}
		sb.WriteString(s[last:ph.start])
		sb.WriteString(content)
		last = ph.end
	}
	sb.WriteString(s[last:])
	return sb.String()
}

func resolveFileReference(ref string, ctx Context) (string, bool) {
	if strings.HasSuffix(ref, ".json") {
		block := strings.TrimSuffix(ref, ".json")
		path := filepath.Join(ctx.TaskDir, block, "outputs", "result.json")
		if content, ok := readResultUnwrapped(path); ok {
			return content, true
		}
		return "", false
	}
	if path := filepath.Join(ctx.TaskDir, "outputs", ref); fileExists(path) {
		return readFileCompactJSON(path)
	}
	if path := filepath.Join(ctx.WorkflowDir, ref); fileExists(path) {
		return readFileCompactJSON(path)
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// readResultUnwrapped loads a block's result.json and, when its top-level
// "result" field is itself a JSON-stringified object, unwraps it.
func readResultUnwrapped(path string) (string, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var env struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", false
	}
	var asString string
	if err := json.Unmarshal(env.Result, &asString); err == nil {
		var nested any
		if err := json.Unmarshal([]byte(asString), &nested); err == nil {
			compact, _ := json.Marshal(nested)
			return string(compact), true
		}
		return asString, true
	}
	compacted, err := compactJSON(env.Result)
	if err != nil {
		return "", false
	}
	return compacted, true
}

func compactJSON(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func readFileCompactJSON(path string) (string, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// not JSON; return raw text verbatim.
		return string(raw), true
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// findUnresolvedTaskInputs scans for any surviving {{ task.input.* }} span.
func findUnresolvedTaskInputs(s string) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, ph := range scanPlaceholders(s) {
		if strings.HasPrefix(ph.inner, "task.input.") {
			field := strings.TrimPrefix(ph.inner, "task.input.")
			if !seen[field] {
				seen[field] = true
				missing = append(missing, field)
			}
		}
	}
	sort.Strings(missing)
	return missing
}
