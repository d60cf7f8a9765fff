// Package taskdir defines the on-disk layout of one task directory and the
// helpers for reading and writing its files safely.
package taskdir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Descriptor is the structured task.yaml document.
type Descriptor struct {
	ID        string         `yaml:"id"`
	Flow      string         `yaml:"flow"`
	Input     map[string]any `yaml:"input,omitempty"`
	CreatedAt time.Time      `yaml:"created_at"`
}

// Dir wraps the root path of one task directory and exposes its fixed
// sub-paths. Every component that touches a task's files goes through Dir
// rather than string-concatenating paths inline.
type Dir struct {
	Root string
}

func New(root string) Dir { return Dir{Root: root} }

func (d Dir) DescriptorPath() string { return filepath.Join(d.Root, "task.yaml") }
func (d Dir) InputDir() string       { return filepath.Join(d.Root, "input") }
func (d Dir) StateDir() string       { return filepath.Join(d.Root, "state") }
func (d Dir) DBPath() string         { return filepath.Join(d.StateDir(), "rein.db") }
func (d Dir) LogPath() string        { return filepath.Join(d.StateDir(), "rein.log") }
func (d Dir) StatusPath() string     { return filepath.Join(d.StateDir(), "status") }
func (d Dir) ExitCodePath() string   { return filepath.Join(d.StateDir(), "exit_code") }
func (d Dir) MetadataPath() string   { return filepath.Join(d.Root, "metadata.json") }
func (d Dir) SummaryPath() string    { return filepath.Join(d.Root, "summary.json") }

func (d Dir) BlockDir(name string) string        { return filepath.Join(d.Root, name) }
func (d Dir) BlockInputsDir(name string) string   { return filepath.Join(d.BlockDir(name), "inputs") }
func (d Dir) BlockOutputsDir(name string) string  { return filepath.Join(d.BlockDir(name), "outputs") }
func (d Dir) BlockLogsDir(name string) string     { return filepath.Join(d.BlockDir(name), "logs") }
func (d Dir) BlockResultPath(name string) string  { return filepath.Join(d.BlockOutputsDir(name), "result.json") }

// Status values for the coarse state/status marker.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Init creates the fixed directory skeleton for a fresh task.
func (d Dir) Init() error {
	for _, sub := range []string{d.InputDir(), d.StateDir()} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return errors.Wrapf(err, "taskdir: mkdir %s", sub)
		}
	}
	return nil
}

// EnsureBlockDirs creates a block's inputs/outputs/logs directories.
func (d Dir) EnsureBlockDirs(name string) error {
	for _, sub := range []string{d.BlockInputsDir(name), d.BlockOutputsDir(name), d.BlockLogsDir(name)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return errors.Wrapf(err, "taskdir: mkdir %s", sub)
		}
	}
	return nil
}

// ClearBlockOutputs removes a block's prior outputs, used when the §4.1
// invalidation rule resets a record to waiting, or when next re-enters it.
func (d Dir) ClearBlockOutputs(name string) error {
	if err := os.RemoveAll(d.BlockOutputsDir(name)); err != nil {
		return errors.Wrapf(err, "taskdir: clear outputs for %s", name)
	}
	return os.MkdirAll(d.BlockOutputsDir(name), 0o755)
}

// WriteDescriptor persists task.yaml.
func (d Dir) WriteDescriptor(desc *Descriptor) error {
	raw, err := yaml.Marshal(desc)
	if err != nil {
		return errors.Wrap(err, "taskdir: marshal descriptor")
	}
	return writeThenRename(d.DescriptorPath(), raw)
}

// ReadDescriptor loads task.yaml.
func (d Dir) ReadDescriptor() (*Descriptor, error) {
	raw, err := os.ReadFile(d.DescriptorPath())
	if err != nil {
		return nil, errors.Wrap(err, "taskdir: read descriptor")
	}
	var desc Descriptor
	if err := yaml.Unmarshal(raw, &desc); err != nil {
		return nil, errors.Wrap(err, "taskdir: parse descriptor")
	}
	return &desc, nil
}

// WriteStatus writes the coarse state/status marker.
func (d Dir) WriteStatus(status string) error {
	return writeThenRename(d.StatusPath(), []byte(status))
}

// ReadStatus reads the coarse marker; returns "" if absent.
func (d Dir) ReadStatus() (string, error) {
	raw, err := os.ReadFile(d.StatusPath())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "taskdir: read status")
	}
	return string(raw), nil
}

// WriteExitCode writes the process exit code marker.
func (d Dir) WriteExitCode(code int) error {
	return writeThenRename(d.ExitCodePath(), []byte(fmt.Sprintf("%d", code)))
}

// ResultEnvelope is the canonical outputs/result.json document.
type ResultEnvelope struct {
	Stage     string     `json:"stage"`
	Result    any        `json:"result"`
	Timestamp time.Time  `json:"timestamp"`
	Usage     *UsageStats `json:"usage,omitempty"`
}

// UsageStats mirrors spec.md's result.json usage object.
type UsageStats struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	Cost         float64 `json:"cost,omitempty"`
	Model        string  `json:"model,omitempty"`
	Provider     string  `json:"provider,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
}

// WriteResult writes a block's canonical result.json, crash-safely: the
// content lands in result.json.tmp first, then an atomic rename makes it
// visible. This strengthens the source's non-fsynced write without changing
// the observable "done ⇒ result.json non-empty" contract.
func (d Dir) WriteResult(block string, env *ResultEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "taskdir: marshal result")
	}
	if len(raw) == 0 {
		return fmt.Errorf("taskdir: refusing to write empty result for block %s", block)
	}
	return writeThenRename(d.BlockResultPath(block), raw)
}

// ReadResult loads a block's result.json, or (nil, os.ErrNotExist) if absent.
func (d Dir) ReadResult(block string) (*ResultEnvelope, error) {
	raw, err := os.ReadFile(d.BlockResultPath(block))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("taskdir: result.json for block %s is empty", block)
	}
	var env ResultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrapf(err, "taskdir: parse result for %s", block)
	}
	return &env, nil
}

// HasResult reports whether a block's result.json exists and is non-empty.
func (d Dir) HasResult(block string) bool {
	info, err := os.Stat(d.BlockResultPath(block))
	return err == nil && info.Size() > 0
}

// WriteJSONFile marshals v and writes it crash-safely via write-then-rename.
// Used by the coordinator for metadata.json and summary.json.
func WriteJSONFile(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "taskdir: marshal json")
	}
	return writeThenRename(path, raw)
}

// AppendLog appends one line to state/rein.log.
func (d Dir) AppendLog(line string) error {
	f, err := os.OpenFile(d.LogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "taskdir: open log")
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func writeThenRename(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "taskdir: write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "taskdir: rename %s -> %s", tmp, path)
	}
	return nil
}
