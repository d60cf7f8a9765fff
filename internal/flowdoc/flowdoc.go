// Package flowdoc loads and validates Flow Documents: the declarative DAG
// description of a workflow's blocks.
package flowdoc

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/reinflow/rein/internal/rerr"
)

var blockNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// NextBranch is one conditional arm of a Block's next directive.
type NextBranch struct {
	If   string `yaml:"if,omitempty"`
	Goto string `yaml:"goto"`
	Else any    `yaml:"else,omitempty"` // true or a block name
}

// Next is either an unconditional successor name or an ordered list of
// conditional branches with an optional terminal else arm.
type Next struct {
	Unconditional string
	Branches      []NextBranch
}

// UnmarshalYAML accepts either a scalar block name or a sequence of branches.
func (n *Next) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&n.Unconditional)
	case yaml.SequenceNode:
		return value.Decode(&n.Branches)
	default:
		return fmt.Errorf("next: unsupported yaml node kind %v", value.Kind)
	}
}

// IsZero reports whether no next directive was declared.
func (n *Next) IsZero() bool {
	return n.Unconditional == "" && len(n.Branches) == 0
}

// Logic declares the up-to-four lifecycle hooks for a block. Custom is
// either a script path (string) or the boolean sentinel meaning "the pre
// hook already produced result.json; skip the Provider call".
type Logic struct {
	Pre      string `yaml:"pre,omitempty"`
	Post     string `yaml:"post,omitempty"`
	Validate string `yaml:"validate,omitempty"`
	Custom   any    `yaml:"custom,omitempty"`
}

// CustomKind classifies the Logic.Custom field.
type CustomKind int

const (
	CustomNone CustomKind = iota
	CustomScript
	CustomSentinel
)

// ClassifyCustom validates and classifies the Custom field per the spec's
// literal sentinel interpretation: only string or bool are legal.
func (l *Logic) ClassifyCustom() (CustomKind, string, error) {
	switch v := l.Custom.(type) {
	case nil:
		return CustomNone, "", nil
	case string:
		if v == "" {
			return CustomNone, "", nil
		}
		return CustomScript, v, nil
	case bool:
		if v {
			return CustomSentinel, "", nil
		}
		return CustomNone, "", nil
	default:
		return CustomNone, "", rerr.Wrap(rerr.DocumentValidation, fmt.Errorf("logic.custom: unsupported value %v (%T)", v, v), "")
	}
}

// InputField declares a flow-level input.
type InputField struct {
	Required bool `yaml:"required,omitempty"`
	Default  any  `yaml:"default,omitempty"`
}

// Block is one node in the flow DAG.
type Block struct {
	Name                 string         `yaml:"name"`
	Specialist           string         `yaml:"specialist,omitempty"`
	Prompt               string         `yaml:"prompt,omitempty"`
	DependsOn            []string       `yaml:"depends_on,omitempty"`
	Parallel             bool           `yaml:"parallel,omitempty"`
	SkipIfPreviousFailed bool           `yaml:"skip_if_previous_failed,omitempty"`
	ContinueIfFailed     bool           `yaml:"continue_if_failed,omitempty"`
	Timeout              int            `yaml:"timeout,omitempty"`
	Logic                *Logic         `yaml:"logic,omitempty"`
	Next                 *Next          `yaml:"next,omitempty"`
	MaxRuns              int            `yaml:"max_runs,omitempty"`

	// Phase is computed, not declared; see ComputePhases.
	Phase int `yaml:"-"`
}

// EffectiveMaxRuns returns MaxRuns with the spec's default of 1 applied.
func (b *Block) EffectiveMaxRuns() int {
	if b.MaxRuns <= 0 {
		return 1
	}
	return b.MaxRuns
}

// Document is the top-level Flow Document.
type Document struct {
	Name        string                `yaml:"name"`
	Team        string                `yaml:"team,omitempty"`
	Provider    string                `yaml:"provider,omitempty"`
	Model       string                `yaml:"model,omitempty"`
	MaxTokens   int                   `yaml:"max_tokens,omitempty"`
	Temperature float64               `yaml:"temperature,omitempty"`
	Timeout     int                   `yaml:"timeout,omitempty"`
	MaxParallel int                   `yaml:"max_parallel,omitempty"`
	Inputs      map[string]InputField `yaml:"inputs,omitempty"`
	Blocks      []Block               `yaml:"blocks"`
}

// BlockByName returns the block with the given name, or nil.
func (d *Document) BlockByName(name string) *Block {
	for i := range d.Blocks {
		if d.Blocks[i].Name == name {
			return &d.Blocks[i]
		}
	}
	return nil
}

// Load reads and parses a Flow Document from path, then validates it.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "flowdoc: read %s", path)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, rerr.Wrap(rerr.DocumentValidation, err, "flowdoc: parse "+path)
	}
	if err := Validate(&doc); err != nil {
		return nil, err
	}
	if err := ComputePhases(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate enforces structural invariants: unique names, legal name
// pattern, known dependencies, acyclicity, and a legal logic.custom value.
func Validate(doc *Document) error {
	if doc.MaxParallel <= 0 {
		doc.MaxParallel = 4
	}
	seen := make(map[string]bool, len(doc.Blocks))
	for _, b := range doc.Blocks {
		if !blockNamePattern.MatchString(b.Name) {
			return rerr.Wrap(rerr.DocumentValidation, fmt.Errorf("block name %q: must be lowercase alnum/underscore", b.Name), doc.Name)
		}
		if seen[b.Name] {
			return rerr.Wrap(rerr.DocumentValidation, fmt.Errorf("duplicate block name %q", b.Name), doc.Name)
		}
		seen[b.Name] = true
	}
	for _, b := range doc.Blocks {
		for _, dep := range b.DependsOn {
			if !seen[dep] {
				return rerr.Wrap(rerr.DocumentValidation, fmt.Errorf("block %q depends on unknown block %q", b.Name, dep), doc.Name)
			}
		}
		if b.Logic != nil {
			if _, _, err := b.Logic.ClassifyCustom(); err != nil {
				return err
			}
		}
		if b.Next != nil {
			if b.Next.Unconditional != "" && !seen[b.Next.Unconditional] {
				return rerr.Wrap(rerr.DocumentValidation, fmt.Errorf("block %q next targets unknown block %q", b.Name, b.Next.Unconditional), doc.Name)
			}
			for _, br := range b.Next.Branches {
				if br.Goto != "" && !seen[br.Goto] {
					return rerr.Wrap(rerr.DocumentValidation, fmt.Errorf("block %q next branch targets unknown block %q", b.Name, br.Goto), doc.Name)
				}
			}
		}
	}
	if err := detectCycle(doc); err != nil {
		return err
	}
	return nil
}

func detectCycle(doc *Document) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(doc.Blocks))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return rerr.Wrap(rerr.DocumentValidation, fmt.Errorf("cyclic dependency detected at block %q", name), doc.Name)
		}
		color[name] = gray
		b := doc.BlockByName(name)
		for _, dep := range b.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for _, b := range doc.Blocks {
		if err := visit(b.Name); err != nil {
			return err
		}
	}
	return nil
}

// ComputePhases assigns each block's Phase = max(phase of deps) + 1; leaves
// are phase 1. Requires an already-validated acyclic document.
func ComputePhases(doc *Document) error {
	phase := make(map[string]int, len(doc.Blocks))
	var resolve func(name string) int
	resolve = func(name string) int {
		if p, ok := phase[name]; ok {
			return p
		}
		b := doc.BlockByName(name)
		if len(b.DependsOn) == 0 {
			phase[name] = 1
			return 1
		}
		max := 0
		for _, dep := range b.DependsOn {
			if p := resolve(dep); p > max {
				max = p
			}
		}
		phase[name] = max + 1
		return max + 1
	}
	for i := range doc.Blocks {
		doc.Blocks[i].Phase = resolve(doc.Blocks[i].Name)
	}
	return nil
}

// RootNames returns the names of blocks with no dependencies, sorted.
func RootNames(doc *Document) []string {
	var roots []string
	for _, b := range doc.Blocks {
		if len(b.DependsOn) == 0 {
			roots = append(roots, b.Name)
		}
	}
	sort.Strings(roots)
	return roots
}
