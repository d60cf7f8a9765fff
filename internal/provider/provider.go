// Package provider defines the Provider capability the orchestrator core
// depends on, plus a name→constructor registry so concrete LLM backends
// plug in without the core knowing their names at compile time.
package provider

import (
	"context"

	"github.com/reinflow/rein/internal/taskdir"
)

// Provider maps a prompt to generated text, or fails. stage identifies the
// calling block for logging/tracing only; implementations must not branch
// on it.
type Provider interface {
	Call(ctx context.Context, prompt string, stage string) (text string, usage *taskdir.UsageStats, err error)
}

// Constructor builds a Provider from a free-form config map (model,
// max_tokens, temperature, credentials-from-env, etc).
type Constructor func(config map[string]any) (Provider, error)

// Registry is a name → constructor lookup, replacing dynamic dispatch on
// provider-name string tags scattered through call sites.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds or replaces the constructor for name.
func (r *Registry) Register(name string, ctor Constructor) {
	r.constructors[name] = ctor
}

// Build constructs the named provider, or an error if name is unregistered.
func (r *Registry) Build(name string, config map[string]any) (Provider, error) {
	ctor, ok := r.constructors[name]
	if !ok {
		return nil, &UnknownProviderError{Name: name}
	}
	return ctor(config)
}

// Names lists every registered provider name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.constructors))
	for n := range r.constructors {
		names = append(names, n)
	}
	return names
}

// UnknownProviderError is returned by Build for an unregistered name.
type UnknownProviderError struct{ Name string }

func (e *UnknownProviderError) Error() string {
	return "provider: unknown provider " + e.Name
}

// Default returns a registry pre-populated with the providers rein ships:
// a real OpenAI-backed adapter and a deterministic mock/echo adapter used
// by tests and dry runs.
func Default() *Registry {
	r := NewRegistry()
	r.Register("openai", NewOpenAIProvider)
	r.Register("mock", NewMockProvider)
	return r
}
