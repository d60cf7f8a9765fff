package provider

import (
	"context"
	"fmt"

	"github.com/reinflow/rein/internal/taskdir"
)

// MockProvider returns a deterministic, prompt-derived response with no
// network call. Used by tests, dry runs, and as the engine's default when
// the flow document names no provider.
type MockProvider struct{}

// NewMockProvider satisfies the Constructor signature.
func NewMockProvider(config map[string]any) (Provider, error) {
	return &MockProvider{}, nil
}

func (p *MockProvider) Call(ctx context.Context, prompt string, stage string) (string, *taskdir.UsageStats, error) {
	text := fmt.Sprintf("mock-response[%s]: %s", stage, truncate(prompt, 80))
	usage := &taskdir.UsageStats{
		InputTokens:  int64(len(prompt)),
		OutputTokens: int64(len(text)),
		TotalTokens:  int64(len(prompt) + len(text)),
		Model:        "mock",
		Provider:     "mock",
	}
	return text, usage, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
