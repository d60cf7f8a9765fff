package provider

import (
	"context"
	"fmt"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/reinflow/rein/internal/corelib/resilience"
	"github.com/reinflow/rein/internal/rerr"
	"github.com/reinflow/rein/internal/taskdir"
)

// OpenAIProvider calls the OpenAI chat completion endpoint, wrapped with a
// retry policy and a circuit breaker so a flaky endpoint degrades the
// orchestrator gracefully instead of wedging a block worker.
type OpenAIProvider struct {
	client  *openai.Client
	model   string
	maxTok  int
	temp    float32
	breaker *resilience.CircuitBreaker
}

// NewOpenAIProvider builds an OpenAIProvider. Credentials are read from
// OPENAI_API_KEY by the adapter; the engine never interprets them.
func NewOpenAIProvider(config map[string]any) (Provider, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("provider: OPENAI_API_KEY is not set")
	}
	model := stringOr(config, "model", "gpt-4o-mini")
	maxTok := intOr(config, "max_tokens", 1024)
	temp := float32(floatOr(config, "temperature", 0.7))

	return &OpenAIProvider{
		client:  openai.NewClient(apiKey),
		model:   model,
		maxTok:  maxTok,
		temp:    temp,
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2),
	}, nil
}

func (p *OpenAIProvider) Call(ctx context.Context, prompt string, stage string) (string, *taskdir.UsageStats, error) {
	if !p.breaker.Allow() {
		return "", nil, rerr.Wrap(rerr.ProviderFailure, fmt.Errorf("provider: circuit open for stage %s", stage), "openai")
	}

	start := time.Now()
	resp, err := resilience.Retry(ctx, 3, 500*time.Millisecond, func() (openai.ChatCompletionResponse, error) {
		return p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       p.model,
			MaxTokens:   p.maxTok,
			Temperature: p.temp,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
	})
	p.breaker.RecordResult(err == nil)
	if err != nil {
		return "", nil, rerr.Wrap(rerr.ProviderFailure, err, stage)
	}
	if len(resp.Choices) == 0 {
		return "", nil, rerr.Wrap(rerr.ProviderFailure, fmt.Errorf("provider: empty choices"), stage)
	}

	usage := &taskdir.UsageStats{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
		TotalTokens:  int64(resp.Usage.TotalTokens),
		Model:        p.model,
		Provider:     "openai",
		DurationMS:   time.Since(start).Milliseconds(),
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func stringOr(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intOr(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

func floatOr(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}
