package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jimmypocock/reporeconnoiter.com/internal/proxy"
)

const defaultMaxTokens = 4096

// Completion is the raw output of one provider call.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider runs a single prompt against a language model.
type Provider interface {
	Complete(ctx context.Context, system, prompt string) (Completion, error)
}

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

func NewAnthropicProvider(apiKey, model string, opts ...option.RequestOption) *AnthropicProvider {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicProvider{client: anthropic.NewClient(opts...), model: model}
}

func (p *AnthropicProvider) Complete(ctx context.Context, system, prompt string) (Completion, error) {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: defaultMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("anthropic API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return Completion{
		Text:         text.String(),
		Model:        string(resp.Model),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// OpenRouterProvider calls any model routed through OpenRouter.
type OpenRouterProvider struct {
	client *proxy.Client
	model  string
}

func NewOpenRouterProvider(client *proxy.Client, model string) *OpenRouterProvider {
	return &OpenRouterProvider{client: client, model: model}
}

func (p *OpenRouterProvider) Complete(ctx context.Context, system, prompt string) (Completion, error) {
	resp, err := p.client.Complete(ctx, proxy.ChatRequest{
		Model: p.model,
		Messages: []proxy.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		MaxTokens:      defaultMaxTokens,
		ResponseFormat: &proxy.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("openrouter call failed: %w", err)
	}
	model := resp.Model
	if model == "" {
		model = p.model
	}
	return Completion{
		Text:         resp.Text(),
		Model:        model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
