package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
	"github.com/jimmypocock/reporeconnoiter.com/internal/proxy"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

const validDoc = `{
  "summary": "Sidekiq is the most mature option.",
  "technologies": ["Ruby", "Redis", "Sidekiq"],
  "problem_domains": ["Background processing"],
  "architecture_patterns": ["Job queue"],
  "categories": [
    {"name": "Background Jobs", "type": "problem_domain", "confidence": 0.9},
    {"name": "Redis", "type": "technology"}
  ]
}`

type fakeProvider struct {
	completion Completion
	err        error
	system     string
	prompt     string
}

func (f *fakeProvider) Complete(_ context.Context, system, prompt string) (Completion, error) {
	f.system, f.prompt = system, prompt
	return f.completion, f.err
}

func TestAnalyze(t *testing.T) {
	p := &fakeProvider{completion: Completion{
		Text:         "Here you go:\n```json\n" + validDoc + "\n```",
		Model:        "claude-haiku-4-5-20251001",
		InputTokens:  10_000,
		OutputTokens: 2_000,
	}}
	a, err := New(p, nil, nil)
	require.NoError(t, err)

	var steps []string
	out, err := a.Analyze(context.Background(), storage.KindComparison, "rails background jobs", func(step, _ string, pct int) {
		steps = append(steps, fmt.Sprintf("%s:%d", step, pct))
	})
	require.NoError(t, err)

	assert.Contains(t, p.prompt, "rails background jobs")
	assert.Equal(t, []string{"preparing:10", "analyzing:30", "parsing:80"}, steps)
	assert.True(t, out.CostKnown)
	// 10k input at $1/M + 2k output at $5/M.
	assert.Equal(t, money.FromUSD(0.02), out.Cost)
	assert.True(t, json.Valid([]byte(out.Payload)))
	assert.NotContains(t, out.Payload, "\n")

	tech, domains, patterns := out.Facets()
	assert.Equal(t, "Ruby, Redis, Sidekiq", tech)
	assert.Equal(t, "Background processing", domains)
	assert.Equal(t, "Job queue", patterns)

	tags := out.Tags()
	require.Len(t, tags, 2)
	assert.Equal(t, storage.AssignedInferred, tags[0].AssignedBy)
	assert.InDelta(t, 0.9, *tags[0].Confidence, 1e-9)
	assert.Nil(t, tags[1].Confidence)
}

func TestAnalyze_UnknownModelCost(t *testing.T) {
	p := &fakeProvider{completion: Completion{Text: validDoc, Model: "mystery-model", InputTokens: 5, OutputTokens: 5}}
	a, err := New(p, nil, nil)
	require.NoError(t, err)

	out, err := a.Analyze(context.Background(), storage.KindDeepAnalysis, "rails/rails", nil)
	require.NoError(t, err)
	assert.False(t, out.CostKnown)
	assert.Zero(t, out.Cost)
	assert.Contains(t, p.prompt, "rails/rails")
}

func TestAnalyze_RejectsInvalidOutput(t *testing.T) {
	cases := map[string]string{
		"no json":           "I cannot help with that.",
		"broken json":       `{"summary": "x",`,
		"missing fields":    `{"summary": "x"}`,
		"bad confidence":    `{"summary":"x","technologies":[],"problem_domains":[],"architecture_patterns":[],"categories":[{"name":"a","type":"technology","confidence":1.5}]}`,
		"bad category type": `{"summary":"x","technologies":[],"problem_domains":[],"architecture_patterns":[],"categories":[{"name":"a","type":"vibe"}]}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			a, err := New(&fakeProvider{completion: Completion{Text: text}}, nil, nil)
			require.NoError(t, err)
			_, err = a.Analyze(context.Background(), storage.KindComparison, "q", nil)
			var ve *ValidationError
			assert.True(t, errors.As(err, &ve), "got %v", err)
		})
	}
}

func TestAnalyze_ProviderError(t *testing.T) {
	boom := errors.New("boom")
	a, err := New(&fakeProvider{err: boom}, nil, nil)
	require.NoError(t, err)
	_, err = a.Analyze(context.Background(), storage.KindComparison, "q", nil)
	assert.ErrorIs(t, err, boom)
}

func TestAnalyze_UnknownKind(t *testing.T) {
	a, err := New(&fakeProvider{}, nil, nil)
	require.NoError(t, err)
	_, err = a.Analyze(context.Background(), storage.Kind("poem"), "q", nil)
	assert.Error(t, err)
}

func TestPriceTable(t *testing.T) {
	prices := DefaultPrices()

	cost, ok := prices.Cost("anthropic/claude-sonnet-4-5", 1_000_000, 0)
	require.True(t, ok)
	assert.Equal(t, money.FromUSD(3), cost)

	cost, ok = prices.Cost("claude-sonnet-4-5-20250929", 0, 100_000)
	require.True(t, ok)
	assert.Equal(t, money.FromUSD(1.5), cost)

	_, ok = prices.Cost("llama-70b", 1, 1)
	assert.False(t, ok)

	cost, ok = prices.Cost("gpt-4o-mini", 1, 1)
	require.True(t, ok)
	assert.Equal(t, money.Amount(1), cost, "sub-micro costs round to nearest micro")
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":{"b":2}}`, extractJSON(`prefix {"a":{"b":2}} suffix`))
	assert.Empty(t, extractJSON("no object here"))
	assert.Empty(t, extractJSON("} backwards {"))
}

func TestOpenRouterProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req proxy.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "openai/gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		content, _ := json.Marshal(validDoc)
		fmt.Fprintf(w, `{"id":"gen","choices":[{"message":{"role":"assistant","content":%s}}],"usage":{"prompt_tokens":100,"completion_tokens":50}}`, content)
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(proxy.NewClientWithBaseURL("k", srv.URL), "openai/gpt-4o-mini")
	c, err := p.Complete(context.Background(), "sys", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o-mini", c.Model)
	assert.Equal(t, 100, c.InputTokens)
	assert.Equal(t, 50, c.OutputTokens)
	assert.JSONEq(t, validDoc, c.Text)
}

func TestAnthropicProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		text, _ := json.Marshal(validDoc)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-haiku-4-5","content":[{"type":"text","text":%s}],"stop_reason":"end_turn","usage":{"input_tokens":1200,"output_tokens":300}}`, text)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", "claude-haiku-4-5", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	c, err := p.Complete(context.Background(), "sys", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", c.Model)
	assert.Equal(t, 1200, c.InputTokens)
	assert.Equal(t, 300, c.OutputTokens)
	assert.JSONEq(t, validDoc, c.Text)
}
