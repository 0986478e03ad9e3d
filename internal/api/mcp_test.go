package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := newTestEnv(t, nil)
	return MCPDeps{
		Service: env.service,
		Search:  env.search,
		Ledger:  env.ledger,
		Version: "test",
	}, env
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_SearchComparisons(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	saveResult(t, env.store, "jobs", "rails background job libraries")
	saveResult(t, env.store, "orm", "django orm alternatives")

	result, err := mcpSearchComparisons(deps)(context.Background(), makeCallToolRequest("search_comparisons", map[string]interface{}{
		"query": "django",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var out []mcpResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(out) != 1 || out[0].ID != "orm" {
		t.Errorf("results = %+v", out)
	}
}

func TestMCPTool_SearchComparisons_MissingQuery(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, err := mcpSearchComparisons(deps)(context.Background(), makeCallToolRequest("search_comparisons", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for missing query")
	}
}

func TestMCPTool_FindCached(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	saveResult(t, env.store, "r1", "go web frameworks")
	handler := mcpFindCached(deps)

	result, err := handler(context.Background(), makeCallToolRequest("find_cached", map[string]interface{}{
		"query": "Go  Web Frameworks",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(toolText(t, result), `"id":"r1"`) {
		t.Errorf("text = %s", toolText(t, result))
	}

	// Looking up never counts a view.
	r, err := env.store.GetResult(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.ViewCount != 0 {
		t.Errorf("ViewCount = %d, want 0", r.ViewCount)
	}

	result, err = handler(context.Background(), makeCallToolRequest("find_cached", map[string]interface{}{
		"query": "kubernetes operators",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError || !strings.Contains(toolText(t, result), "No fresh cached result") {
		t.Errorf("miss text = %s", toolText(t, result))
	}

	result, _ = handler(context.Background(), makeCallToolRequest("find_cached", map[string]interface{}{
		"query": "x", "kind": "summary",
	}))
	if !result.IsError {
		t.Error("expected tool error for unknown kind")
	}
}

func TestMCPTool_BudgetStatus(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	env.do(t, "POST", "/api/v1/analyses", `{"repository":"rails/rails"}`, env.aliceKey)

	result, err := mcpBudgetStatus(deps)(context.Background(), makeCallToolRequest("budget_status", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := toolText(t, result)
	if !strings.Contains(text, `"pending":"$0.0800"`) || !strings.Contains(text, `"remaining":"$0.4200"`) {
		t.Errorf("text = %s", text)
	}
}
