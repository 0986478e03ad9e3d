package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jimmypocock/reporeconnoiter.com/internal/ledger"
	"github.com/jimmypocock/reporeconnoiter.com/internal/search"
	"github.com/jimmypocock/reporeconnoiter.com/internal/service"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. The tools are read-only:
// nothing reachable over MCP spends budget.
type MCPDeps struct {
	Service *service.Service
	Search  *search.Engine
	Ledger  *ledger.Ledger
	Version string
}

// NewMCPServer creates an MCP server with the recon tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"recon",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("recon: search previously computed technology comparisons and check the daily analysis budget."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_comparisons",
			mcp.WithDescription("Search cached technology comparisons by relevance."),
			mcp.WithString("query", mcp.Description("Search terms"), mcp.Required()),
			mcp.WithBoolean("fuzzy", mcp.Description("Use similarity matching instead of substring matching (default true)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchComparisons(deps),
	)

	s.AddTool(
		mcp.NewTool("find_cached",
			mcp.WithDescription("Check whether a question already has a fresh cached answer."),
			mcp.WithString("query", mcp.Description("The question or repository (owner/name)"), mcp.Required()),
			mcp.WithString("kind", mcp.Description("comparison (default) or deep_analysis")),
		),
		mcpFindCached(deps),
	)

	s.AddTool(
		mcp.NewTool("budget_status",
			mcp.WithDescription("Show today's spend, pending reservations and remaining budget per kind."),
		),
		mcpBudgetStatus(deps),
	)

	return s
}

type mcpResult struct {
	ID        string       `json:"id"`
	Kind      storage.Kind `json:"kind"`
	Query     string       `json:"query"`
	Score     float64      `json:"score,omitempty"`
	CreatedAt string       `json:"created_at"`
}

func toMCPResult(r storage.Result, score float64) mcpResult {
	query := r.UserQuery
	if utf8.RuneCountInString(query) > 200 {
		runes := []rune(query)
		query = string(runes[:200]) + "..."
	}
	return mcpResult{ID: r.ID, Kind: r.Kind, Query: query, Score: score, CreatedAt: r.CreatedAt.Format(time.RFC3339)}
}

func mcpSearchComparisons(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		results, err := deps.Search.Search(ctx, query, search.Options{
			Fuzzy:  req.GetBool("fuzzy", true),
			Filter: storage.ResultFilter{Kind: storage.KindComparison, Limit: limit},
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		out := make([]mcpResult, len(results))
		for i, sr := range results {
			out[i] = toMCPResult(sr.Result, sr.Score)
		}
		return mcpJSON(out)
	}
}

func mcpFindCached(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		kind := storage.Kind(req.GetString("kind", string(storage.KindComparison)))

		match, ok, err := deps.Service.Lookup(ctx, kind, query)
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		if !ok {
			return mcpText("No fresh cached result."), nil
		}
		return mcpJSON(toMCPResult(match.Result, match.Score))
	}
}

func mcpBudgetStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		type status struct {
			Kind      storage.Kind `json:"kind"`
			DailyCap  string       `json:"daily_cap"`
			Spent     string       `json:"spent"`
			Pending   string       `json:"pending"`
			Remaining string       `json:"remaining"`
			ResetsAt  string       `json:"resets_at"`
		}
		var out []status
		for _, kind := range storage.Kinds {
			st, err := deps.Ledger.Status(ctx, kind)
			if err != nil {
				return mcpError(fmt.Sprintf("reading budget: %v", err)), nil
			}
			out = append(out, status{
				Kind:      kind,
				DailyCap:  st.DailyCap.String(),
				Spent:     st.Settled.String(),
				Pending:   st.Pending.String(),
				Remaining: st.Remaining.String(),
				ResetsAt:  st.ResetsAt.Format(time.RFC3339),
			})
		}
		return mcpJSON(out)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
