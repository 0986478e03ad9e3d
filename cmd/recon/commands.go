package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jimmypocock/reporeconnoiter.com/internal/config"
	"github.com/jimmypocock/reporeconnoiter.com/internal/identity"
	"github.com/jimmypocock/reporeconnoiter.com/internal/progress"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

// --- compare / analyze ---

type resultView struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	UserQuery       string          `json:"user_query"`
	Technologies    string          `json:"technologies"`
	Result          json.RawMessage `json:"result"`
	CostUSD         float64         `json:"cost_usd"`
	ViewCount       int             `json:"view_count"`
	CreatedAt       time.Time       `json:"created_at"`
	RelevanceScore  *float64        `json:"relevance_score"`
	NormalizedQuery string          `json:"normalized_query"`
}

type submitResponse struct {
	Status     string      `json:"status"`
	Result     *resultView `json:"result"`
	Similarity float64     `json:"similarity"`
	SessionID  string      `json:"session_id"`
	Stream     string      `json:"stream"`
}

func submit(ctx context.Context, c *apiClient, kind storage.Kind, query string) (submitResponse, error) {
	path, body := "/api/v1/comparisons", map[string]string{"query": query}
	if kind == storage.KindDeepAnalysis {
		path, body = "/api/v1/analyses", map[string]string{"repository": query}
	}
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return submitResponse{}, err
	}
	var out submitResponse
	if err := decodeJSON(resp, &out); err != nil {
		return submitResponse{}, err
	}
	return out, nil
}

// follow streams progress events for a queued session until it completes
// or fails, writing each to w. It returns the finished result's id.
func follow(ctx context.Context, c *apiClient, stream string, w io.Writer) (string, error) {
	u, err := url.Parse(c.baseURL + stream)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	// The API client's timeout would cap the whole stream, so dial without it.
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}},
	})
	if err != nil {
		return "", fmt.Errorf("subscribing to progress: %w", err)
	}
	defer conn.CloseNow()

	for {
		var ev progress.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return "", fmt.Errorf("reading progress: %w", err)
		}
		switch ev.Type {
		case progress.TypeComplete:
			fmt.Fprintf(w, "%s %s\n", green.Sprint("[100%]"), ev.Message)
			conn.Close(websocket.StatusNormalClosure, "")
			return ev.ResultID, nil
		case progress.TypeError:
			conn.Close(websocket.StatusNormalClosure, "")
			return "", fmt.Errorf("analysis failed: %s", ev.Message)
		default:
			fmt.Fprintf(w, "%s %s\n", cyan.Sprintf("[%3d%%]", ev.Percentage), ev.Message)
		}
	}
}

func getResult(ctx context.Context, c *apiClient, id string) (resultView, error) {
	resp, err := c.get(ctx, "/api/v1/results/"+url.PathEscape(id))
	if err != nil {
		return resultView{}, err
	}
	var r resultView
	if err := decodeJSON(resp, &r); err != nil {
		return resultView{}, err
	}
	return r, nil
}

func printResult(w io.Writer, r resultView) {
	fmt.Fprintf(w, "%s  %s\n", bold.Sprint(r.UserQuery), cyan.Sprint(r.ID))
	if r.Technologies != "" {
		fmt.Fprintf(w, "  Technologies: %s\n", r.Technologies)
	}
	fmt.Fprintf(w, "  Cost: $%.4f  Views: %d  Created: %s\n", r.CostUSD, r.ViewCount, r.CreatedAt.Format(time.DateOnly))
	if len(r.Result) > 0 {
		var pretty any
		if json.Unmarshal(r.Result, &pretty) == nil {
			data, _ := json.MarshalIndent(pretty, "  ", "  ")
			fmt.Fprintf(w, "  %s\n", data)
		}
	}
}

func runSubmit(cmd *cobra.Command, kind storage.Kind, query string) error {
	wait, _ := cmd.Flags().GetBool("wait")
	ctx := cmd.Context()

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	out, err := submit(ctx, client, kind, query)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if out.Status == "cached" && out.Result != nil {
		printSuccess("Served from cache (similarity %.2f)", out.Similarity)
		printResult(w, *out.Result)
		return nil
	}

	printSuccess("Queued session %s", out.SessionID)
	if !wait {
		printStatus("Follow", "recon %s --wait, or subscribe to %s", cmd.Name(), out.Stream)
		return nil
	}
	id, err := follow(ctx, client, out.Stream, w)
	if err != nil {
		return err
	}
	r, err := getResult(ctx, client, id)
	if err != nil {
		return err
	}
	printResult(w, r)
	return nil
}

var compareCmd = &cobra.Command{
	Use:   "compare <query>",
	Short: "Request a technology comparison, served from cache when possible",
	Long: `Request a technology comparison. A sufficiently similar fresh comparison
is returned immediately; otherwise one is queued against today's budget.

Examples:
  recon compare "rails background job libraries"
  recon compare --wait "go web frameworks for APIs"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSubmit(cmd, storage.KindComparison, strings.Join(args, " "))
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <owner/name>",
	Short: "Request a deep analysis of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSubmit(cmd, storage.KindDeepAnalysis, args[0])
	},
}

func init() {
	compareCmd.Flags().Bool("wait", false, "follow progress until the comparison finishes")
	analyzeCmd.Flags().Bool("wait", false, "follow progress until the analysis finishes")
}

// --- search ---

type searchResponse struct {
	Results []resultView `json:"results"`
	Count   int          `json:"count"`
}

func searchPath(query string, fuzzy, cachedOnly bool, limit int) string {
	v := url.Values{}
	v.Set("q", query)
	v.Set("fuzzy", fmt.Sprint(fuzzy))
	if cachedOnly {
		v.Set("cached_only", "true")
	}
	v.Set("limit", fmt.Sprint(limit))
	return "/api/v1/comparisons/search?" + v.Encode()
}

func printSearchResults(w io.Writer, results []resultView) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for _, r := range results {
		query := r.UserQuery
		if utf8.RuneCountInString(query) > 80 {
			query = string([]rune(query)[:80]) + "..."
		}
		score := 0.0
		if r.RelevanceScore != nil {
			score = *r.RelevanceScore
		}
		fmt.Fprintf(w, "%s  %s  %s\n", cyan.Sprint(shortID(r.ID)), yellow.Sprintf("%.2f", score), query)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var searchCmd = &cobra.Command{
	Use:   "search <terms>",
	Short: "Search previous comparisons by relevance",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exact, _ := cmd.Flags().GetBool("exact")
		cachedOnly, _ := cmd.Flags().GetBool("cached-only")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), searchPath(strings.Join(args, " "), !exact, cachedOnly, limit))
		if err != nil {
			return err
		}
		var out searchResponse
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSearchResults(cmd.OutOrStdout(), out.Results)
		return nil
	},
}

func init() {
	searchCmd.Flags().Bool("exact", false, "disable fuzzy matching")
	searchCmd.Flags().Bool("cached-only", false, "only comparisons still fresh enough to be served from cache")
	searchCmd.Flags().Int("limit", 20, "maximum number of results")
}

// --- budget ---

type budgetView struct {
	Kind         string    `json:"kind"`
	DailyCapUSD  float64   `json:"daily_cap_usd"`
	EstimateUSD  float64   `json:"estimate_usd"`
	SpentUSD     float64   `json:"spent_usd"`
	PendingUSD   float64   `json:"pending_usd"`
	RemainingUSD float64   `json:"remaining_usd"`
	ResetsAt     time.Time `json:"resets_at"`
}

func printBudgets(w io.Writer, budgets []budgetView) {
	for _, b := range budgets {
		c := green
		if b.RemainingUSD < b.EstimateUSD {
			c = red
		}
		fmt.Fprintf(w, "%s\n", bold.Sprint(b.Kind))
		fmt.Fprintf(w, "  Spent:     $%.4f / $%.2f\n", b.SpentUSD, b.DailyCapUSD)
		fmt.Fprintf(w, "  Pending:   $%.4f\n", b.PendingUSD)
		fmt.Fprintf(w, "  Remaining: %s\n", c.Sprintf("$%.4f", b.RemainingUSD))
		fmt.Fprintf(w, "  Resets:    %s\n", b.ResetsAt.Local().Format(time.RFC1123))
	}
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show today's spend against the daily budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/v1/budget")
		if err != nil {
			return err
		}
		var out struct {
			Budgets []budgetView `json:"budgets"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printBudgets(cmd.OutOrStdout(), out.Budgets)
		return nil
	},
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show your quota, monthly usage and recent results as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/v1/profile")
		if err != nil {
			return err
		}
		var p any
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

// --- sweep ---

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release reservations stuck in processing past the timeout",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if timeout <= 0 {
			timeout = cfg.Budget.ReservationTimeout
		}

		store, err := openBackend(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := newLedger(cfg, store, slog.Default()).ReleaseStale(cmd.Context(), timeout)
		if err != nil {
			return err
		}
		printSuccess("Released %d stale reservation(s) older than %s", n, timeout)
		return nil
	},
}

func init() {
	sweepCmd.Flags().Duration("timeout", 0, "age after which a processing reservation is released (default: budget.reservation_timeout)")
}

// --- users / keys ---

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage callers",
}

var usersCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a caller",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, _ := cmd.Flags().GetBool("admin")
		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			id = uuid.NewString()
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openBackend(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.CreateUser(cmd.Context(), storage.User{ID: id, Name: args[0], Admin: admin}); err != nil {
			return err
		}
		printSuccess("Created user %s (%s)", args[0], id)
		return nil
	},
}

func init() {
	usersCreateCmd.Flags().Bool("admin", false, "exempt the caller from per-user quotas")
	usersCreateCmd.Flags().String("id", "", "user id (default: random)")
	usersCmd.AddCommand(usersCreateCmd)
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

// issueKey creates a key for an existing user.
func issueKey(ctx context.Context, store storage.Backend, userID, name string) (string, storage.APIKey, error) {
	if _, err := store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", storage.APIKey{}, fmt.Errorf("no user %q", userID)
		}
		return "", storage.APIKey{}, err
	}
	return identity.NewAuthenticator(store, slog.Default()).IssueKey(ctx, userID, name)
}

var keysCreateCmd = &cobra.Command{
	Use:   "create <user-id>",
	Short: "Issue an API key for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openBackend(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		raw, k, err := issueKey(cmd.Context(), store, args[0], name)
		if err != nil {
			return err
		}
		printSuccess("Issued key %s for %s", k.ID, args[0])
		printWarning("Store this key now; it cannot be shown again")
		fmt.Fprintln(cmd.OutOrStdout(), raw)
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openBackend(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RevokeAPIKey(cmd.Context(), args[0], time.Now()); err != nil {
			return err
		}
		printSuccess("Revoked key %s", args[0])
		return nil
	},
}

func init() {
	keysCreateCmd.Flags().String("name", "cli", "label for the key")
	keysCmd.AddCommand(keysCreateCmd, keysRevokeCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", bold.Sprint(k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
