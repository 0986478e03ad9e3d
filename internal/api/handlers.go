package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jimmypocock/reporeconnoiter.com/internal/identity"
	"github.com/jimmypocock/reporeconnoiter.com/internal/profile"
	"github.com/jimmypocock/reporeconnoiter.com/internal/search"
	"github.com/jimmypocock/reporeconnoiter.com/internal/service"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

type categoryJSON struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Confidence *float64 `json:"confidence,omitempty"`
	AssignedBy string   `json:"assigned_by"`
}

type resultJSON struct {
	ID                   string          `json:"id"`
	Kind                 storage.Kind    `json:"kind"`
	UserQuery            string          `json:"user_query"`
	NormalizedQuery      string          `json:"normalized_query"`
	Technologies         string          `json:"technologies,omitempty"`
	ProblemDomains       string          `json:"problem_domains,omitempty"`
	ArchitecturePatterns string          `json:"architecture_patterns,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Model                string          `json:"model,omitempty"`
	InputTokens          int             `json:"input_tokens"`
	OutputTokens         int             `json:"output_tokens"`
	CostUSD              float64         `json:"cost_usd"`
	ViewCount            int             `json:"view_count"`
	CreatedAt            time.Time       `json:"created_at"`
	Categories           []categoryJSON  `json:"categories"`
	RelevanceScore       *float64        `json:"relevance_score,omitempty"`
}

func toResultJSON(r storage.Result) resultJSON {
	out := resultJSON{
		ID:                   r.ID,
		Kind:                 r.Kind,
		UserQuery:            r.UserQuery,
		NormalizedQuery:      r.NormalizedQuery,
		Technologies:         r.Technologies,
		ProblemDomains:       r.ProblemDomains,
		ArchitecturePatterns: r.ArchitecturePatterns,
		Model:                r.Model,
		InputTokens:          r.InputTokens,
		OutputTokens:         r.OutputTokens,
		CostUSD:              r.Cost.USD(),
		ViewCount:            r.ViewCount,
		CreatedAt:            r.CreatedAt,
		Categories:           []categoryJSON{},
	}
	if r.Payload != "" && json.Valid([]byte(r.Payload)) {
		out.Result = json.RawMessage(r.Payload)
	}
	for _, c := range r.Categories {
		out.Categories = append(out.Categories, categoryJSON{
			Name: c.Name, Type: c.Type, Confidence: c.Confidence, AssignedBy: c.AssignedBy,
		})
	}
	return out
}

type submitRequest struct {
	Query      string `json:"query"`
	Repository string `json:"repository"`
}

func (h *handler) handleCreateComparison(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, storage.KindComparison)
}

func (h *handler) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, storage.KindDeepAnalysis)
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request, kind storage.Kind) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, errInvalidRequest, "invalid request body: %v", err)
		return
	}
	query := body.Query
	if kind == storage.KindDeepAnalysis {
		query = body.Repository
	}

	caller := identity.FromContext(r.Context())
	out, err := h.deps.Service.Submit(r.Context(), caller, service.Request{Kind: kind, Query: query})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.deps.Profile.Invalidate(caller.UserID)
	if out.Status == service.StatusCached {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     out.Status,
			"result":     toResultJSON(*out.Result),
			"similarity": out.Similarity,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     out.Status,
		"session_id": out.SessionID,
		"stream":     "/cable/" + string(kind) + "?session_id=" + out.SessionID,
	})
}

func (h *handler) handleSearchComparisons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fuzzy := parseBoolParam(r, "fuzzy", true)
	filter := storage.ResultFilter{
		Kind:  storage.KindComparison,
		Limit: parseIntParam(r, "limit", 20, 100),
	}
	if parseBoolParam(r, "cached_only", false) {
		filter.Since = h.now().Add(-h.deps.Service.Policy(storage.KindComparison).Freshness)
	}

	results, err := h.deps.Search.Search(r.Context(), q.Get("q"), search.Options{Fuzzy: fuzzy, Filter: filter})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.deps.Metrics.Search(r.Context(), fuzzy)

	out := make([]resultJSON, len(results))
	for i, sr := range results {
		out[i] = toResultJSON(sr.Result)
		score := sr.Score
		out[i].RelevanceScore = &score
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out, "count": len(out)})
}

func (h *handler) handleGetResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Store.GetResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultJSON(res))
}

type budgetJSON struct {
	Kind         storage.Kind `json:"kind"`
	DailyCapUSD  float64      `json:"daily_cap_usd"`
	EstimateUSD  float64      `json:"estimate_usd"`
	SpentUSD     float64      `json:"spent_usd"`
	PendingUSD   float64      `json:"pending_usd"`
	RemainingUSD float64      `json:"remaining_usd"`
	ResetsAt     time.Time    `json:"resets_at"`
}

func (h *handler) budgets(r *http.Request) ([]budgetJSON, error) {
	out := make([]budgetJSON, 0, len(storage.Kinds))
	for _, kind := range storage.Kinds {
		st, err := h.deps.Ledger.Status(r.Context(), kind)
		if err != nil {
			return nil, err
		}
		out = append(out, budgetJSON{
			Kind:         kind,
			DailyCapUSD:  st.DailyCap.USD(),
			EstimateUSD:  st.Estimate.USD(),
			SpentUSD:     st.Settled.USD(),
			PendingUSD:   st.Pending.USD(),
			RemainingUSD: st.Remaining.USD(),
			ResetsAt:     st.ResetsAt,
		})
	}
	return out, nil
}

func (h *handler) handleBudget(w http.ResponseWriter, r *http.Request) {
	out, err := h.budgets(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": out})
}

type kindUsageJSON struct {
	Kind      storage.Kind `json:"kind"`
	Limit     int          `json:"limit"`
	Used      int          `json:"used"`
	Remaining int          `json:"remaining"`
	Unlimited bool         `json:"unlimited"`
}

func (h *handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	u, err := h.deps.Profile.GetUsage(r.Context(), identity.FromContext(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileJSON(u))
}

func profileJSON(u profile.Usage) map[string]any {
	kinds := make([]kindUsageJSON, len(u.Kinds))
	for i, k := range u.Kinds {
		kinds[i] = kindUsageJSON{Kind: k.Kind, Limit: k.Limit, Used: k.Used, Remaining: k.Remaining, Unlimited: k.Unlimited}
	}
	recent := make([]resultJSON, len(u.Recent))
	for i, r := range u.Recent {
		recent[i] = toResultJSON(r)
		recent[i].Result = nil
	}
	return map[string]any{
		"user": map[string]any{
			"id":    u.UserID,
			"name":  u.Name,
			"admin": u.Admin,
		},
		"quota":            kinds,
		"count_this_month": u.MonthCount,
		"total_spend_usd":  u.TotalSpend.USD(),
		"recent":           recent,
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseBoolParam(r *http.Request, key string, defaultVal bool) bool {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return defaultVal
	}
	return v
}
