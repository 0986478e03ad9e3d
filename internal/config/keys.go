package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RECON_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "RECON_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "storage.driver", typ: kString, env: "RECON_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RECON_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_url", typ: kString, env: "RECON_STORAGE_POSTGRES_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresURL },
	},
	{
		key: "log.level", typ: kString, env: "RECON_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "RECON_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "cache.similarity_threshold", typ: kFloat, env: "RECON_CACHE_SIMILARITY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Cache.SimilarityThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Cache.SimilarityThreshold },
	},
	{
		key: "cache.freshness_days", typ: kInt, env: "RECON_CACHE_FRESHNESS_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Cache.FreshnessDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.FreshnessDays },
	},
	{
		key: "comparison.daily_budget_usd", typ: kFloat, env: "RECON_COMPARISON_DAILY_BUDGET_USD",
		apply:   func(cfg *Config, v any) { cfg.Comparison.DailyBudgetUSD = v.(float64) },
		extract: func(cfg Config) any { return cfg.Comparison.DailyBudgetUSD },
	},
	{
		key: "comparison.estimated_cost_usd", typ: kFloat, env: "RECON_COMPARISON_ESTIMATED_COST_USD",
		apply:   func(cfg *Config, v any) { cfg.Comparison.EstimatedCostUSD = v.(float64) },
		extract: func(cfg Config) any { return cfg.Comparison.EstimatedCostUSD },
	},
	{
		key: "comparison.rate_limit_per_user", typ: kInt, env: "RECON_COMPARISON_RATE_LIMIT_PER_USER",
		apply:   func(cfg *Config, v any) { cfg.Comparison.RateLimitPerUser = v.(int) },
		extract: func(cfg Config) any { return cfg.Comparison.RateLimitPerUser },
	},
	{
		key: "analysis.daily_budget_usd", typ: kFloat, env: "RECON_ANALYSIS_DAILY_BUDGET_USD",
		apply:   func(cfg *Config, v any) { cfg.Analysis.DailyBudgetUSD = v.(float64) },
		extract: func(cfg Config) any { return cfg.Analysis.DailyBudgetUSD },
	},
	{
		key: "analysis.estimated_cost_usd", typ: kFloat, env: "RECON_ANALYSIS_ESTIMATED_COST_USD",
		apply:   func(cfg *Config, v any) { cfg.Analysis.EstimatedCostUSD = v.(float64) },
		extract: func(cfg Config) any { return cfg.Analysis.EstimatedCostUSD },
	},
	{
		key: "analysis.rate_limit_per_user", typ: kInt, env: "RECON_ANALYSIS_RATE_LIMIT_PER_USER",
		apply:   func(cfg *Config, v any) { cfg.Analysis.RateLimitPerUser = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.RateLimitPerUser },
	},
	{
		key: "analysis.freshness_days", typ: kInt, env: "RECON_ANALYSIS_FRESHNESS_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Analysis.FreshnessDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.FreshnessDays },
	},
	{
		key: "budget.timezone", typ: kString, env: "RECON_BUDGET_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Budget.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Budget.Timezone },
	},
	{
		key: "budget.reservation_timeout", typ: kDuration, env: "RECON_BUDGET_RESERVATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Budget.ReservationTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Budget.ReservationTimeout },
	},
	{
		key: "budget.sweep_schedule", typ: kString, env: "RECON_BUDGET_SWEEP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Budget.SweepSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Budget.SweepSchedule },
	},
	{
		key: "provider.name", typ: kString, env: "RECON_PROVIDER_NAME",
		apply:   func(cfg *Config, v any) { cfg.Provider.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Name },
	},
	{
		key: "provider.model", typ: kString, env: "RECON_PROVIDER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Model },
	},
	{
		key: "provider.anthropic_api_key", typ: kString, env: "RECON_PROVIDER_ANTHROPIC_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.AnthropicAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.AnthropicAPIKey },
	},
	{
		key: "provider.openrouter_api_key", typ: kString, env: "RECON_PROVIDER_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OpenRouterAPIKey },
	},
	{
		key: "dispatch.concurrency", typ: kInt, env: "RECON_DISPATCH_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatch.Concurrency },
	},
	{
		key: "http.requests_per_second", typ: kFloat, env: "RECON_HTTP_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.HTTP.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.HTTP.RequestsPerSecond },
	},
	{
		key: "http.burst", typ: kInt, env: "RECON_HTTP_BURST",
		apply:   func(cfg *Config, v any) { cfg.HTTP.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.HTTP.Burst },
	},
	{
		key: "telemetry.enabled", typ: kBool, env: "RECON_TELEMETRY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.Enabled },
	},
	{
		key: "telemetry.exporter", typ: kString, env: "RECON_TELEMETRY_EXPORTER",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Exporter = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.Exporter },
	},
	{
		key: "telemetry.endpoint", typ: kString, env: "RECON_TELEMETRY_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.Endpoint },
	},
}

// parse converts raw into the key's declared type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
