package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, `# empty`)

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Cache.SimilarityThreshold != 0.8 {
		t.Errorf("Cache.SimilarityThreshold = %v, want 0.8", cfg.Cache.SimilarityThreshold)
	}
	if got := cfg.Kind(storage.KindComparison); got.DailyCap() != money.FromUSD(5) || got.Estimate() != money.FromUSD(0.15) || got.RateLimitPerUser != 25 {
		t.Errorf("comparison = %+v", got)
	}
	if got := cfg.Kind(storage.KindDeepAnalysis); got.DailyCap() != money.FromUSD(0.5) || got.Estimate() != money.FromUSD(0.08) || got.RateLimitPerUser != 3 {
		t.Errorf("analysis = %+v", got)
	}
	if got := cfg.Kind(storage.KindComparison).Freshness(); got != 7*24*time.Hour {
		t.Errorf("comparison freshness = %v", got)
	}
	if got := cfg.Kind(storage.KindDeepAnalysis).Freshness(); got != 30*24*time.Hour {
		t.Errorf("analysis freshness = %v", got)
	}
	if cfg.Budget.ReservationTimeout != 30*time.Minute {
		t.Errorf("Budget.ReservationTimeout = %v, want 30m", cfg.Budget.ReservationTimeout)
	}
	if cfg.Budget.SweepSchedule != "@every 1m" {
		t.Errorf("Budget.SweepSchedule = %q", cfg.Budget.SweepSchedule)
	}
}

// TestYAMLParsing verifies nested and flat keys are both read.
func TestYAMLParsing(t *testing.T) {
	content := `
server:
  port: 5000
  mcp_enabled: true
cache:
  similarity_threshold: 0.9
analysis.daily_budget_usd: 2.5
analysis.rate_limit_per_user: 10
budget:
  timezone: America/New_York
  reservation_timeout: 45m
log:
  format: json
`
	cfg, err := loadFromPath(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if !cfg.Server.MCPEnabled {
		t.Error("Server.MCPEnabled = false, want true")
	}
	if cfg.Cache.SimilarityThreshold != 0.9 {
		t.Errorf("Cache.SimilarityThreshold = %v", cfg.Cache.SimilarityThreshold)
	}
	if cfg.Analysis.DailyBudgetUSD != 2.5 {
		t.Errorf("Analysis.DailyBudgetUSD = %v", cfg.Analysis.DailyBudgetUSD)
	}
	if cfg.Analysis.RateLimitPerUser != 10 {
		t.Errorf("Analysis.RateLimitPerUser = %d", cfg.Analysis.RateLimitPerUser)
	}
	if cfg.Location().String() != "America/New_York" {
		t.Errorf("Location = %v", cfg.Location())
	}
	if cfg.Budget.ReservationTimeout != 45*time.Minute {
		t.Errorf("Budget.ReservationTimeout = %v", cfg.Budget.ReservationTimeout)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 5000\n")

	t.Setenv("RECON_SERVER_PORT", "6000")
	t.Setenv("RECON_PROVIDER_ANTHROPIC_API_KEY", "env-key")
	t.Setenv("RECON_TELEMETRY_ENABLED", "true")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = false, want true")
	}
	key, err := cfg.ProviderAPIKey()
	if err != nil || key != "env-key" {
		t.Errorf("ProviderAPIKey = %q, %v", key, err)
	}
}

// TestSecretsIgnoredInFile verifies API keys are only read from the environment.
func TestSecretsIgnoredInFile(t *testing.T) {
	path := writeTempConfig(t, "provider:\n  anthropic_api_key: file-key\n")
	t.Setenv("RECON_PROVIDER_ANTHROPIC_API_KEY", "")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.AnthropicAPIKey != "" {
		t.Errorf("AnthropicAPIKey = %q, want empty", cfg.Provider.AnthropicAPIKey)
	}
	if _, err := cfg.ProviderAPIKey(); err == nil || !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("ProviderAPIKey error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"threshold above one", func(c *Config) { c.Cache.SimilarityThreshold = 1.5 }, "similarity_threshold"},
		{"negative threshold", func(c *Config) { c.Cache.SimilarityThreshold = -0.1 }, "similarity_threshold"},
		{"zero budget", func(c *Config) { c.Analysis.DailyBudgetUSD = 0 }, "analysis.daily_budget_usd"},
		{"negative estimate", func(c *Config) { c.Comparison.EstimatedCostUSD = -1 }, "comparison.estimated_cost_usd"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"postgres without url", func(c *Config) { c.Storage.Driver = "postgres" }, "RECON_STORAGE_POSTGRES_URL"},
		{"unknown provider", func(c *Config) { c.Provider.Name = "ollama" }, "provider.name"},
		{"bad timezone", func(c *Config) { c.Budget.Timezone = "Mars/Olympus" }, "budget.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}

	if err := defaults().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recon", "config.yaml")
	b := newFileBackend(path)

	if err := setKeyWith(b, "server.port", "4100"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	if err := setKeyWith(b, "budget.reservation_timeout", "10m"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	if err := setKeyWith(b, "server.port", "many"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKeyWith(b, "provider.anthropic_api_key", "sk"); err == nil {
		t.Error("expected error setting a secret")
	}
	if err := setKeyWith(b, "no.such.key", "1"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("reloading: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d after reload, want 4100", cfg.Server.Port)
	}
	if cfg.Budget.ReservationTimeout != 10*time.Minute {
		t.Errorf("ReservationTimeout = %v after reload", cfg.Budget.ReservationTimeout)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Provider.AnthropicAPIKey = "sk-secret"
	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Key, "api_key") || strings.Contains(k.Value, "sk-secret") {
			t.Errorf("ShowAll exposed %s", k.Key)
		}
	}
	if len(ValidKeys()) != len(ShowAll(cfg)) {
		t.Errorf("ValidKeys and ShowAll disagree")
	}
}
