package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Cache      CacheConfig
	Comparison KindConfig
	Analysis   KindConfig
	Budget     BudgetConfig
	Provider   ProviderConfig
	Dispatch   DispatchConfig
	HTTP       HTTPConfig
	Telemetry  TelemetryConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
}

type StorageConfig struct {
	Driver      string // "sqlite" or "postgres"
	DataDir     string
	PostgresURL string
}

type LogConfig struct {
	Level  string
	Format string
}

type CacheConfig struct {
	SimilarityThreshold float64
	FreshnessDays       int // comparison freshness
}

// KindConfig holds the budget and quota settings of one operation kind.
type KindConfig struct {
	DailyBudgetUSD   float64
	EstimatedCostUSD float64
	RateLimitPerUser int
	FreshnessDays    int
}

type BudgetConfig struct {
	Timezone           string
	ReservationTimeout time.Duration
	SweepSchedule      string
}

type ProviderConfig struct {
	Name             string // "anthropic" or "openrouter"
	Model            string
	AnthropicAPIKey  string
	OpenRouterAPIKey string
}

type DispatchConfig struct {
	Concurrency int
}

type HTTPConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type TelemetryConfig struct {
	Enabled  bool
	Exporter string
	Endpoint string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4000},
		Storage: StorageConfig{Driver: "sqlite", DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info", Format: "text"},
		Cache:   CacheConfig{SimilarityThreshold: 0.8, FreshnessDays: 7},
		Comparison: KindConfig{
			DailyBudgetUSD:   5.00,
			EstimatedCostUSD: 0.15,
			RateLimitPerUser: 25,
			FreshnessDays:    7,
		},
		Analysis: KindConfig{
			DailyBudgetUSD:   0.50,
			EstimatedCostUSD: 0.08,
			RateLimitPerUser: 3,
			FreshnessDays:    30,
		},
		Budget: BudgetConfig{
			Timezone:           "UTC",
			ReservationTimeout: 30 * time.Minute,
			SweepSchedule:      "@every 1m",
		},
		Provider:  ProviderConfig{Name: "anthropic", Model: "claude-haiku-4-5"},
		Dispatch:  DispatchConfig{Concurrency: 2},
		HTTP:      HTTPConfig{RequestsPerSecond: 5, Burst: 10},
		Telemetry: TelemetryConfig{Exporter: "prometheus"},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/recon/config.yaml and applies RECON_* environment
// overrides. Secrets are only read from the environment.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("cache.similarity_threshold must be within [0,1], got %v", c.Cache.SimilarityThreshold))
	}
	for name, k := range map[string]KindConfig{"comparison": c.Comparison, "analysis": c.Analysis} {
		if k.DailyBudgetUSD <= 0 {
			errs = append(errs, fmt.Errorf("%s.daily_budget_usd must be positive", name))
		}
		if k.EstimatedCostUSD <= 0 {
			errs = append(errs, fmt.Errorf("%s.estimated_cost_usd must be positive", name))
		}
		if k.RateLimitPerUser < 0 {
			errs = append(errs, fmt.Errorf("%s.rate_limit_per_user must not be negative", name))
		}
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, errors.New("storage.driver is postgres but RECON_STORAGE_POSTGRES_URL is not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q (want sqlite or postgres)", c.Storage.Driver))
	}
	switch c.Provider.Name {
	case "anthropic", "openrouter":
	default:
		errs = append(errs, fmt.Errorf("unknown provider.name %q (want anthropic or openrouter)", c.Provider.Name))
	}
	if _, err := time.LoadLocation(c.Budget.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("budget.timezone: %w", err))
	}
	if c.Budget.ReservationTimeout <= 0 {
		errs = append(errs, errors.New("budget.reservation_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// ProviderAPIKey returns the key of the configured provider, or an error
// naming the environment variable to set.
func (c Config) ProviderAPIKey() (string, error) {
	switch c.Provider.Name {
	case "openrouter":
		if c.Provider.OpenRouterAPIKey == "" {
			return "", errors.New("missing required config: OpenRouter API key. Set it via environment variable RECON_PROVIDER_OPENROUTER_API_KEY")
		}
		return c.Provider.OpenRouterAPIKey, nil
	default:
		if c.Provider.AnthropicAPIKey == "" {
			return "", errors.New("missing required config: Anthropic API key. Set it via environment variable RECON_PROVIDER_ANTHROPIC_API_KEY")
		}
		return c.Provider.AnthropicAPIKey, nil
	}
}

// Location returns the time zone budget and quota days are counted in.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Budget.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Kind returns the settings for an operation kind.
func (c Config) Kind(kind storage.Kind) KindConfig {
	if kind == storage.KindDeepAnalysis {
		return c.Analysis
	}
	k := c.Comparison
	k.FreshnessDays = c.Cache.FreshnessDays
	return k
}

// DailyCap and Estimate convert the dollar settings to money amounts.
func (k KindConfig) DailyCap() money.Amount { return money.FromUSD(k.DailyBudgetUSD) }
func (k KindConfig) Estimate() money.Amount { return money.FromUSD(k.EstimatedCostUSD) }

func (k KindConfig) Freshness() time.Duration {
	return time.Duration(k.FreshnessDays) * 24 * time.Hour
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "recon-data"
		}
	}
	return filepath.Join(dir, "recon")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "recon", "config.yaml")
}
