package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jimmypocock/reporeconnoiter.com/internal/analyzer"
	"github.com/jimmypocock/reporeconnoiter.com/internal/api"
	"github.com/jimmypocock/reporeconnoiter.com/internal/cache"
	"github.com/jimmypocock/reporeconnoiter.com/internal/config"
	"github.com/jimmypocock/reporeconnoiter.com/internal/dispatch"
	"github.com/jimmypocock/reporeconnoiter.com/internal/identity"
	"github.com/jimmypocock/reporeconnoiter.com/internal/ledger"
	"github.com/jimmypocock/reporeconnoiter.com/internal/profile"
	"github.com/jimmypocock/reporeconnoiter.com/internal/progress"
	"github.com/jimmypocock/reporeconnoiter.com/internal/proxy"
	"github.com/jimmypocock/reporeconnoiter.com/internal/quota"
	"github.com/jimmypocock/reporeconnoiter.com/internal/search"
	"github.com/jimmypocock/reporeconnoiter.com/internal/service"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage/postgres"
	"github.com/jimmypocock/reporeconnoiter.com/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recon server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running recon server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recon server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "recon.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// openBackend opens the configured storage driver.
func openBackend(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		s, err := postgres.New(ctx, postgres.DefaultConfig(cfg.Storage.PostgresURL))
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return s, nil
	default:
		s, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		return s, nil
	}
}

func newLedger(cfg config.Config, store ledger.Store, logger *slog.Logger) *ledger.Ledger {
	limits := make(map[storage.Kind]ledger.Limits, len(storage.Kinds))
	for _, k := range storage.Kinds {
		kc := cfg.Kind(k)
		limits[k] = ledger.Limits{DailyCap: kc.DailyCap(), Estimate: kc.Estimate()}
	}
	return ledger.New(store, limits, ledger.WithLocation(cfg.Location()), ledger.WithLogger(logger))
}

func newProvider(cfg config.Config) (analyzer.Provider, error) {
	key, err := cfg.ProviderAPIKey()
	if err != nil {
		return nil, err
	}
	if cfg.Provider.Name == "openrouter" {
		return analyzer.NewOpenRouterProvider(proxy.NewClient(key), cfg.Provider.Model), nil
	}
	return analyzer.NewAnthropicProvider(key, cfg.Provider.Model), nil
}

// app is the assembled server: everything serve runs.
type app struct {
	handler http.Handler
	worker  *dispatch.Worker
	sweeper *ledger.Sweeper
	mcp     *server.MCPServer
	ledger  *ledger.Ledger
}

func buildApp(cfg config.Config, store storage.Backend, tp *telemetry.Provider, logger *slog.Logger) (*app, error) {
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	an, err := analyzer.New(provider, analyzer.DefaultPrices(), logger)
	if err != nil {
		return nil, fmt.Errorf("building analyzer: %w", err)
	}
	metrics, err := telemetry.NewMetrics(tp.Meter)
	if err != nil {
		return nil, fmt.Errorf("building metrics: %w", err)
	}

	loc := cfg.Location()
	l := newLedger(cfg, store, logger)
	quotas := make(map[storage.Kind]int, len(storage.Kinds))
	policies := make(map[storage.Kind]service.KindPolicy, len(storage.Kinds))
	for _, k := range storage.Kinds {
		kc := cfg.Kind(k)
		quotas[k] = kc.RateLimitPerUser
		policies[k] = service.KindPolicy{Freshness: kc.Freshness(), Threshold: cfg.Cache.SimilarityThreshold}
	}
	limiter := quota.NewLimiter(store, quotas, loc, logger)

	svc := service.New(service.Deps{
		Store:    store,
		Matcher:  cache.NewMatcher(store, logger),
		Limiter:  limiter,
		Ledger:   l,
		Policies: policies,
		Metrics:  metrics,
		Logger:   logger,
	})
	engine := search.NewEngine(store, search.NewExpander(), logger)
	hub := progress.NewHub()

	sweeper, err := ledger.NewSweeper(l, cfg.Budget.SweepSchedule, cfg.Budget.ReservationTimeout, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		handler: api.NewHandler(api.Deps{
			Store:             store,
			Service:           svc,
			Search:            engine,
			Ledger:            l,
			Profile:           profile.NewManager(store, limiter, loc),
			Auth:              identity.NewAuthenticator(store, logger),
			Gate:              progress.NewGate(hub, store, logger),
			Metrics:           metrics,
			MetricsHandler:    tp.MetricsHandler,
			RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
			Burst:             cfg.HTTP.Burst,
			Logger:            logger,
		}),
		worker: dispatch.NewWorker(store, an, l, hub, dispatch.Config{
			Concurrency: cfg.Dispatch.Concurrency,
			Metrics:     metrics,
			Logger:      logger,
		}),
		sweeper: sweeper,
		ledger:  l,
	}
	if cfg.Server.MCPEnabled {
		a.mcp = api.NewMCPServer(api.MCPDeps{Service: svc, Search: engine, Ledger: l, Version: version})
	}
	return a, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "recon version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("recon is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("recon is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: "recon",
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	store, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	a, err := buildApp(cfg, store, tp, logger)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("recon listening", "addr", addr, "storage", cfg.Storage.Driver, "provider", cfg.Provider.Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := a.sweeper.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})
	if a.mcp != nil {
		stdio := server.NewStdioServer(a.mcp)
		go func() {
			if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("recon is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop recon (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to recon (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	printStatus("Storage", "%s", cfg.Storage.Driver)
	if cfg.Storage.Driver == "sqlite" {
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
	}
	printStatus("Provider", "%s (%s)", cfg.Provider.Name, cfg.Provider.Model)
	if _, err := cfg.ProviderAPIKey(); err != nil {
		printWarning("%v", err)
	}
	for _, k := range storage.Kinds {
		kc := cfg.Kind(k)
		printStatus(string(k), "cap %s/day, estimate %s, %d per user/day, fresh %dd",
			kc.DailyCap(), kc.Estimate(), kc.RateLimitPerUser, kc.FreshnessDays)
	}
	printStatus("Budget day", "%s", cfg.Budget.Timezone)
	return nil
}
