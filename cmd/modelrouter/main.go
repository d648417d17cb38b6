package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-router/internal/config"
	"github.com/tributary-ai/model-router/internal/executor"
	"github.com/tributary-ai/model-router/internal/flags"
	"github.com/tributary-ai/model-router/internal/health"
	"github.com/tributary-ai/model-router/internal/ledger"
	"github.com/tributary-ai/model-router/internal/metrics"
	"github.com/tributary-ai/model-router/internal/middleware"
	"github.com/tributary-ai/model-router/internal/providers"
	"github.com/tributary-ai/model-router/internal/providers/anthropic"
	"github.com/tributary-ai/model-router/internal/providers/openai"
	"github.com/tributary-ai/model-router/internal/registry"
	"github.com/tributary-ai/model-router/internal/routing"
	"github.com/tributary-ai/model-router/internal/server"
	"github.com/tributary-ai/model-router/internal/tokens"
)

const metricsNamespace = "model_router"

// Application holds the wired component graph.
type Application struct {
	config  *config.Config
	logger  *logrus.Logger
	ledger  *ledger.Ledger
	monitor *health.Monitor
	server  *server.Server
}

// NewApplication loads configuration and wires every component.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	collector := metrics.NewCollector(metricsNamespace)

	reg, err := registry.New(cfg.Catalog.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load model catalog: %w", err)
	}

	book, err := ledger.Open(cfg.ToLedgerConfig(), collector, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open credit ledger: %w", err)
	}

	gate := flags.NewGate(newFlagStore(cfg.Flags, logger), logger)

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		return nil, err
	}

	monitor := health.NewMonitor(cfg.ToHealthConfig(), reg, collector, logger)
	for _, adapter := range adapters {
		monitor.Register(adapter)
	}

	controller := executor.New(adapters, book, monitor, collector, logger)
	classifier := routing.NewClassifier(tokens.NewEstimator(logger), logger)
	engine := routing.NewEngine(logger)
	service := server.NewService(reg, classifier, engine, gate, monitor, controller, logger)

	validator, err := middleware.NewValidator(cfg.Validation, server.OpenAPISpec(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build request validator: %w", err)
	}

	srv := server.New(service, reg, monitor, collector, validator, cfg.ToServerConfig(), logger)

	return &Application{
		config:  cfg,
		logger:  logger,
		ledger:  book,
		monitor: monitor,
		server:  srv,
	}, nil
}

// Run starts the probe loop and the HTTP server, then blocks until a
// shutdown signal or a server error.
func (app *Application) Run() error {
	app.logger.Info("Starting model router")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go app.monitor.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		if err := app.server.Start(); err != nil {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Stop probing before the ledger flushes so nothing writes during close.
	cancel()
	if err := app.ledger.Close(); err != nil {
		return fmt.Errorf("ledger shutdown failed: %w", err)
	}

	app.logger.Info("Shutdown complete")
	return nil
}

func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return nil
}

// newFlagStore picks redis when configured, the in-memory store otherwise.
// The memory store is populated from the config file's flag seeds; without
// seeds every flag fails closed and no request can route.
func newFlagStore(cfg config.FlagsConfig, logger *logrus.Logger) flags.Store {
	if cfg.RedisAddr == "" {
		store := flags.NewMemoryStore()
		for _, seed := range cfg.Seed {
			store.SetFlag(&flags.Flag{
				ID:                seed.ID,
				Enabled:           seed.Enabled,
				RolloutPercentage: seed.RolloutPercentage,
				AllowedUsers:      userSet(seed.AllowedUsers),
				BlockedUsers:      userSet(seed.BlockedUsers),
			})
		}
		if len(cfg.Seed) == 0 {
			logger.Warn("No redis and no flag seeds configured, every flag fails closed")
		} else {
			logger.WithField("flags", len(cfg.Seed)).Info("In-memory flag store seeded from config")
		}
		return store
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	logger.WithField("addr", cfg.RedisAddr).Info("Feature flags backed by redis")
	return flags.NewRedisStore(client)
}

func userSet(users []string) map[string]bool {
	if len(users) == 0 {
		return nil
	}
	set := make(map[string]bool, len(users))
	for _, u := range users {
		set[u] = true
	}
	return set
}

func buildAdapters(cfg *config.Config, logger *logrus.Logger) (map[string]providers.Adapter, error) {
	adapters := make(map[string]providers.Adapter)

	if cfg.Providers.OpenAI != nil && cfg.Providers.OpenAI.APIKey != "" {
		p := openai.New(cfg.Providers.OpenAI, logger)
		adapters[p.Name()] = p
	}
	if cfg.Providers.Anthropic != nil && cfg.Providers.Anthropic.APIKey != "" {
		p := anthropic.New(cfg.Providers.Anthropic, logger)
		adapters[p.Name()] = p
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no providers configured, set OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}

	logger.WithField("count", len(adapters)).Info("Provider adapters configured")
	return adapters, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY            OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY         Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  MODEL_ROUTER_PORT         Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  MODEL_ROUTER_CATALOG      Model catalog path\n")
	fmt.Fprintf(os.Stderr, "  MODEL_ROUTER_LEDGER_DSN   Ledger sqlite path\n")
	fmt.Fprintf(os.Stderr, "  MODEL_ROUTER_REDIS_ADDR   Redis address for feature flags\n")
	fmt.Fprintf(os.Stderr, "  MODEL_ROUTER_LOG_LEVEL    Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  MODEL_ROUTER_LOG_FORMAT   Log format (json,text)\n")
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Runtime error: %v\n", err)
		os.Exit(1)
	}
}
