package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/presale/service/config"
	"github.com/brojonat/presale/service/db"
	"github.com/brojonat/presale/service/metrics"
	"github.com/brojonat/presale/service/nats"
	"github.com/brojonat/presale/service/oracle"
	"github.com/brojonat/presale/service/presale"
	"github.com/brojonat/presale/service/registry"
	"github.com/brojonat/presale/service/scheduler"
	"github.com/brojonat/presale/service/server"
	"github.com/brojonat/presale/service/solana"
	"github.com/brojonat/presale/service/supply"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// A local .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"operator", cfg.OperatorKey.PublicKey().String(),
		"mint", cfg.TokenMint.String(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(nil)

	// Database
	dbPool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := db.Migrate(ctx, dbPool); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	reg := registry.New(db.NewStore(dbPool, m), m, logger)

	// Solana endpoints
	endpoints := solana.NewEndpointList(cfg.RPCEndpoints(), nil, m, logger)
	var waiter solana.Waiter = solana.NewPollingWaiter(2 * time.Second)
	if cfg.SolanaWSURL != "" {
		waiter = solana.NewWebsocketWaiter(cfg.SolanaWSURL, logger)
	}
	logger.Info("initialized solana endpoints",
		"count", endpoints.Len(),
		"primary", endpoints.Primary().Endpoint(),
		"websocket", cfg.SolanaWSURL != "",
	)

	// Price oracle and treasury supply
	quotes, err := oracle.New(oracle.Config{
		URL:     cfg.PriceQuoteURL,
		JQ:      cfg.PriceQuoteJQ,
		Default: cfg.DefaultSolPrice,
		Timeout: 10 * time.Second,
	}, nil, m, logger)
	if err != nil {
		logger.Error("failed to create price oracle", "error", err)
		os.Exit(1)
	}
	poller := supply.NewPoller(endpoints, cfg.TreasuryWallet, cfg.TokenMint, cfg.FallbackRemainingSupply, m, logger)

	sched := scheduler.New(m, logger)
	quoteJob, err := sched.Every("quote_refresh", cfg.PriceRefreshInterval, 30*time.Second, quotes.Refresh)
	if err != nil {
		logger.Error("failed to schedule quote refresh", "error", err)
		os.Exit(1)
	}
	supplyJob, err := sched.Every("supply_refresh", cfg.SupplyPollInterval, 30*time.Second, poller.Refresh)
	if err != nil {
		logger.Error("failed to schedule supply refresh", "error", err)
		os.Exit(1)
	}
	sched.Start()
	quoteJob.Trigger()
	supplyJob.Trigger()

	// Optional infrastructure
	var publisher nats.Publisher
	var feed server.PurchaseFeed
	if cfg.NATSURL != "" {
		pub, err := nats.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Error("failed to connect purchase publisher", "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		publisher = pub

		sub, err := nats.NewSubscriber(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to connect purchase subscriber", "error", err)
			os.Exit(1)
		}
		defer sub.Close()
		feed = sub
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("failed to ping redis", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to redis")
	}

	// Purchase orchestrator
	tiers := make([]presale.Tier, len(cfg.SubmitTiers))
	for i, t := range cfg.SubmitTiers {
		tiers[i] = presale.Tier{ComputeUnits: t.ComputeUnits, MicroLamports: t.MicroLamports}
	}
	policy := presale.RetryPolicy{
		Tiers:             tiers,
		SubmitBackoff:     cfg.SubmitBackoff,
		ConfirmMaxRetries: cfg.ConfirmMaxRetries,
		ConfirmTimeout:    cfg.ConfirmTimeout,
		ConfirmBackoff:    cfg.ConfirmBackoff,
		ProbeTimeout:      cfg.ProbeTimeout,
	}
	orch, err := presale.New(presale.Config{
		Operator:          cfg.OperatorKey,
		Mint:              cfg.TokenMint,
		TokenDecimals:     uint8(cfg.TokenDecimals),
		Policy:            policy,
		MinPurchase:       cfg.MinPurchase,
		MaxPurchase:       cfg.MaxPurchase,
		MaxQuoteDeviation: cfg.MaxQuoteDeviation,
		Quotes:            quotes,
		Registrar:         reg,
		Supply:            supplyJob,
		Publisher:         publisher,
	}, endpoints, waiter, m, logger)
	if err != nil {
		logger.Error("failed to create purchase orchestrator", "error", err)
		os.Exit(1)
	}

	httpServer := server.New(cfg, server.Deps{
		Purchaser: orch,
		Registry:  reg,
		Quotes:    quotes,
		Supply:    poller,
		Redis:     redisClient,
		Feed:      feed,
	}, m, logger)

	logger.Info("server initialized, all dependencies ready",
		"nats", publisher != nil,
		"redis", redisClient != nil,
		"tiers", len(tiers),
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Purchases in flight may still be confirming. The process supervisor's
		// grace period must be at least this long or they are cut off.
		drain := policy.Budget(endpoints.Len()) + time.Minute
		logger.Info("draining in-flight purchases", "timeout", drain.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drain)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
		}
		orch.Wait()

		select {
		case <-sched.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("scheduled jobs still running at shutdown")
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
