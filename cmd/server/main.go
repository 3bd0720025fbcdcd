package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/paygate-labs/paygate/internal/config"
	"github.com/paygate-labs/paygate/internal/facilitator"
	"github.com/paygate-labs/paygate/internal/gate"
	"github.com/paygate-labs/paygate/internal/handler"
	"github.com/paygate-labs/paygate/internal/middleware"
	"github.com/paygate-labs/paygate/internal/pkg/logger"
	"github.com/paygate-labs/paygate/internal/pricing"
	"github.com/paygate-labs/paygate/internal/replay"
	"github.com/paygate-labs/paygate/internal/repository"
	"github.com/paygate-labs/paygate/internal/service"
	"github.com/paygate-labs/paygate/internal/signer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("info")
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Init(cfg.Server.LogLevel)
	logger.Info("🚀 Starting paygate", "port", cfg.Server.Port, "network", cfg.Gate.Network)

	// Price oracle
	oracle, stopOracle, err := buildOracle(cfg)
	if err != nil {
		logger.Error("Failed to build price oracle", "error", err)
		os.Exit(1)
	}

	resolver, err := pricing.NewResolver(cfg.Rules(), oracle, cfg.Gate.PayTo, cfg.Gate.Network, cfg.Gate.DefaultAsset)
	if err != nil {
		logger.Error("Invalid pricing rules", "error", err)
		os.Exit(1)
	}

	// Optional Postgres: durable replay cache and settlement journal sink
	var db *sqlx.DB
	if cfg.Database.DSN != "" {
		db, err = repository.NewDB(cfg)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		logger.Info("✅ Connected to Postgres")
	}

	store, stopStore := buildReplayStore(cfg, db)

	var settlementRepo service.SettlementRepo
	if db != nil {
		repo, err := repository.NewPostgresSettlementRepo(db)
		if err != nil {
			logger.Error("Failed to init settlement repository", "error", err)
			os.Exit(1)
		}
		settlementRepo = repo
	}

	journal, err := service.NewJournal(cfg.Journal.Dir, settlementRepo)
	if err != nil {
		logger.Error("Failed to open settlement journal", "error", err)
		os.Exit(1)
	}

	client := facilitator.NewHTTPClient(cfg.Facilitator)
	verifier := signer.NewVerifier(cfg.Gate.ChainID)

	paymentGate := gate.New(resolver, store, client, verifier, gate.Options{
		PayTo:      cfg.Gate.PayTo,
		Network:    cfg.Gate.Network,
		VerifyOnly: cfg.Gate.VerifyOnly,
		Grace:      time.Duration(cfg.Gate.ReplayGraceSeconds) * time.Second,
		Journal:    journal,
	})

	router := buildRouter(cfg, paymentGate, journal)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logger.Info("✅ Gate listening", "addr", srv.Addr, "facilitator", cfg.Facilitator.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Background cleanup for the durable replay cache
	cleanupDone := make(chan struct{})
	if pgStore, ok := store.(*repository.PostgresReplayStore); ok {
		go runCleanup(pgStore, cfg, cleanupDone)
	} else {
		close(cleanupDone)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Forced shutdown", "error", err)
	}

	close(cleanupDone)
	if stopOracle != nil {
		stopOracle()
	}
	if stopStore != nil {
		stopStore()
	}
	journal.Close()
	if db != nil {
		db.Close()
	}
	logger.Info("Goodbye 👋")
}

func buildOracle(cfg *config.Config) (pricing.Oracle, func(), error) {
	switch cfg.Oracle.Mode {
	case "", "fixed":
		price, err := decimal.NewFromString(cfg.Oracle.FixedPrice)
		if err != nil || price.Sign() <= 0 {
			price = decimal.NewFromInt(1)
		}
		return pricing.NewFixedOracle(price), nil, nil
	case "http":
		ttl := time.Duration(cfg.Oracle.TTLSeconds) * time.Second
		return pricing.NewHTTPOracle(cfg.Oracle.BaseURL, cfg.Oracle.Pair, ttl), nil, nil
	case "feed":
		feed := pricing.NewFeedOracle(cfg.Oracle.WSURL, cfg.Oracle.Pair)
		feed.Start()
		return feed, feed.Stop, nil
	default:
		return nil, nil, fmt.Errorf("unknown oracle mode %q", cfg.Oracle.Mode)
	}
}

// buildReplayStore picks the strongest backend available: Postgres when a
// DSN is configured, Redis when an address is configured, else in-process
// memory.
func buildReplayStore(cfg *config.Config, db *sqlx.DB) (replay.Store, func()) {
	if db != nil {
		store, err := repository.NewPostgresReplayStore(db)
		if err != nil {
			logger.Error("Failed to init durable replay cache", "error", err)
			os.Exit(1)
		}
		logger.Info("✅ Replay cache backed by Postgres")
		return store, nil
	}

	if cfg.Redis.Addr != "" {
		redisClient, err := repository.NewRedisClient(cfg)
		if err != nil {
			logger.Warn("Redis unavailable, falling back to in-memory replay cache", "error", err)
		} else {
			logger.Info("✅ Replay cache backed by Redis", "addr", cfg.Redis.Addr)
			return repository.NewRedisReplayStore(redisClient), func() { redisClient.Client.Close() }
		}
	}

	store := replay.NewMemoryStore()
	store.Start(time.Minute)
	logger.Info("Replay cache in memory (single process only)")
	return store, store.Stop
}

func buildRouter(cfg *config.Config, paymentGate *gate.Gate, journal *service.Journal) *gin.Engine {
	if cfg.Server.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.ErrorHandler())
	if cfg.Metrics.Enabled {
		router.Use(middleware.MetricsMiddleware())
	}
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	router.Use(paymentGate.Middleware())

	content := handler.NewContentHandler()
	router.GET("/", content.Home)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	router.GET("/api/weather", content.Weather)
	router.GET("/api/premium/content", content.Premium)

	settlements := handler.NewSettlementHandler(journal)
	router.GET("/admin/settlements", settlements.List)

	return router
}

func runCleanup(store *repository.PostgresReplayStore, cfg *config.Config, done chan struct{}) {
	interval := time.Duration(cfg.Database.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	retention := time.Duration(cfg.Database.ReplayRetentionHours) * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := store.Cleanup(ctx, retention); err != nil {
				logger.Warn("Replay cache cleanup failed", "error", err)
			}
			cancel()
		}
	}
}
