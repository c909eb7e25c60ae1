package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/funhub-backend/internal/config"
	"github.com/funhub-backend/internal/handler"
	"github.com/funhub-backend/internal/kafka"
	"github.com/funhub-backend/internal/leaderboard"
	"github.com/funhub-backend/internal/ledger"
	"github.com/funhub-backend/internal/otp"
	"github.com/funhub-backend/internal/paypal"
	"github.com/funhub-backend/internal/postgres"
	"github.com/funhub-backend/internal/redis"
	"github.com/funhub-backend/internal/session"
	"github.com/funhub-backend/internal/token"
	"github.com/funhub-backend/internal/websocket"
	"github.com/funhub-backend/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	cache, err := redis.NewCache(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer cache.Close()
	logger.Info("connected to Redis")

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := repo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Token signer is shared by session issuance and account auth
	signer, err := token.NewSigner(cfg.Auth.SigningSecret)
	if err != nil {
		logger.Error("failed to create token signer", "error", err)
		os.Exit(1)
	}

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Leaderboard aggregation over Postgres with the Redis live cache
	boards := leaderboard.NewService(repo, cache, wsHub, logger).
		WithBroadcastTopN(cfg.Leaderboard.BroadcastTopN)

	// Payment verification is optional; without credentials purchases are
	// refused but everything else runs
	var verifier ledger.PaymentVerifier
	if cfg.PayPal.Configured() {
		verifier = paypal.NewClient(cfg.PayPal, logger)
		logger.Info("PayPal verification enabled", "live", cfg.PayPal.Live)
	} else {
		logger.Warn("PayPal credentials missing, purchase verification disabled")
	}
	credits := ledger.New(repo, verifier, cfg.Packages, logger)

	// Session issuance and the score acceptance state machine
	rewardCredits := make(map[string]int64, len(cfg.Games))
	gameIDs := make([]string, 0, len(cfg.Games))
	for id, game := range cfg.Games {
		rewardCredits[id] = game.RewardCredits
		gameIDs = append(gameIDs, id)
	}
	issuer := session.NewIssuer(repo, signer, cfg.Games, cfg.Auth.GameSessionTTL, logger)
	validator := session.NewValidator(repo, signer, credits, boards, rewardCredits, logger)

	// Email OTP auth
	mailer := &otp.LogMailer{Logger: logger}
	auth := otp.NewService(repo, credits, mailer, signer,
		cfg.OTP.TTL, cfg.Auth.SessionTokenTTL, cfg.OTP.MaxAttempts, logger)

	// Storage hygiene worker, also warms the leaderboard cache on startup
	cleanup := worker.NewCleanupWorker(repo, boards, gameIDs, &cfg.Cleanup, logger)
	if err := cleanup.WarmAll(ctx); err != nil {
		logger.Warn("failed to warm leaderboard cache on startup", "error", err)
	}
	if cfg.Cleanup.Enabled {
		if err := cleanup.Start(ctx); err != nil {
			logger.Error("failed to start cleanup worker", "error", err)
			os.Exit(1)
		}
	}

	// Kafka consumer for the trusted score feed
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, boards, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else {
			if err := kafkaConsumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				kafkaConsumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
		}
	}

	// Initialize HTTP handler
	httpHandler := handler.NewHandler(issuer, validator, credits, auth, boards, signer, repo, wsHub, cfg, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	wsHub.Stop()

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if err := cleanup.Stop(); err != nil {
		logger.Error("failed to stop cleanup worker", "error", err)
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
