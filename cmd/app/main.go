// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-chat-sync/internal/config"
	"ai-chat-sync/internal/domain/ports/adapter"
	aiAdapters "ai-chat-sync/internal/infra/adapters/ai"
	pg "ai-chat-sync/internal/infra/db/postgres"
	"ai-chat-sync/internal/infra/logging"
	"ai-chat-sync/internal/infra/metrics"
	red "ai-chat-sync/internal/infra/redis"
	"ai-chat-sync/internal/infra/security"
	"ai-chat-sync/internal/infra/web"
	"ai-chat-sync/internal/infra/worker"
	"ai-chat-sync/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "development mode (canned completions, console logs)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Info().Msg("dev mode enabled")
	}
	metrics.MustRegister()

	if !cfg.Runtime.Dev && cfg.Web.JWTSecret == "" {
		logger.Fatal().Msg("web.jwt_secret is required")
	}

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 10)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	pg.StartPoolStats(ctx, pool, 15*time.Second)

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	rateLimiter := red.NewRateLimiter(redisClient)
	sessionCache := red.NewSessionCache(redisClient, cfg.Redis.TTL)
	changeFeed := red.NewChangeFeed(redisClient, logger)

	// ---- Encryption (optional) ----
	var encSvc *security.EncryptionService
	if cfg.Security.EncryptAtRest {
		encSvc, err = security.NewEncryptionService(cfg.Security.EncryptionKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("encryption")
		}
	}

	// ---- Store ----
	store := pg.NewSessionRepo(pool, sessionCache, changeFeed, encSvc)

	// ---- Completion client ----
	var client adapter.CompletionClient
	if cfg.Runtime.Dev {
		client = aiAdapters.NewNoopClient()
		logger.Info().Msg("completion client: canned (dev)")
	} else {
		client, err = aiAdapters.NewOpenAIClient(cfg.Completion, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("completion client")
		}
		logger.Info().Str("base", cfg.Completion.BaseURL).Str("model", cfg.Completion.Model).Msg("completion client ready")
	}
	client = aiAdapters.NewLimitedClient(client, 16)

	// ---- Background workers ----
	pool2 := worker.NewPool(4, logger)
	pool2.Start(ctx)
	defer pool2.Stop()

	// ---- Per-user runtime factory ----
	factory := func(ctx context.Context, userID string) (*web.SessionRuntime, error) {
		events := usecase.NewEmitter()
		ctrl := usecase.NewStreamingSessionController(
			userID, client, store, events, pool2, cfg.Web.ErrorClearTTL, logger,
		)
		recon := usecase.NewSyncReconciler(store, ctrl, events, logger)
		if err := recon.Start(ctx, userID); err != nil {
			return nil, err
		}
		return &web.SessionRuntime{Ctrl: ctrl, Recon: recon, Events: events}, nil
	}

	// ---- HTTP server ----
	srv := web.NewServer(ctx, cfg.Web, cfg.Runtime.Dev, client, store, rateLimiter, factory, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Web.Port),
		Handler: srv.Router(),
	}
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	srv.Shutdown()
	cancel()
}
