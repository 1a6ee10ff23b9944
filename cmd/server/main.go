package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tpaulshippy/bots/internal/ai/registry"
	"github.com/tpaulshippy/bots/internal/chat"
	"github.com/tpaulshippy/bots/internal/config"
	"github.com/tpaulshippy/bots/internal/crypto"
	"github.com/tpaulshippy/bots/internal/httpapi"
	"github.com/tpaulshippy/bots/internal/images"
	"github.com/tpaulshippy/bots/internal/metrics"
	"github.com/tpaulshippy/bots/internal/notify"
	"github.com/tpaulshippy/bots/internal/queue"
	"github.com/tpaulshippy/bots/internal/storage"
	"github.com/tpaulshippy/bots/internal/usage"
	"github.com/tpaulshippy/bots/internal/voice"
	"github.com/tpaulshippy/bots/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Str("ai_provider", cfg.AI.ProviderKind).
		Msg("starting bots")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	m := metrics.Global()
	pushQueue := queue.NewStreamQueue(rdb, cfg.Redis.PushStream, cfg.Redis.PushGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	invoker, err := registry.Build(registry.BuildOptions{
		Kind:        cfg.AI.ProviderKind,
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		HTTPClient:  &http.Client{Timeout: cfg.AI.Timeout},
		MaxRetries:  cfg.AI.MaxRetries,
		BackoffBase: cfg.AI.BackoffBase,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build ai provider")
	}

	meter := usage.NewMeter(usage.Config{
		Store:   store,
		Logger:  log.Logger,
		Metrics: m,
	})

	var imageStore *images.S3Store
	if cfg.Images.Bucket != "" {
		imageStore = images.NewS3Store(cfg.Images)
	}

	notifier := notify.NewQueueNotifier(pushQueue, log.Logger, m)

	var fetcher chat.ImageFetcher
	if imageStore != nil {
		fetcher = imageStore
	}
	orchestrator := chat.NewOrchestrator(chat.Config{
		Store:   store,
		Meter:   meter,
		Invoker: invoker,
		Images:  fetcher,
		Notify:  notifier,
		Logger:  log.Logger,
		Metrics: m,
	})

	errCh := make(chan error, 2)
	var httpServer *http.Server

	if cfg.AppMode == config.ModeAPI || cfg.AppMode == config.ModeAll {
		var transcriber voice.Transcriber
		if cfg.AI.APIKey != "" {
			transcriber = voice.NewWhisperTranscriber(voice.Config{
				APIKey:  cfg.AI.APIKey,
				BaseURL: cfg.AI.BaseURL,
			})
		}
		var uploader httpapi.ImageStore
		if imageStore != nil {
			uploader = imageStore
		}
		api := httpapi.NewServer(httpapi.Config{
			Store:       store,
			Responder:   orchestrator,
			Meter:       meter,
			Images:      uploader,
			Transcriber: transcriber,
			Notify:      notifier,
			Crypto:      cryptoManager,
			Limiter:     queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
			BillingAuth: cfg.Billing.WebhookAuth,
			JWTSecret:   cfg.Auth.JWTSecret,
			TokenTTL:    cfg.Auth.TokenTTL,
			Logger:      log.Logger,
		})
		httpServer = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           api.Router(cfg.Server.HealthPath, cfg.Server.MetricsPath),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.Server.RequestTimeout,
		}
		go func() {
			log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := worker.New(worker.Config{
			Store:         store,
			Queue:         pushQueue,
			Dedupe:        queue.NewDeduplicator(rdb, 24*time.Hour),
			Crypto:        cryptoManager,
			HTTPClient:    &http.Client{Timeout: cfg.Push.Timeout},
			GatewayURL:    cfg.Push.GatewayURL,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("push worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
