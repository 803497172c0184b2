package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rentalhub/internal/metrics"
	"rentalhub/internal/tracing"
	"rentalhub/internal/util"
	"rentalhub/pkg/queue"
	"rentalhub/services/listing/internal/app"
	"rentalhub/services/listing/internal/bootstrap"
	"rentalhub/services/listing/internal/config"
	"rentalhub/services/listing/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "listing", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}

	redisClient, err := bootstrap.Redis(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	listingStore, closeStore, err := bootstrap.Store(cfg, redisClient)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer closeStore()

	images, media, err := bootstrap.Images(cfg)
	if err != nil {
		log.Fatalf("failed to init image storage: %v", err)
	}
	publisher, err := bootstrap.Publisher(cfg, redisClient)
	if err != nil {
		log.Fatalf("failed to init event publisher: %v", err)
	}
	notifier, err := bootstrap.Notifier(cfg)
	if err != nil {
		log.Fatalf("failed to init mailer: %v", err)
	}
	mailQueue, err := bootstrap.NotificationQueue(cfg, redisClient)
	if err != nil {
		log.Fatalf("failed to init notification queue: %v", err)
	}
	if mailQueue != nil {
		mailQueue.Start(ctx, cfg.NotifyWorkers, queue.Deliver(notifier))
		notifier = queue.Notifier{Queue: mailQueue}
	}
	issuer, verifier, err := bootstrap.Tokens(cfg)
	if err != nil {
		log.Fatalf("failed to init token signer: %v", err)
	}
	registry := metrics.New(cfg.MetricsNamespace)

	appCore, err := app.New(app.Config{
		Store:     listingStore,
		Images:    images,
		Publisher: publisher,
		Notifier:  notifier,
		Tokens:    issuer,
		Metrics:   registry,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		TokenVerifier:              verifier,
		Metrics:                    registry,
		Redis:                      redisClient,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		CreateRateLimitPerMinute:   cfg.CreateRateLimitPerMinute,
		TrustedProxyCIDRs:          cfg.TrustedProxyCIDRs,
		CORSAllowedOrigins:         cfg.CORSAllowedOrigins,
		MaxUploadBytes:             images.MaxBytes(),
		Media:                      media,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("listing server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	appCore.Wait()
	if mailQueue != nil {
		mailQueue.Wait()
	}
	if err := publisher.Close(); err != nil {
		logger.Warn("close event publisher", "err", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("flush traces", "err", err)
	}
	slog.Info("listing server stopped")
}
