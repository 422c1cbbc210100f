package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"discussmatch/internal/servicetoken"
	"discussmatch/internal/util"
	"discussmatch/services/discussion/internal/app"
	"discussmatch/services/discussion/internal/config"
	"discussmatch/services/discussion/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel, "discussion")
	topicCacheTTL, err := config.ParseTopicCacheTTL(cfg.TopicCacheTTL)
	if err != nil {
		log.Fatalf("failed to parse topic cache ttl: %v", err)
	}
	internalVerifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse internal jwt verify public keys: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:              cfg.DatabaseURL,
		RedisAddr:                cfg.RedisAddr,
		RedisPassword:            cfg.RedisPassword,
		TopicCacheTTL:            topicCacheTTL,
		InviteRateLimitPerMinute: cfg.InviteRateLimitPerMinute,
		ScoringMode:              cfg.ScoringMode,
		QueueName:                cfg.QueueName,
		QueueGroup:               cfg.QueueGroup,
		QueueConcurrency:         cfg.QueueConcurrency,
		QueueMaxRetries:          cfg.QueueMaxRetries,
		QueueRetryDelay:          time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer func() {
		if err := appCore.Close(); err != nil {
			logger.Error("close app", "err", err)
		}
	}()

	httpServer, err := server.New(server.Config{
		App:                         appCore,
		TrustedProxyCIDRs:           cfg.TrustedProxyCIDRs,
		InternalJWTKeyID:            cfg.InternalJWTKeyID,
		InternalJWTPublicKeyPath:    cfg.InternalJWTPublicKeyPath,
		InternalJWTVerifyPublicKeys: internalVerifyKeys,
		InternalJWTAllowedIssuers:   cfg.InternalJWTAllowedIssuers,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	appCore.Start(ctx)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}()

	slog.Info("discussion server listening", "addr", addr, "scoring_mode", appCore.ScoringMode())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		stop()
	}
	<-shutdownDone
	slog.Info("discussion server stopped")
}
