// cmd/api/main.go
// Main entry point for the Eugeniagram backend
// This file bootstraps all components and starts the server

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/eugeniagram/eugeniagram/internal/api"
	"github.com/eugeniagram/eugeniagram/internal/auth"
	"github.com/eugeniagram/eugeniagram/internal/common/database"
	"github.com/eugeniagram/eugeniagram/internal/common/logger"
	"github.com/eugeniagram/eugeniagram/internal/config"
	"github.com/eugeniagram/eugeniagram/internal/store/notify"
	"github.com/eugeniagram/eugeniagram/internal/store/objects"
	"github.com/eugeniagram/eugeniagram/internal/store/postgres"
	"github.com/eugeniagram/eugeniagram/internal/store/realtime"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "eugeniagram api:", err)
		logger.Flush()
		os.Exit(1)
	}
}

func run() error {
	// 1. Load environment variables
	envErr := godotenv.Load()

	// 2. Load and validate configuration
	cfg := config.Load()
	log := logger.New(logger.Opts{
		Env:       cfg.Environment,
		Level:     cfg.LogLevel,
		SentryDSN: cfg.SentryDSN,
	})
	defer logger.Flush()

	if envErr != nil {
		log.Info("no .env file found, using environment variables")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	log.Info("configuration loaded", "environment", cfg.Environment, "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect to PostgreSQL and apply migrations
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPool)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("connected to PostgreSQL")

	if err := database.Migrate(ctx, db); err != nil {
		return err
	}
	log.Info("database migrations completed")

	// 4. Connect to Redis
	redisClient, err := database.NewRedisClientFromURL(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	log.Info("connected to Redis")

	// 5. Realtime broker, mailer and object storage
	broker, err := realtime.NewRedisBroker(ctx, redisClient, log)
	if err != nil {
		return err
	}
	defer broker.Close()

	mailer, err := notify.NewSender(cfg.EmailProvider, cfg.SendGridAPIKey, cfg.EmailFrom)
	if err != nil {
		return err
	}
	log.Info("email provider ready", "provider", cfg.EmailProvider)

	storage, err := objects.New(objects.Config{
		UseS3:          cfg.UseS3,
		S3Bucket:       cfg.S3BucketName,
		AWSRegion:      cfg.AWSRegion,
		LocalUploadDir: cfg.LocalUploadDir,
		BaseURL:        cfg.BaseURL,
	})
	if err != nil {
		return err
	}
	publicDir := ""
	if !cfg.UseS3 {
		publicDir = cfg.LocalUploadDir
	}
	log.Info("object storage ready", "s3", cfg.UseS3)

	// 6. Row store and authentication
	backend := postgres.New(db, broker, mailer, log)
	authService := auth.NewService(auth.NewPostgresRepository(db), redisClient, mailer, &auth.Config{
		JWTSecret:           cfg.JWTSecret,
		AccessTokenExpiry:   cfg.AccessTokenExpiry,
		RecoveryTokenExpiry: cfg.RecoveryTokenExpiry,
		BCryptCost:          cfg.BCryptCost,
	}, log)

	// 7. Background jobs
	scheduler, err := startJobs(ctx, backend, cfg.StoryCleanupInterval, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			log.Warn("scheduler shutdown failed", "error", err)
		}
	}()

	// 8. HTTP server
	server := api.NewServer(api.Deps{
		Backend:             backend,
		Storage:             storage,
		Realtime:            broker,
		AuthService:         authService,
		PublicDir:           publicDir,
		WSMessagesPerSecond: cfg.WSMessagesPerSecond,
		Log:                 log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", srv.Addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	server.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server exited gracefully")
	return nil
}
