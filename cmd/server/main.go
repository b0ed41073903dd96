package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/api"
	"github.com/eldtechnologies/confab/internal/api/middleware"
	"github.com/eldtechnologies/confab/internal/completion"
	"github.com/eldtechnologies/confab/internal/config"
	"github.com/eldtechnologies/confab/internal/crypto"
	"github.com/eldtechnologies/confab/internal/feed"
	"github.com/eldtechnologies/confab/internal/handlers"
	"github.com/eldtechnologies/confab/internal/store"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Durable store: PostgreSQL when configured, SQLite otherwise
	var db store.DataStore
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		db = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		db = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite")
	}
	defer db.Close()

	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	feedOpts := feed.Options{NatsURL: cfg.NatsURL, Logger: logger}
	if redisStore != nil {
		feedOpts.Redis = redisStore.Client()
	}
	broker, err := feed.New(ctx, cfg.FeedBackend, feedOpts)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.FeedBackend).Msg("feed broker failed")
	}
	logger.Info().Str("backend", cfg.FeedBackend).Msg("realtime feed ready")

	provider, err := completion.NewProvider(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("completion provider misconfigured")
	}
	if provider == nil {
		logger.Warn().Msg("no completion provider; assistant replies disabled")
	} else {
		logger.Info().Str("provider", provider.Name()).Msg("completion provider ready")
	}

	sealer, err := crypto.NewSealer(cfg.MessageEncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid MESSAGE_ENCRYPTION_KEY")
	}
	if sealer == nil {
		logger.Warn().Msg("MESSAGE_ENCRYPTION_KEY not set; message bodies stored in plaintext")
	}

	router := api.NewRouter(logger, handlers.Deps{
		DB:       db,
		Redis:    redisStore,
		Feed:     broker,
		Provider: provider,
		Sealer:   sealer,
		Logger:   logger,
	}, api.Options{
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
	})

	// No WriteTimeout: the feed and completion streams are long lived and
	// set their own write deadlines.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting confab server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Closing the broker ends every websocket feed; clients resync on reconnect.
	if err := broker.Close(); err != nil {
		logger.Warn().Err(err).Msg("feed broker close failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
