package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/api"
	"github.com/eldtechnologies/roomsync/internal/api/middleware"
	"github.com/eldtechnologies/roomsync/internal/chat"
	"github.com/eldtechnologies/roomsync/internal/config"
	"github.com/eldtechnologies/roomsync/internal/handlers"
	"github.com/eldtechnologies/roomsync/internal/identity"
	"github.com/eldtechnologies/roomsync/internal/realtime"
	"github.com/eldtechnologies/roomsync/internal/store"
	"github.com/eldtechnologies/roomsync/internal/upload"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
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

	rooms, messages, closeStores := openStores(ctx, cfg, logger)
	defer closeStores()

	// Redis backs the rate limiter whenever it is configured, and the
	// message store when it was chosen above.
	var redisClient *redis.Client
	if rs, ok := messages.(*store.RedisStore); ok {
		redisClient = rs.Client()
	}

	var uploads *upload.Disk
	if cfg.UploadDir != "" {
		var err error
		uploads, err = upload.NewDisk(cfg.UploadDir, cfg.PublicURL, cfg.MaxUploadBytes)
		if err != nil {
			logger.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("upload directory unavailable")
		}
	}

	resolver := identity.NewResolver(cfg.JWTSecret)
	svc := chat.NewService(rooms, messages, chat.Options{
		ForceHTTPS: cfg.AttachmentForceHTTPS,
		Logger:     logger,
	})
	hub := realtime.NewHub(svc, resolver, logger, realtime.Options{
		AllowedOrigins: cfg.FrontendURLs,
	})
	svc.SetBroadcaster(hub)

	h := handlers.NewHandler(handlers.Deps{
		Rooms:    rooms,
		Messages: messages,
		Chat:     svc,
		Uploads:  uploads,
		Hub:      hub,
		Logger:   logger,
	})

	router := api.NewRouter(logger, api.Options{
		Handler:  h,
		Hub:      hub,
		Resolver: resolver,
		Redis:    redisClient,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
		FrontendURLs:   cfg.FrontendURLs,
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("store", cfg.Store).
			Msg("starting roomsync server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Shutdown does not wait for hijacked connections.
	hub.Close()

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

// openStores picks the room and message stores from configuration. Rooms
// live in Postgres, SQLite or memory; messages follow rooms unless
// REDIS_URL is set.
func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.RoomStore, store.MessageStore, func()) {
	var (
		rooms    store.RoomStore
		messages store.MessageStore
		closers  []func()
	)

	switch {
	case cfg.UsesMemoryStore():
		mem := store.NewMemoryStore()
		rooms, messages = mem, mem
		logger.Warn().Msg("using in-memory store, data is lost on restart")

	case cfg.DatabaseURL != "":
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		closers = append(closers, pg.Close)
		rooms, messages = pg, pg
		logger.Info().Msg("connected to PostgreSQL")

	default:
		sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("sqlite open failed")
		}
		closers = append(closers, sq.Close)
		rooms, messages = sq, sq
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite database")
	}

	if cfg.RedisURL != "" {
		rs, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		closers = append(closers, func() { rs.Close() })
		messages = rs
		logger.Info().Msg("connected to Redis, messages stored in Redis")
	}

	return rooms, messages, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}
