/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the shift marketplace server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Initialize logging
  3. Open the store (SQLite file, SQLite in-memory, or the memory store)
  4. Connect Redis when REDIS_URL is set
  5. Build the engine and register background jobs
  6. Configure HTTP router
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory SQLite, "memory" for the map store

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the job runner after its in-flight batch
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/shifta.db"

  # Run with in-memory database on another port
  ./server -db=":memory:" -port=3000

ENVIRONMENT:
  See config/config.go for every variable.

SEE ALSO:
  - api/server.go: Router configuration
  - engine/engine.go: Business operations
  - jobs/runner.go: Background job runner
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shifta/marketplace-engine/api"
	"github.com/shifta/marketplace-engine/config"
	"github.com/shifta/marketplace-engine/engine"
	"github.com/shifta/marketplace-engine/jobs"
	"github.com/shifta/marketplace-engine/logging"
	"github.com/shifta/marketplace-engine/notify"
	"github.com/shifta/marketplace-engine/store/memory"
	"github.com/shifta/marketplace-engine/store/sqlite"
)

// appStore is everything main needs from a backend.
type appStore interface {
	api.Store
	jobs.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.DBPath = *dbPath

	logger := logging.Init(cfg.LogLevel, cfg.LogPretty || cfg.IsDev())

	// Initialize store
	var store appStore
	if cfg.DBPath == "memory" {
		store = memory.New()
		logger.Warn().Msg("using the in-memory store; data is lost on exit")
	} else {
		db, err := sqlite.New(cfg.DBPath)
		if err != nil {
			logger.Fatal().Err(err).Str("db", cfg.DBPath).Msg("failed to initialize database")
		}
		defer db.Close()
		store = db
	}

	// Redis is optional; without it the limiter is per process and
	// notifications are only logged and kept in the inbox.
	redisClient := connectRedis(cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Engine and notifications
	inbox := &notify.Recorder{}
	sink := notify.Multi{notify.LogSink{Logger: logger.With().Str("component", "notify").Logger()}, inbox}
	var limiter api.Limiter = api.NewMemoryLimiter()
	if redisClient != nil {
		sink = append(sink, notify.NewRedisSink(redisClient))
		limiter = api.NewRedisLimiter(redisClient, logger)
	}
	eng := engine.New(store, sink, cfg.EngineConfig(), logger)

	// Background jobs
	runner := jobs.NewRunner(store, logger)
	runner.PollInterval = cfg.JobPollInterval
	runner.MaxAttempts = cfg.JobMaxAttempts
	eng.RegisterJobs(runner, cfg.ReconcileInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)

	// HTTP
	handler := api.NewHandler(eng, store, logger)
	handler.Inbox = inbox
	handler.DevMode = cfg.IsDev()
	handler.Limiter = limiter
	handler.RequestsPerMinute = cfg.RateLimitPerMinute
	router := api.NewRouter(handler, api.NewAuthenticator(cfg.JWTSecret), cfg.CORSOrigins)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("env", cfg.Env).
			Str("db", cfg.DBPath).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	runner.Stop()
	cancel()

	logger.Info().Msg("server stopped")
}

// connectRedis returns nil when url is empty or the server is unreachable.
func connectRedis(url string, logger zerolog.Logger) *redis.Client {
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Error().Err(err).Msg("redis url parse failed")
		return nil
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error().Err(err).Msg("redis ping failed, continuing without redis")
		_ = client.Close()
		return nil
	}
	logger.Info().Str("addr", opts.Addr).Msg("redis connected")
	return client
}
