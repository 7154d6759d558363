package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/da-live/collab/internal/v1/admin"
	"github.com/da-live/collab/internal/v1/config"
	"github.com/da-live/collab/internal/v1/logging"
	"github.com/da-live/collab/internal/v1/middleware"
	"github.com/da-live/collab/internal/v1/ratelimit"
	"github.com/da-live/collab/internal/v1/room"
	"github.com/da-live/collab/internal/v1/storage"
	"github.com/da-live/collab/internal/v1/transport"
)

func main() {
	// Load .env file for local development.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Durable room storage ---
	// Redis keeps reload state across restarts; without it the cache is
	// process-local and a restart reloads every document from the admin
	// service.
	var storageProvider storage.Provider
	var redisProvider *storage.RedisProvider
	if cfg.RedisEnabled {
		redisProvider = storage.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword)
		if err := redisProvider.Ping(context.Background()); err != nil {
			slog.Error("Failed to connect to Redis, falling back to in-memory storage", "error", err)
			redisProvider = nil
			storageProvider = storage.NewMemoryProvider()
		} else {
			slog.Info("✅ Redis durable storage initialized", "addr", cfg.RedisAddr)
			storageProvider = redisProvider
		}
	} else {
		slog.Info("Running with in-memory durable storage (Redis disabled)")
		storageProvider = storage.NewMemoryProvider()
	}

	rateLimiter, err := ratelimit.New(cfg.RateLimitWsIp, !cfg.DevelopmentMode)
	if err != nil {
		slog.Error("Failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	deps := room.Deps{
		Registry:          room.NewRegistry(),
		Storage:           storageProvider,
		Admin:             admin.NewClient(),
		ReturnStackTraces: cfg.ReturnStackTraces,
	}
	allowedOrigins := splitOrigins(cfg.AllowedOrigins)
	hub := transport.NewHub(deps, allowedOrigins, cfg.AdminOrigin, cfg.ReturnStackTraces, rateLimiter)

	// --- Set up server ---
	router := gin.Default()
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	// Routing
	router.GET("/ws/*doc", hub.ServeWs)

	api := router.Group("/api/v1")
	api.GET("/ping", hub.Ping)
	adminAPI := api.Group("", middleware.SharedSecret(cfg.SharedSecret))
	{
		adminAPI.POST("/syncadmin", hub.SyncAdmin)
		adminAPI.POST("/deleteadmin", hub.DeleteAdmin)
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful shutdown ---
	go func() {
		slog.Info("Collab server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if redisProvider != nil {
		if err := redisProvider.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}
	slog.Info("Server exiting")
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
