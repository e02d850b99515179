package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/bonfire-party/bonfire/internal/v1/admin"
	"github.com/bonfire-party/bonfire/internal/v1/config"
	"github.com/bonfire-party/bonfire/internal/v1/game"
	"github.com/bonfire-party/bonfire/internal/v1/games/trivia"
	"github.com/bonfire-party/bonfire/internal/v1/health"
	"github.com/bonfire-party/bonfire/internal/v1/logging"
	"github.com/bonfire-party/bonfire/internal/v1/middleware"
	"github.com/bonfire-party/bonfire/internal/v1/ratelimit"
	"github.com/bonfire-party/bonfire/internal/v1/rooms"
	"github.com/bonfire-party/bonfire/internal/v1/storage"
	"github.com/bonfire-party/bonfire/internal/v1/tracing"
	"github.com/bonfire-party/bonfire/internal/v1/transport"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

const serviceName = "bonfire-server"

func main() {
	ctx := context.Background()

	// Load .env for local development. Paths cover running from the repo
	// root and from the package directory.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	envLoaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString("environment validation failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("logger initialization failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	if !envLoaded {
		logging.Warn(ctx, "No .env file found, relying on environment variables")
	}
	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	if cfg.OtelEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OtelCollectorAddr)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracer", zap.Error(err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logging.Error(shutdownCtx, "Tracer shutdown failed", zap.Error(err))
			}
		}()
		logging.Info(ctx, "Tracing initialized", zap.String("collector", cfg.OtelCollectorAddr))
	}

	// --- Storage backend ---
	var store types.Storage
	var redisStore *storage.Redis
	if cfg.RedisEnabled {
		redisStore = storage.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		store = redisStore
		logging.Info(ctx, "Using redis storage", zap.String("addr", cfg.RedisAddr))
	} else {
		store = storage.NewMemory()
		logging.Info(ctx, "Using in-memory storage")
	}
	if err := store.Initialize(ctx); err != nil {
		logging.Error(ctx, "Storage initialization failed", zap.Error(err))
		os.Exit(1)
	}

	// --- Game catalog ---
	gameRegistry := game.NewRegistry()
	trivia.Register(gameRegistry)
	logging.Info(ctx, "Game types registered", zap.Strings("types", gameRegistry.Types()))

	// --- Room manager + transport ---
	connRegistry := transport.NewRegistry()
	manager := rooms.NewManager(rooms.Config{
		DefaultTTL:      cfg.RoomTTL,
		MaxRooms:        cfg.MaxRooms,
		CleanupInterval: cfg.CleanupInterval,
	}, store, gameRegistry, connRegistry)
	manager.StartCleanup()

	// Rate limits are off in development mode; a nil limiter disables the
	// websocket check entirely.
	var limiter *ratelimit.Limiter
	if !cfg.DevelopmentMode {
		var redisClient *redis.Client
		if redisStore != nil {
			redisClient = redisStore.Client()
		}
		limiter, err = ratelimit.New(cfg, redisClient)
		if err != nil {
			logging.Error(ctx, "Rate limiter initialization failed", zap.Error(err))
			os.Exit(1)
		}
	} else {
		logging.Info(ctx, "Rate limiting disabled in development mode")
	}

	server := transport.NewServer(connRegistry, manager, limiter, cfg.Origins())

	// --- Router ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OtelEnabled {
		router.Use(otelgin.Middleware(serviceName))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Origins()
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "x-api-key")
	router.Use(cors.New(corsConfig))

	router.GET("/ws", server.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var pinger health.StoragePinger
	if redisStore != nil {
		pinger = redisStore
	}
	healthHandler := health.NewHandler(server.Uptime, pinger)
	router.GET("/health", healthHandler.Status)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	if cfg.AdminEnabled() {
		adminHandler := admin.NewHandler(manager, connRegistry, cfg.AdminKey)
		adminGroup := router.Group("/admin")
		if limiter != nil {
			adminGroup.Use(limiter.AdminMiddleware())
		}
		adminHandler.Register(adminGroup)
		logging.Info(ctx, "Admin surface enabled")
	} else {
		logging.Info(ctx, "Admin surface disabled (no ADMIN_KEY)")
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Server failed", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Order matters: tell clients first, then stop accepting, then tear down
	// rooms, then close storage.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Transport shutdown failed", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "HTTP server forced to shutdown", zap.Error(err))
	}
	manager.Shutdown()
	if err := store.Close(); err != nil {
		logging.Error(shutdownCtx, "Storage close failed", zap.Error(err))
	}

	logging.Info(shutdownCtx, "Server exiting")
}
