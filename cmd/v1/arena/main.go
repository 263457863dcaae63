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
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/lattice-gg/arena/internal/v1/config"
	"github.com/lattice-gg/arena/internal/v1/driver"
	"github.com/lattice-gg/arena/internal/v1/health"
	"github.com/lattice-gg/arena/internal/v1/logging"
	"github.com/lattice-gg/arena/internal/v1/matchmaker"
	"github.com/lattice-gg/arena/internal/v1/middleware"
	"github.com/lattice-gg/arena/internal/v1/presence"
	"github.com/lattice-gg/arena/internal/v1/rooms"
	"github.com/lattice-gg/arena/internal/v1/tracing"
	"github.com/lattice-gg/arena/internal/v1/transport"
	"github.com/lattice-gg/arena/internal/v1/types"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
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

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- Tracing (Optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(context.Background(), "arena", cfg.OtelCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
		slog.Info("✅ Tracing initialized", "collector", cfg.OtelCollectorAddr)
	}

	// --- Presence and Registry Initialization ---
	// Redis joins this process into a fleet; without it the server runs
	// self-contained.
	var (
		fleetPresence presence.Presence
		roomDriver    driver.Driver
	)
	if cfg.RedisEnabled {
		redisPresence, err := presence.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		fleetPresence = redisPresence
		roomDriver = driver.NewRedisDriver(redisPresence.Client())
		slog.Info("✅ Redis presence initialized for distributed matchmaking", "addr", cfg.RedisAddr)
	} else {
		fleetPresence = presence.NewLocal()
		roomDriver = driver.NewLocalDriver()
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Matchmaker ---
	mm := matchmaker.New(matchmaker.Config{
		Presence:           fleetPresence,
		Driver:             roomDriver,
		RemoteCallTimeout:  cfg.RemoteCallTimeout,
		SeatReservationTTL: cfg.SeatReservationTTL,
	})
	slog.Info("Matchmaker initialized", "process_id", string(mm.ProcessID()))

	if err := mm.RegisterHandler(context.Background(), "chat", matchmaker.Definition{
		New:        rooms.NewChat,
		MaxClients: 16,
		Methods:    rooms.Definition(),
		FilterFields: func(options types.ClientOptions) map[string]any {
			if topic, ok := options["topic"].(string); ok && topic != "" {
				return map[string]any{"topic": topic}
			}
			return nil
		},
		Sort: driver.SortOptions{{Field: "clients", Desc: true}},
	}); err != nil {
		slog.Error("Failed to register chat handler", "error", err)
		os.Exit(1)
	}

	// --- Transport ---
	var allowedOrigins []string
	if cfg.AllowedOrigins != "" {
		for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}
	hub := transport.NewHub(transport.Config{
		Matchmaker:     mm,
		AllowedOrigins: allowedOrigins,
		PingInterval:   cfg.PingInterval,
		PingMaxRetries: cfg.PingMaxRetries,
	})

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Cors
	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) > 0 {
		corsConfig.AllowOrigins = allowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(corsConfig))

	// Error handling and observability
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("arena"))
	}

	// Routing
	hub.RegisterRoutes(router)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(fleetPresence, mm)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Arena server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Disconnect all hosted rooms so their listings leave the registry
	if err := mm.GracefulShutdown(ctx); err != nil {
		slog.Error("Error during matchmaker shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Close presence connection
	if err := fleetPresence.Close(); err != nil {
		slog.Error("Failed to close presence connection:", "error", err)
	} else {
		slog.Info("Presence connection closed")
	}

	slog.Info("Server exiting")
}
