package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yajmaan/sevaflow/internal/auth"
	"github.com/yajmaan/sevaflow/internal/config"
	"github.com/yajmaan/sevaflow/internal/handler"
	"github.com/yajmaan/sevaflow/internal/logging"
	"github.com/yajmaan/sevaflow/internal/middleware"
	"github.com/yajmaan/sevaflow/internal/service"
	ws "github.com/yajmaan/sevaflow/internal/websocket"
	"github.com/yajmaan/sevaflow/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logging.New(cfg.Server.LogLevel, cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zlog.Warn("redis not available", zap.Error(err))
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(redisOpt(cfg))
	defer asynqClient.Close()

	validate := validator.New()

	hub := ws.NewHub(zlog)
	go hub.Run()
	defer hub.Stop()

	// Provider clients, mocked when unconfigured outside production
	deps, err := worker.NewDependencies(cfg, zlog, false)
	if err != nil {
		zlog.Fatal("failed to initialize provider clients", zap.Error(err))
	}

	// OIDC JWKS verifier (optional, operator tokens signed with the JWT secret still work)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.OIDC.Issuer != "" {
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			zlog.Warn("JWKS verifier not initialized", zap.Error(err))
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Services
	registry := service.NewRegistry()
	batchService := service.NewBatchService(service.NewRedisStore(redisClient), asynqClient, registry, zlog)

	// Handlers
	batchHandler := handler.NewBatchHandler(batchService, validate)

	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}
	authn := auth.NewAuthenticator(tokenVerifier, cfg.JWT.Secret, cfg.OIDC.AdminRole)
	authHandler := handler.NewAuthHandler(authn)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		zlog.Info("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware(authn.AdminRole())
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(authn).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, zlog)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    25 * 1024 * 1024, // 25MB
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"hosting":   cfg.Hosting.IsConfigured(),
				"messaging": cfg.Messaging.IsConfigured(),
				"auth":      jwksVerifier != nil || cfg.JWT.Secret != "",
			},
			"liveBatches": registry.Len(),
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", apiAuthMiddleware)

	batches := api.Group("/batches")
	batches.Post("/", rateLimiter.BatchLimit(cfg.RateLimit.BatchPerHour), batchHandler.Start)
	batches.Get("/:batchId/progress", batchHandler.Progress)
	batches.Get("/:batchId/report", batchHandler.Report)
	batches.Post("/:batchId/cancel", batchHandler.Cancel)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/batches/:batchId", apiAuthMiddleware, batchHandler.Authorize, websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("batchId"))
	}))

	// Start Asynq worker server
	batchWorker := worker.NewBatchWorker(batchService, deps, cfg, hub, zlog)
	srv := newWorkerServer(cfg, zlog)
	go func() {
		mux := asynq.NewServeMux()
		mux.HandleFunc(service.TaskTypeBatch, batchWorker.ProcessTask)
		if err := srv.Run(mux); err != nil {
			zlog.Error("asynq worker stopped", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		zlog.Info("shutting down server")
		// batches still running when the shutdown timeout expires are cancelled
		srv.Shutdown()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zlog.Error("server shutdown error", zap.Error(err))
		}
	}()

	addr := ":" + cfg.Server.Port
	zlog.Info("server starting",
		zap.String("addr", addr),
		zap.Int("pipeline_concurrency", cfg.Pipeline.Concurrency),
	)
	if err := app.Listen(addr); err != nil {
		zlog.Fatal("server error", zap.Error(err))
	}
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func newWorkerServer(cfg *config.Config, zlog *zap.Logger) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		asynqLogLevel = asynq.DebugLevel
	case "warn":
		asynqLogLevel = asynq.WarnLevel
	case "error":
		asynqLogLevel = asynq.ErrorLevel
	}

	return asynq.NewServer(redisOpt(cfg), asynq.Config{
		// provider calls across batches share the slots from worker.NewDependencies
		Concurrency: 2,
		Queues: map[string]int{
			service.QueueBatches: 1,
		},
		Logger:          zlog.Named("asynq").Sugar(),
		LogLevel:        asynqLogLevel,
		ShutdownTimeout: 30 * time.Second,
	})
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
