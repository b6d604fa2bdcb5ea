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

	"github.com/synaura/studio-api/internal/auth"
	"github.com/synaura/studio-api/internal/client"
	"github.com/synaura/studio-api/internal/config"
	"github.com/synaura/studio-api/internal/handler"
	"github.com/synaura/studio-api/internal/middleware"
	"github.com/synaura/studio-api/internal/model"
	"github.com/synaura/studio-api/internal/normalize"
	"github.com/synaura/studio-api/internal/poller"
	"github.com/synaura/studio-api/internal/queue"
	"github.com/synaura/studio-api/internal/service"
	"github.com/synaura/studio-api/internal/store"
	"github.com/synaura/studio-api/internal/worker"
	ws "github.com/synaura/studio-api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize external clients
	sunoClient := client.NewSunoClient(&cfg.Suno)

	// Initialize R2 client (optional - continues if not configured)
	var r2Client *client.R2Client
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		var err error
		r2Client, err = client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		}
	} else {
		log.Println("Info: R2 storage not configured, track archiving disabled")
	}

	// Initialize Zitadel JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.Zitadel.Issuer != "" {
		var err error
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.Zitadel)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Initialize normalizer, store and services
	norm := normalize.New(cfg.Media.DeadHosts)
	generationStore := store.NewGenerationStore(redisClient)

	var archiveClient *asynq.Client
	if r2Client != nil {
		archiveClient = asynqClient
	}
	generationService := service.NewGenerationService(generationStore, sunoClient, norm, archiveClient)
	lyricsService := service.NewLyricsService(sunoClient)

	// Initialize the polling loops and the queue runner
	taskPoller := poller.New(
		poller.NewProviderSource(sunoClient, norm),
		generationService,
		poller.OptionsFromConfig(cfg.Poll),
	)
	defer taskPoller.Shutdown()

	queueManager := queue.NewManager(sunoClient, taskPoller, model.QueueConfig{
		MaxConcurrency: cfg.Queue.MaxConcurrency,
		AutoRun:        cfg.Queue.AutoRun,
	})
	queueManager.SetOnChange(hub.BroadcastQueue)

	// Fan polling updates into the queue state machine and per-task sockets
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case u, ok := <-taskPoller.Updates():
				if !ok {
					return
				}
				queueManager.HandleUpdate(u)
				hub.BroadcastTask(u)
			}
		}
	}()

	// Initialize handlers
	generationHandler := handler.NewGenerationHandler(queueManager, taskPoller, generationService, sunoClient, norm, validate)
	lyricsHandler := handler.NewLyricsHandler(lyricsService, validate)
	maintenanceHandler := handler.NewMaintenanceHandler(asynqClient, validate)
	callbackHandler := handler.NewCallbackHandler(generationService, taskPoller, queueManager, norm, hub)

	// Initialize middleware (with fallback support)
	var authMiddleware *middleware.AuthMiddleware
	if jwksVerifier != nil && cfg.JWT.Secret != "" {
		authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
	} else if jwksVerifier != nil {
		authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
	} else {
		authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"suno":  sunoClient.IsConfigured(),
				"r2":    r2Client != nil,
				"auth":  jwksVerifier != nil || cfg.JWT.Secret != "",
				"loops": taskPoller.ActiveCount(),
			},
		})
	})

	// Provider callback (unauthenticated; the provider cannot send a bearer token)
	app.Post("/api/suno/callback", callbackHandler.Handle)

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	// Generation routes
	api.Post("/generate", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generationHandler.Enqueue)
	api.Get("/generations/:taskId", generationHandler.GetGeneration)

	// Queue routes
	api.Get("/queue", generationHandler.Queue)
	api.Post("/queue/:id/retry", generationHandler.Retry)
	api.Put("/queue/config", generationHandler.SetConfig)
	api.Post("/queue/dispatch", generationHandler.Dispatch)

	// Task routes
	api.Get("/tasks/:taskId/status", rateLimiter.StatusLimit(cfg.RateLimit.StatusPerMin), generationHandler.TaskStatus)
	api.Post("/tasks/:taskId/stop", generationHandler.StopTask)

	// Lyrics routes
	api.Post("/lyrics", rateLimiter.LyricsLimit(cfg.RateLimit.LyricsPerMin), lyricsHandler.Generate)

	// Maintenance routes
	api.Post("/maintenance/repair", rateLimiter.RepairLimit(cfg.RateLimit.RepairPerHour), maintenanceHandler.Repair)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/queue", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, ws.TopicQueue)
	}))

	app.Get("/ws/tasks/:taskId", websocket.New(func(c *websocket.Conn) {
		taskID := c.Params("taskId")
		hub.HandleConnection(c, taskID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, generationService, r2Client)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		cancelRun()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(
	cfg *config.Config,
	generationService *service.GenerationService,
	r2Client *client.R2Client,
) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				"maintenance": 1,
			},
			LogLevel: asynqLogLevel,
		},
	)

	repairWorker := worker.NewRepairWorker(generationService)

	var storageClient client.StorageClient
	if r2Client != nil {
		storageClient = r2Client
	}
	archiveWorker := worker.NewArchiveWorker(storageClient, generationService)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeRepair, repairWorker.ProcessTask)
	mux.HandleFunc(service.TaskTypeArchive, archiveWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
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
