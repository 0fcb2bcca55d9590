package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"class-chat-backend/internal/ai"
	"class-chat-backend/internal/config"
	"class-chat-backend/internal/logger"
	"class-chat-backend/internal/queue"
	"class-chat-backend/internal/ratelimit"
	"class-chat-backend/internal/store"
	"class-chat-backend/internal/telemetry"
	"class-chat-backend/middleware"
	"class-chat-backend/routes"
	"class-chat-backend/services"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger.InitLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer("class-chat-api", cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("Tracing disabled", "error", err)
	} else {
		defer shutdownTracer()
	}

	// Connect to MongoDB
	mongoClient, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mongoClient.Disconnect(ctx)
	}()

	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer rdb.Close()

	aiClient, err := ai.NewClient(cfg)
	if err != nil {
		log.Fatal("Failed to create Gemini client:", err)
	}
	defer aiClient.Close()

	db := mongoClient.Database(cfg.DBName)
	chunks := store.NewChunkStore(db, cfg.ChunkCollection, cfg.VectorIndexName)
	docs := store.NewDocumentStore(db, cfg.DocsCollection)

	ledger := ratelimit.NewLedger(rdb, cfg.TPMLimit)

	tasks := queue.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer tasks.Close()

	router := services.NewRouter(aiClient, services.NewRedisRouteCache(rdb), cfg)
	retriever := services.NewRetriever(chunks, aiClient, aiClient, ledger, cfg)
	summaries := services.NewSummaryService(chunks, docs, aiClient, aiClient, ledger, cfg)
	answers := services.NewAnswerService(router, retriever, summaries, aiClient, ledger, cfg)

	// Initialize Gin router
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"}
	corsConfig.AllowCredentials = true
	engine.Use(cors.New(corsConfig))

	engine.Use(middleware.RequestIDMiddleware())
	engine.Use(middleware.RateLimitMiddleware(rdb, cfg))

	// Health check endpoint
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})

	// Setup routes
	routes.SetupQueryRoutes(engine, answers)
	routes.SetupDocumentRoutes(engine, docs, tasks)

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
	logger.Info("Server exited")
}
