package main

import (
	"context"
	"log"

	"github.com/hibiken/asynq"

	"class-chat-backend/internal/ai"
	"class-chat-backend/internal/config"
	"class-chat-backend/internal/logger"
	"class-chat-backend/internal/objectstore"
	"class-chat-backend/internal/queue"
	"class-chat-backend/internal/ratelimit"
	"class-chat-backend/internal/store"
	"class-chat-backend/internal/telemetry"
	"class-chat-backend/services"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger.InitLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer("class-chat-worker", cfg.OTLPEndpoint)
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
	defer mongoClient.Disconnect(context.Background())

	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer rdb.Close()

	// Initialize Gemini client
	aiClient, err := ai.NewClient(cfg)
	if err != nil {
		log.Fatal("Failed to initialize Gemini client:", err)
	}
	defer aiClient.Close()

	blobs, err := objectstore.New(context.Background(), cfg)
	if err != nil {
		log.Fatal("Failed to initialize S3 client:", err)
	}

	db := mongoClient.Database(cfg.DBName)
	chunks := store.NewChunkStore(db, cfg.ChunkCollection, cfg.VectorIndexName)
	docs := store.NewDocumentStore(db, cfg.DocsCollection)
	ledger := ratelimit.NewLedger(rdb, cfg.TPMLimit)

	chunker := services.NewChunker(aiClient, ledger)
	ingestor := services.NewIngestService(blobs, chunker, aiClient, ledger, chunks, docs, cfg.ContextualHeadersEnabled)
	summarizer := services.NewSummaryService(chunks, docs, aiClient, aiClient, ledger, cfg)

	// Redis options for Asynq
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	tasks := queue.NewClient(redisOpt)
	defer tasks.Close()

	// Create Asynq server. Strict priority keeps fresh uploads ahead of
	// the summary backlog.
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency:    10,
			Queues:         queue.QueuePriorities,
			StrictPriority: true,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task failed", "task_type", task.Type(), "error", err)
			}),
		},
	)

	// Create task processor
	processor := queue.NewTaskProcessor(ingestor, summarizer, tasks)

	// Create mux and register handlers
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskIngestDocument, processor.HandleIngest)
	mux.HandleFunc(queue.TaskSummarizeDocument, processor.HandleSummary)

	logger.Info("Starting worker", "concurrency", 10, "redis", redisOpt.Addr)

	// Start the server
	if err := server.Run(mux); err != nil {
		log.Fatal("Failed to start worker:", err)
	}
}
