package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	MongoURI        string
	DBName          string
	ChunkCollection string
	DocsCollection  string

	GeminiAPIKey          string
	GeminiTier            string
	GoogleEmbeddingsModel string
	VectorDimensions      int
	VectorIndexName       string

	Port        string
	GinMode     string
	CORSOrigins []string

	// Redis Configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// HTTP rate limiting (per IP + endpoint)
	RateLimitReqs   int
	RateLimitWindow int

	// Shared tokens-per-minute ledger for model calls
	TPMLimit int

	// AWS S3 (uploaded documents)
	AWSRegion    string
	S3BucketName string
	BackendURL   string

	// Summarization thresholds
	MaxPromptTokens            int
	MaxTokensPerRequest        int
	MaxClassSummaryTokens      int
	MaxHierarchicalInputTokens int
	HierarchicalClassSummary   bool

	// Retrieval knobs, per route
	RAGK          int
	RAGKFollowup  int
	RAGKQuote     int
	RAGKGuide     int
	RAGKSum       int
	RAGCandidates int

	RAGTempGeneral  float64
	RAGTempFollowup float64
	RAGTempQuote    float64
	RAGTempGuide    float64
	RAGTempSum      float64

	RAGMaxTokens      int
	RAGMaxTokensQuote int
	RAGMaxTokensGuide int
	RAGMaxTokensSum   int

	MinSimilarity float64

	// RouteModels maps route name to model identifier; unset routes fall
	// back to DefaultChatModel.
	RouteModels      map[string]string
	DefaultChatModel string
	RouterModel      string

	// Streaming keep-alive: the stream's receive timeout, in seconds.
	KeepaliveIntervalS int

	// Feature flags
	ContextualHeadersEnabled bool
	RerankingEnabled         bool

	// OTel exporter endpoint; tracing is a no-op when empty.
	OTLPEndpoint string
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017/class_chat"),
		DBName:          getEnv("DB_NAME", "class_chat"),
		ChunkCollection: getEnv("CHUNK_COLLECTION", "study_materials"),
		DocsCollection:  getEnv("DOCS_COLLECTION", "documents"),

		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		GeminiTier:            getEnv("GEMINI_TIER", "tier1"),
		GoogleEmbeddingsModel: getEnv("GOOGLE_EMBEDDINGS_MODEL", "text-embedding-004"),
		VectorDimensions:      getEnvInt("VECTOR_DIM", 768),
		VectorIndexName:       getEnv("MONGODB_VECTOR_INDEX", "chunk_embedding_index"),

		Port:        getEnv("PORT", "8080"),
		GinMode:     getEnv("GIN_MODE", "debug"),
		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ","),

		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		RateLimitReqs:   getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow: getEnvInt("RATE_LIMIT_WINDOW", 60),

		TPMLimit: getEnvInt("TPM_LIMIT", 180000),

		AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
		S3BucketName: getEnv("AWS_S3_BUCKET_NAME", ""),
		BackendURL:   getEnv("BACKEND_URL", "http://localhost:3000/api/v1"),

		MaxPromptTokens:            getEnvInt("MAX_PROMPT_TOKENS", 8000),
		MaxTokensPerRequest:        getEnvInt("MAX_TOKENS_PER_REQUEST", 300000),
		MaxClassSummaryTokens:      getEnvInt("MAX_CLASS_SUMMARY_TOKENS", 12000),
		MaxHierarchicalInputTokens: getEnvInt("MAX_HIERARCHICAL_INPUT_TOKENS", 120000),
		HierarchicalClassSummary:   getEnvBool("HIERARCHICAL_CLASS_SUMMARY_ENABLED", true),

		RAGK:          getEnvInt("RAG_K", 12),
		RAGKFollowup:  getEnvInt("RAG_K_FOLLOWUP", 10),
		RAGKQuote:     getEnvInt("RAG_K_QUOTE", 20),
		RAGKGuide:     getEnvInt("RAG_K_GUIDE", 8),
		RAGKSum:       getEnvInt("RAG_K_SUM", 8),
		RAGCandidates: getEnvInt("RAG_CANDIDATES", 1000),

		RAGTempGeneral:  getEnvFloat64("RAG_TEMP_GENERAL", 0.2),
		RAGTempFollowup: getEnvFloat64("RAG_TEMP_FOLLOWUP", 0.2),
		RAGTempQuote:    getEnvFloat64("RAG_TEMP_QUOTE", 0.0),
		RAGTempGuide:    getEnvFloat64("RAG_TEMP_GUIDE", 0.3),
		RAGTempSum:      getEnvFloat64("RAG_TEMP_SUM", 0.2),

		RAGMaxTokens:      getEnvInt("RAG_MAX_TOKENS", 700),
		RAGMaxTokensQuote: getEnvInt("RAG_MAX_TOKENS_QUOTE", 400),
		RAGMaxTokensGuide: getEnvInt("RAG_MAX_TOKENS_GUIDE", 1200),
		RAGMaxTokensSum:   getEnvInt("RAG_MAX_TOKENS_SUM", 600),

		MinSimilarity: getEnvFloat64("MIN_SIMILARITY", 0.35),

		RouteModels:      parseRouteModels(getEnv("ROUTE_MODELS", "")),
		DefaultChatModel: getEnv("CHAT_MODEL", "gemini-2.0-flash"),
		RouterModel:      getEnv("ROUTER_MODEL", "gemini-2.0-flash-lite"),

		KeepaliveIntervalS: getEnvInt("KEEPALIVE_INTERVAL_S", 1),

		ContextualHeadersEnabled: getEnvBool("CONTEXTUAL_HEADERS_ENABLED", false),
		RerankingEnabled:         getEnvBool("RERANKING_ENABLED", true),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	// Validate required fields
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required - set it in .env file")
	}

	if cfg.TPMLimit <= 0 {
		return nil, fmt.Errorf("TPM_LIMIT must be positive, got %d", cfg.TPMLimit)
	}

	return cfg, nil
}

// ModelForRoute resolves the model identifier for a route name.
func (c *Config) ModelForRoute(route string) string {
	if m, ok := c.RouteModels[route]; ok && m != "" {
		return m
	}
	return c.DefaultChatModel
}

// parseRouteModels parses "route=model,route=model" pairs.
func parseRouteModels(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 && kv[0] != "" && kv[1] != "" {
			out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
