package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	genai "github.com/google/generative-ai-go/genai"

	"class-chat-backend/internal/config"
	"class-chat-backend/internal/logger"
)

// Client wraps the Gemini SDK with a circuit breaker, a client-side RPM
// limiter and tracing. It is created once at startup and shared; all
// fields are immutable after construction.
type Client struct {
	client         *genai.Client
	breaker        *gobreaker.CircuitBreaker
	rateLimiter    *rate.Limiter
	embeddingModel string
	tier           string
}

type RateLimits struct {
	RPM int // Requests per minute
	TPM int // Tokens per minute
	RPD int // Requests per day
}

// GenerateRequest carries everything needed for one model call.
type GenerateRequest struct {
	Model           string
	System          string
	Prompt          string
	History         []Turn
	Temperature     float32
	MaxOutputTokens int32
}

// Turn is one prior exchange passed as chat history. Role is "user" or
// "model".
type Turn struct {
	Role    string
	Content string
}

func NewClient(cfg *config.Config) (*Client, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, err
	}

	limits := getRateLimits(cfg.GeminiTier)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GeminiAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	// RPM limit with some buffer
	rateLimiter := rate.NewLimiter(rate.Limit(float64(limits.RPM)*0.9/60.0), limits.RPM/10)

	return &Client{
		client:         client,
		breaker:        breaker,
		rateLimiter:    rateLimiter,
		embeddingModel: cfg.GoogleEmbeddingsModel,
		tier:           cfg.GeminiTier,
	}, nil
}

func getRateLimits(tier string) RateLimits {
	switch tier {
	case "free":
		return RateLimits{RPM: 10, TPM: 250000, RPD: 250}
	case "tier1":
		return RateLimits{RPM: 1000, TPM: 1000000, RPD: 10000}
	case "tier2":
		return RateLimits{RPM: 2000, TPM: 4000000, RPD: 50000}
	default:
		return RateLimits{RPM: 10, TPM: 250000, RPD: 250}
	}
}

// EmbedTexts embeds a batch of texts in one request.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.embed_batch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("gemini.batch_size", len(texts)),
		attribute.String("gemini.model", c.embeddingModel),
	)

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		em := c.client.EmbeddingModel(c.embeddingModel)
		batch := em.NewBatch()
		for _, t := range texts {
			batch.AddContent(genai.Text(t))
		}
		resp, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != len(texts) {
			return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Embeddings), len(texts))
		}
		vectors := make([][]float32, len(resp.Embeddings))
		for i, e := range resp.Embeddings {
			vectors[i] = e.Values
		}
		return vectors, nil
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.error", true))
		return nil, err
	}
	return result.([][]float32), nil
}

// EmbedQuery embeds a single query text.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Generate issues a single non-streaming model call and returns the
// concatenated text parts.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.generate")
	defer span.End()
	span.SetAttributes(
		attribute.Int("gemini.estimated_tokens", EstimateTokens(req.Prompt)),
		attribute.String("gemini.model", req.Model),
	)

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return "", err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		model := c.buildModel(req)
		session := c.startChat(model, req.History)
		resp, err := session.SendMessage(ctx, genai.Text(req.Prompt))
		if err != nil {
			return nil, err
		}
		return responseText(resp), nil
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.error", true))
		return "", err
	}
	return result.(string), nil
}

// GenerateStream streams a model call, invoking onToken for each text
// delta, and returns the full answer. The callback runs on the calling
// goroutine between iterator receives.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest, onToken func(string)) (string, error) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.generate_stream")
	defer span.End()
	span.SetAttributes(
		attribute.Int("gemini.estimated_tokens", EstimateTokens(req.Prompt)),
		attribute.String("gemini.model", req.Model),
	)

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return "", err
	}

	model := c.buildModel(req)
	session := c.startChat(model, req.History)
	iter := session.SendMessageStream(ctx, genai.Text(req.Prompt))

	var full strings.Builder
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			span.SetAttributes(attribute.Bool("gemini.error", true))
			if full.Len() > 0 {
				// Partial stream; caller decides how to surface it.
				return full.String(), err
			}
			return "", err
		}
		delta := responseText(resp)
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onToken != nil {
			onToken(delta)
		}
	}

	span.SetAttributes(attribute.Int("gemini.answer_chars", full.Len()))
	return full.String(), nil
}

func (c *Client) buildModel(req GenerateRequest) *genai.GenerativeModel {
	model := c.client.GenerativeModel(req.Model)
	model.SetTemperature(req.Temperature)
	if req.MaxOutputTokens > 0 {
		model.SetMaxOutputTokens(req.MaxOutputTokens)
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	return model
}

func (c *Client) startChat(model *genai.GenerativeModel, history []Turn) *genai.ChatSession {
	session := model.StartChat()
	for _, turn := range history {
		role := turn.Role
		if role != "user" && role != "model" {
			role = "user"
		}
		session.History = append(session.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(turn.Content)},
		})
	}
	return session
}

func responseText(resp *genai.GenerateContentResponse) string {
	var out strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if text, ok := part.(genai.Text); ok {
					out.WriteString(string(text))
				}
			}
		}
	}
	return out.String()
}

// Close the client
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
