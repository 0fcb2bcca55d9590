package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"class-chat-backend/internal/ai"
	"class-chat-backend/internal/config"
	"class-chat-backend/internal/logger"
	"class-chat-backend/internal/store"
	"class-chat-backend/models"
)

const (
	// mapBlockChars is the greedy block size for map-reduce.
	mapBlockChars = 8000

	// reduceFallbackChars caps the degraded output when the final reduce
	// call fails.
	reduceFallbackChars = 3000

	// classBatchTokens is the per-batch budget for hierarchical class
	// summarization.
	classBatchTokens = 6000

	sectionSeparator = "\n\n---\n\n"

	summaryReserveWait = 10 * time.Second
)

// Generator issues non-streaming model calls.
type Generator interface {
	Generate(ctx context.Context, req ai.GenerateRequest) (string, error)
}

// SummaryChunkStore is the chunk-store surface the summarizer uses.
type SummaryChunkStore interface {
	FindSummary(ctx context.Context, userID, docID string) (*models.Chunk, error)
	FindSectionSummaries(ctx context.Context, userID, docID string) ([]models.Chunk, error)
	FetchDocChunks(ctx context.Context, userID, docID string) ([]models.Chunk, error)
	FetchClassSummaries(ctx context.Context, userID, classID string) ([]models.Chunk, error)
	CountDocChunks(ctx context.Context, userID, docID string) (int64, error)
	InsertBatch(ctx context.Context, chunks []models.Chunk) (store.InsertResult, error)
}

// SummaryDocStore is the document-metadata surface the summarizer uses:
// lifecycle transitions plus metadata lookup for the file name carried
// on persisted summary chunks.
type SummaryDocStore interface {
	Get(ctx context.Context, userID, docID string) (*models.DocumentMeta, error)
	SetSummaryStatus(ctx context.Context, userID, docID, status string) error
}

// SummaryService builds document and class summaries: a fast path over
// stored section summaries, a slow chunk-based path with map-reduce for
// long documents, on-demand generation with chunk-store caching, and a
// condenser that re-styles a stored summary per user request.
type SummaryService struct {
	chunks   SummaryChunkStore
	docs     SummaryDocStore
	gen      Generator
	embedder Embedder
	ledger   TokenReserver
	cfg      *config.Config
}

func NewSummaryService(chunks SummaryChunkStore, docs SummaryDocStore, gen Generator, embedder Embedder, ledger TokenReserver, cfg *config.Config) *SummaryService {
	return &SummaryService{
		chunks:   chunks,
		docs:     docs,
		gen:      gen,
		embedder: embedder,
		ledger:   ledger,
		cfg:      cfg,
	}
}

// SummarizeDocument is the background queue handler: it drives the
// summaryStatus lifecycle and persists the result as a summary chunk.
func (s *SummaryService) SummarizeDocument(ctx context.Context, job models.SummaryJob) error {
	if err := s.docs.SetSummaryStatus(ctx, job.UserID, job.DocID, models.SummaryStatusProcessing); err != nil {
		return err
	}

	count, err := s.chunks.CountDocChunks(ctx, job.UserID, job.DocID)
	if err != nil {
		_ = s.docs.SetSummaryStatus(ctx, job.UserID, job.DocID, models.SummaryStatusFailed)
		return err
	}
	if count == 0 {
		logger.Info("No chunks to summarize", "doc_id", job.DocID)
		return s.docs.SetSummaryStatus(ctx, job.UserID, job.DocID, models.SummaryStatusNoChunks)
	}

	text, fromSections, err := s.buildDocumentSummary(ctx, job.UserID, job.DocID)
	if err != nil {
		_ = s.docs.SetSummaryStatus(ctx, job.UserID, job.DocID, models.SummaryStatusFailed)
		return err
	}

	fileName := job.FileName
	if fileName == "" {
		if meta, err := s.docs.Get(ctx, job.UserID, job.DocID); err == nil && meta != nil {
			fileName = meta.FileName
		}
	}

	sourceType := models.SourceSummary
	if fromSections {
		sourceType = models.SourceSectionSummary
	}
	if err := s.persistSummary(ctx, job.UserID, job.ClassID, job.DocID, fileName, text, sourceType); err != nil {
		_ = s.docs.SetSummaryStatus(ctx, job.UserID, job.DocID, models.SummaryStatusFailed)
		return err
	}
	return s.docs.SetSummaryStatus(ctx, job.UserID, job.DocID, models.SummaryStatusReady)
}

// GetOrGenerateDocSummary returns the cached document summary, building
// and persisting it inline on first request.
func (s *SummaryService) GetOrGenerateDocSummary(ctx context.Context, userID, classID, docID, fileName string) (*models.Chunk, error) {
	cached, err := s.chunks.FindSummary(ctx, userID, docID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	if fileName == "" {
		if meta, err := s.docs.Get(ctx, userID, docID); err == nil && meta != nil {
			fileName = meta.FileName
		}
	}

	text, fromSections, err := s.buildDocumentSummary(ctx, userID, docID)
	if err != nil {
		return nil, err
	}

	sourceType := models.SourceOnDemand
	if fromSections {
		sourceType = models.SourceOnDemandSections
	}
	if err := s.persistSummary(ctx, userID, classID, docID, fileName, text, sourceType); err != nil {
		// The summary itself is usable even if caching failed.
		logger.Warn("Failed to cache on-demand summary", "doc_id", docID, "error", err)
	}
	return &models.Chunk{
		UserID:     userID,
		ClassID:    classID,
		DocID:      docID,
		FileName:   fileName,
		SourceType: sourceType,
		IsSummary:  true,
		Text:       text,
	}, nil
}

// buildDocumentSummary prefers combining stored section summaries; the
// slow path works from raw chunks, switching to map-reduce past the
// single-request token ceiling.
func (s *SummaryService) buildDocumentSummary(ctx context.Context, userID, docID string) (string, bool, error) {
	sections, err := s.chunks.FindSectionSummaries(ctx, userID, docID)
	if err != nil {
		return "", false, err
	}
	if len(sections) > 0 {
		texts := make([]string, len(sections))
		for i, c := range sections {
			texts[i] = c.Text
		}
		out, err := s.callModel(ctx, sectionCombinePrompt(strings.Join(texts, sectionSeparator)))
		return out, true, err
	}

	chunks, err := s.chunks.FetchDocChunks(ctx, userID, docID)
	if err != nil {
		return "", false, err
	}
	if len(chunks) == 0 {
		return "", false, ErrNoChunks
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
		if c.OriginalText != "" {
			texts[i] = c.OriginalText
		}
	}
	content := strings.Join(texts, "\n\n")

	if ai.EstimateTokens(content) <= s.cfg.MaxTokensPerRequest {
		out, err := s.callModel(ctx, documentSummaryPrompt(content))
		return out, false, err
	}
	out, err := s.mapReduce(ctx, texts)
	return out, false, err
}

// mapReduce groups chunk texts greedily into blocks, summarizes each,
// then reduces. A failed reduce degrades to a truncated concatenation
// of the intermediates instead of failing the whole summary.
func (s *SummaryService) mapReduce(ctx context.Context, texts []string) (string, error) {
	var (
		blocks  []string
		current strings.Builder
	)
	for _, t := range texts {
		if current.Len() > 0 && current.Len()+len(t) > mapBlockChars {
			blocks = append(blocks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(t)
	}
	if current.Len() > 0 {
		blocks = append(blocks, current.String())
	}

	intermediates := make([]string, 0, len(blocks))
	for i, block := range blocks {
		out, err := s.callModel(ctx, blockSummaryPrompt(block))
		if err != nil {
			return "", fmt.Errorf("map step %d/%d: %w", i+1, len(blocks), err)
		}
		intermediates = append(intermediates, out)
	}

	concat := strings.Join(intermediates, "\n\n")
	out, err := s.callModel(ctx, reducePrompt(concat))
	if err != nil {
		logger.Warn("Reduce step failed, returning truncated intermediates", "error", err)
		if len(concat) > reduceFallbackChars {
			return concat[:reduceFallbackChars], nil
		}
		return concat, nil
	}
	return out, nil
}

// ClassSummary summarizes every document summary in a class, going
// hierarchical when the input exceeds the class token budget. Inputs
// past the hierarchical ceiling fail fast with no model call.
func (s *SummaryService) ClassSummary(ctx context.Context, userID, classID, query string) (string, error) {
	summaries, err := s.chunks.FetchClassSummaries(ctx, userID, classID)
	if err != nil {
		return "", err
	}
	if len(summaries) == 0 {
		return "", ErrNoChunks
	}

	texts := make([]string, len(summaries))
	for i, c := range summaries {
		texts[i] = c.Text
	}
	joined := strings.Join(texts, sectionSeparator)
	est := ai.EstimateTokens(joined)

	if est > s.cfg.MaxHierarchicalInputTokens {
		return "", ErrClassTooLarge
	}

	if est > s.cfg.MaxClassSummaryTokens && s.cfg.HierarchicalClassSummary {
		return s.hierarchicalClassSummary(ctx, texts, query)
	}
	return s.callModel(ctx, classSummaryPrompt(joined, query))
}

func (s *SummaryService) hierarchicalClassSummary(ctx context.Context, texts []string, query string) (string, error) {
	var (
		batches []string
		current strings.Builder
	)
	for _, t := range texts {
		if current.Len() > 0 && ai.EstimateTokens(current.String())+ai.EstimateTokens(t) > classBatchTokens {
			batches = append(batches, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(sectionSeparator)
		}
		current.WriteString(t)
	}
	if current.Len() > 0 {
		batches = append(batches, current.String())
	}

	condensed := make([]string, 0, len(batches))
	for i, batch := range batches {
		out, err := s.callModel(ctx, blockSummaryPrompt(batch))
		if err != nil {
			return "", fmt.Errorf("class batch %d/%d: %w", i+1, len(batches), err)
		}
		condensed = append(condensed, out)
	}
	return s.callModel(ctx, classSummaryPrompt(strings.Join(condensed, sectionSeparator), query))
}

// Condense re-styles a stored summary per the user's request. Used when
// the summary overruns the prompt budget or the request carries style
// instructions.
func (s *SummaryService) Condense(ctx context.Context, summary, query string) (string, error) {
	return s.callModel(ctx, condensePrompt(summary, query))
}

// NeedsCondensing reports whether a stored summary should pass through
// the condenser for this request.
func (s *SummaryService) NeedsCondensing(summary, query string) bool {
	if ai.EstimateTokens(summary) > s.cfg.MaxPromptTokens {
		return true
	}
	q := strings.ToLower(query)
	for _, hint := range []string{"bullet", "glossary", "short", "brief", "outline", "flashcard", "simple"} {
		if strings.Contains(q, hint) {
			return true
		}
	}
	return false
}

func (s *SummaryService) callModel(ctx context.Context, prompt string) (string, error) {
	maxOut := s.cfg.RAGMaxTokensSum
	if !s.ledger.TryAcquire(ctx, ai.EstimateTokens(prompt)+maxOut, summaryReserveWait) {
		return "", ErrBusy
	}

	out, err := s.gen.Generate(ctx, ai.GenerateRequest{
		Model:           s.cfg.ModelForRoute("summary"),
		Prompt:          prompt,
		Temperature:     float32(s.cfg.RAGTempSum),
		MaxOutputTokens: int32(maxOut),
	})
	if err != nil {
		return "", &LLMError{Err: err}
	}
	return strings.TrimSpace(out), nil
}

// persistSummary embeds the summary and stores it as a summary chunk so
// later requests hit the cache.
func (s *SummaryService) persistSummary(ctx context.Context, userID, classID, docID, fileName, text, sourceType string) error {
	if !s.ledger.TryAcquire(ctx, ai.EstimateTokens(text), summaryReserveWait) {
		return ErrBusy
	}
	vector, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to embed summary: %w", err)
	}

	chunk := models.Chunk{
		UserID:      userID,
		ClassID:     classID,
		DocID:       docID,
		FileName:    fileName,
		SourceType:  sourceType,
		IsSummary:   true,
		SummaryType: models.SummaryTypeDocument,
		Text:        text,
		Embedding:   vector,
	}
	_, err = s.chunks.InsertBatch(ctx, []models.Chunk{chunk})
	return err
}
