package services

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"class-chat-backend/internal/ai"
	"class-chat-backend/internal/logger"
	"class-chat-backend/internal/store"
	"class-chat-backend/models"
)

const (
	// batchChars flushes an embedding batch once its running character
	// count reaches this.
	batchChars = 8000

	embedMaxRetries = 2
	embedRetrySleep = 1500 * time.Millisecond

	ingestReserveWait = 30 * time.Second
)

// BlobStore is the object-store surface ingestion needs: reading the
// upload back and writing derived artifacts.
type BlobStore interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// ChunkInserter persists embedded chunk batches.
type ChunkInserter interface {
	InsertBatch(ctx context.Context, chunks []models.Chunk) (store.InsertResult, error)
}

// IngestDocStore is the document-metadata surface ingestion touches.
type IngestDocStore interface {
	SetProcessing(ctx context.Context, userID, docID string, processing bool) error
	SetPDFS3Key(ctx context.Context, userID, docID, key string) error
}

// IngestMetrics is emitted as one structured log line per ingest run.
type IngestMetrics struct {
	PagesTotal          int
	PagesEmpty          int
	ParagraphsTotal     int
	ChunksProduced      int64
	ChunksInserted      int64
	DuplicatesSkipped   int64
	EmbedBatches        int64
	EmbedLatencyMsTotal int64
	InsertRetriesTotal  int64
	TotalChars          int64
	MaxChunkChars       int64
}

// IngestService runs the parse, chunk, embed, persist pipeline for one
// uploaded document.
type IngestService struct {
	blobs    BlobStore
	chunker  *Chunker
	embedder Embedder
	ledger   TokenReserver
	chunks   ChunkInserter
	docs     IngestDocStore

	contextualHeaders bool
}

func NewIngestService(blobs BlobStore, chunker *Chunker, embedder Embedder, ledger TokenReserver, chunks ChunkInserter, docs IngestDocStore, contextualHeaders bool) *IngestService {
	return &IngestService{
		blobs:             blobs,
		chunker:           chunker,
		embedder:          embedder,
		ledger:            ledger,
		chunks:            chunks,
		docs:              docs,
		contextualHeaders: contextualHeaders,
	}
}

// pendingChunk is a chunk candidate before embedding.
type pendingChunk struct {
	Text       string
	Original   string
	PageNumber int
	Hash       string
}

// Ingest fetches the document, parses it, and runs the concurrent
// chunk/embed/persist pipeline. isProcessing is cleared on completion,
// success or partial.
func (s *IngestService) Ingest(ctx context.Context, job models.IngestJob) error {
	defer func() {
		clearCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.docs.SetProcessing(clearCtx, job.UserID, job.DocID, false); err != nil {
			logger.Error("Failed to clear isProcessing", "doc_id", job.DocID, "error", err)
		}
	}()

	data, err := s.blobs.Fetch(ctx, job.S3Key)
	if err != nil {
		return fmt.Errorf("failed to fetch document: %w", err)
	}

	format, err := DetectFormat(job.S3Key)
	if err != nil {
		return err
	}
	parser, err := ParserFor(format)
	if err != nil {
		return err
	}

	units, err := parser.Extract(data)
	if err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}
	meta := parser.Metadata(data)
	stats := parser.Stats(units)

	metrics := &IngestMetrics{}
	if format == FormatPDF {
		metrics.PagesTotal = stats.UnitsTotal
		metrics.PagesEmpty = stats.UnitsEmpty
	} else {
		metrics.ParagraphsTotal = stats.UnitsTotal
	}

	if err := s.runPipeline(ctx, job, format, meta, units, metrics); err != nil {
		return err
	}

	if format == FormatDOCX {
		s.convertDOCXArtifact(ctx, job, data)
	}

	logger.Info("Ingest metrics",
		"tag", "ingest",
		"doc_id", job.DocID,
		"pages_total", metrics.PagesTotal,
		"pages_empty", metrics.PagesEmpty,
		"paragraphs_total", metrics.ParagraphsTotal,
		"chunks_produced", metrics.ChunksProduced,
		"chunks_inserted", metrics.ChunksInserted,
		"duplicates_skipped", metrics.DuplicatesSkipped,
		"embed_batches", metrics.EmbedBatches,
		"embed_latency_ms_total", metrics.EmbedLatencyMsTotal,
		"insert_retries_total", metrics.InsertRetriesTotal,
		"total_chars", metrics.TotalChars,
		"max_chunk_chars", metrics.MaxChunkChars,
	)
	return nil
}

// runPipeline wires the producer pool, the batcher and the single
// consumer. The closed batch channel is the consumer's termination
// sentinel; the orchestrator joins the consumer before returning.
func (s *IngestService) runPipeline(ctx context.Context, job models.IngestJob, format string, meta DocumentMetadata, units []ParsedUnit, metrics *IngestMetrics) error {
	unitCh := make(chan ParsedUnit)
	produced := make(chan pendingChunk, 64)
	batches := make(chan []pendingChunk, 4)

	workers := runtime.NumCPU()
	if workers > len(units) && len(units) > 0 {
		workers = len(units)
	}
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for unit := range unitCh {
				s.produceUnit(gctx, format, meta, job, unit, produced, metrics)
			}
			return nil
		})
	}

	// Feed units to the pool.
	go func() {
		defer close(unitCh)
		for _, u := range units {
			select {
			case unitCh <- u:
			case <-gctx.Done():
				return
			}
		}
	}()

	// Close the produced channel once the pool drains.
	go func() {
		_ = g.Wait()
		close(produced)
	}()

	// Batcher: accumulate by character count, flush at batchChars, then
	// flush the final partial batch and close as the sentinel.
	go func() {
		defer close(batches)
		var batch []pendingChunk
		chars := 0
		for p := range produced {
			batch = append(batch, p)
			chars += len(p.Text)
			if chars >= batchChars {
				batches <- batch
				batch = nil
				chars = 0
			}
		}
		if len(batch) > 0 {
			batches <- batch
		}
	}()

	s.consume(ctx, job, meta, format, batches, metrics)
	return nil
}

// produceUnit chunks one page or paragraph. Per-unit errors are logged
// and skipped; the ingest continues.
func (s *IngestService) produceUnit(ctx context.Context, format string, meta DocumentMetadata, job models.IngestJob, unit ParsedUnit, out chan<- pendingChunk, metrics *IngestMetrics) {
	text := unit.Text
	if len(text) == 0 {
		return
	}

	var pieces []string
	if format == FormatPDF {
		pieces = s.chunker.ChunkPage(ctx, text)
	} else {
		pieces = s.chunker.ChunkParagraph(text)
	}

	for _, piece := range pieces {
		if piece == "" {
			continue
		}
		original := piece
		if s.contextualHeaders {
			piece = ContextualHeader(fileNameFromKey(job.S3Key), meta.Title, unit.Number) + piece
		}
		p := pendingChunk{
			Text:       piece,
			Original:   original,
			PageNumber: unit.Number,
			Hash:       HashChunk(original),
		}
		atomic.AddInt64(&metrics.ChunksProduced, 1)
		atomic.AddInt64(&metrics.TotalChars, int64(len(piece)))
		for {
			max := atomic.LoadInt64(&metrics.MaxChunkChars)
			if int64(len(piece)) <= max || atomic.CompareAndSwapInt64(&metrics.MaxChunkChars, max, int64(len(piece))) {
				break
			}
		}
		select {
		case out <- p:
		case <-ctx.Done():
			return
		}
	}
}

// consume is the single consumer: per batch it reserves tokens, embeds
// with bounded retries, dedups by hash within the batch, and persists.
// A failed batch is dropped with an error log, not fatal to the run.
func (s *IngestService) consume(ctx context.Context, job models.IngestJob, meta DocumentMetadata, format string, batches <-chan []pendingChunk, metrics *IngestMetrics) {
	sourceType := models.SourcePDF
	if format == FormatDOCX {
		sourceType = models.SourceDOCX
	}

	for batch := range batches {
		deduped := dedupeBatch(batch, metrics)
		if len(deduped) == 0 {
			continue
		}

		texts := make([]string, len(deduped))
		for i, p := range deduped {
			texts[i] = p.Text
		}

		if !s.ledger.TryAcquire(ctx, ai.EstimateTokensAll(texts), ingestReserveWait) {
			logger.Error("Rate budget unavailable for embed batch, dropping",
				"doc_id", job.DocID, "batch_size", len(deduped))
			continue
		}

		vectors, latency, err := s.embedWithRetry(ctx, texts)
		if err != nil {
			logger.Error("Embed batch failed, dropping", "doc_id", job.DocID, "error", err)
			continue
		}
		atomic.AddInt64(&metrics.EmbedBatches, 1)
		atomic.AddInt64(&metrics.EmbedLatencyMsTotal, latency.Milliseconds())

		chunks := make([]models.Chunk, len(deduped))
		for i, p := range deduped {
			page := p.PageNumber
			chunks[i] = models.Chunk{
				UserID:       job.UserID,
				ClassID:      job.ClassID,
				DocID:        job.DocID,
				FileName:     fileNameFromKey(job.S3Key),
				Title:        meta.Title,
				Author:       meta.Author,
				PageNumber:   &page,
				SourceType:   sourceType,
				Text:         p.Text,
				OriginalText: p.Original,
				ChunkHash:    p.Hash,
				Embedding:    vectors[i],
			}
		}

		result, err := s.chunks.InsertBatch(ctx, chunks)
		atomic.AddInt64(&metrics.InsertRetriesTotal, int64(result.Retries))
		if err != nil {
			logger.Error("Insert batch failed, dropping", "doc_id", job.DocID, "error", err)
			continue
		}
		atomic.AddInt64(&metrics.ChunksInserted, int64(result.Inserted))
		atomic.AddInt64(&metrics.DuplicatesSkipped, int64(result.Duplicates))
	}
}

func (s *IngestService) embedWithRetry(ctx context.Context, texts []string) ([][]float32, time.Duration, error) {
	var lastErr error
	start := time.Now()
	for attempt := 0; attempt <= embedMaxRetries; attempt++ {
		vectors, err := s.embedder.EmbedTexts(ctx, texts)
		if err == nil {
			return vectors, time.Since(start), nil
		}
		lastErr = err
		if attempt < embedMaxRetries {
			select {
			case <-ctx.Done():
				return nil, time.Since(start), ctx.Err()
			case <-time.After(embedRetrySleep):
			}
		}
	}
	return nil, time.Since(start), lastErr
}

// dedupeBatch drops in-batch duplicates by chunk hash, first wins.
func dedupeBatch(batch []pendingChunk, metrics *IngestMetrics) []pendingChunk {
	seen := make(map[string]bool, len(batch))
	out := batch[:0:0]
	for _, p := range batch {
		if seen[p.Hash] {
			atomic.AddInt64(&metrics.DuplicatesSkipped, 1)
			continue
		}
		seen[p.Hash] = true
		out = append(out, p)
	}
	return out
}

// convertDOCXArtifact converts a DOCX upload to PDF so page citations
// stay clickable in the viewer. Best effort: requires a converter on
// PATH, and failures only log.
func (s *IngestService) convertDOCXArtifact(ctx context.Context, job models.IngestJob, data []byte) {
	pdfData, err := ConvertDOCXToPDF(ctx, data)
	if err != nil {
		logger.Warn("DOCX to PDF conversion unavailable", "doc_id", job.DocID, "error", err)
		return
	}

	key := job.S3Key + ".pdf"
	if err := s.blobs.Put(ctx, key, pdfData, "application/pdf"); err != nil {
		logger.Warn("Failed to store converted PDF", "doc_id", job.DocID, "error", err)
		return
	}
	if err := s.docs.SetPDFS3Key(ctx, job.UserID, job.DocID, key); err != nil {
		logger.Warn("Failed to record pdfS3Key", "doc_id", job.DocID, "error", err)
	}
}

func fileNameFromKey(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}
