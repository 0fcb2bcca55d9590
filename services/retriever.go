package services

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"class-chat-backend/internal/ai"
	"class-chat-backend/internal/config"
	"class-chat-backend/internal/logger"
	"class-chat-backend/models"
)

const (
	mmrLambda = 0.7

	// mmrReserveWait gates candidate re-embedding for the rerank; on
	// timeout the rerank is skipped, not the query.
	mmrReserveWait = 2 * time.Second

	retrieveReserveWait = 10 * time.Second
)

// VectorSearcher is the chunk-store surface retrieval needs. The
// embedding-carrying variant feeds the MMR rerank; the plain variant
// serves searches that never touch chunk vectors.
type VectorSearcher interface {
	VectorSearch(ctx context.Context, vector []float32, filter bson.M, k, numCandidates int) ([]models.SearchResult, error)
	VectorSearchWithEmbeddings(ctx context.Context, vector []float32, filter bson.M, k, numCandidates int) ([]models.SearchResult, error)
	FindByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.Chunk, error)
}

// RetrievedChunk is a chunk selected for prompting, with its display
// number assigned in final rank order.
type RetrievedChunk struct {
	Chunk         models.Chunk
	Score         float64
	DisplayNumber int
}

// ToPayloads renders retrieved chunks in wire form.
func ToPayloads(chunks []RetrievedChunk) []models.ChunkPayload {
	out := make([]models.ChunkPayload, len(chunks))
	for i, rc := range chunks {
		out[i] = models.ChunkPayload{
			ID:          rc.Chunk.ID.Hex(),
			ChunkNumber: rc.DisplayNumber,
			Text:        rc.Chunk.Text,
			PageNumber:  rc.Chunk.PageNumber,
			DocID:       rc.Chunk.DocID,
		}
	}
	return out
}

// Retriever embeds the query, runs the vector search, dedups and
// MMR-reranks the candidates.
type Retriever struct {
	searcher VectorSearcher
	embedder Embedder
	gen      Generator
	ledger   TokenReserver
	cfg      *config.Config
}

func NewRetriever(searcher VectorSearcher, embedder Embedder, gen Generator, ledger TokenReserver, cfg *config.Config) *Retriever {
	return &Retriever{
		searcher: searcher,
		embedder: embedder,
		gen:      gen,
		ledger:   ledger,
		cfg:      cfg,
	}
}

// Retrieve runs the full retrieval flow for non-follow-up routes.
// Returns ErrBusy when the embedding budget cannot be reserved and
// ErrNoHit when nothing survives the similarity floor and dedup.
func (r *Retriever) Retrieve(ctx context.Context, req models.QueryRequest, route Route, params RouteParams) ([]RetrievedChunk, error) {
	query := req.UserQuery
	if route != RouteFollowUp {
		query = r.rephrase(ctx, query)
	}

	if !r.ledger.TryAcquire(ctx, ai.EstimateTokens(query), retrieveReserveWait) {
		return nil, ErrBusy
	}
	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, &LLMError{Err: err}
	}

	filter := bson.M{
		"user_id":    req.UserID,
		"is_summary": false,
	}
	if scopePresent(req.DocID) {
		filter["doc_id"] = req.DocID
	} else if scopePresent(req.ClassName) {
		filter["class_id"] = req.ClassName
	}

	// Chunk embeddings are only needed when the MMR rerank will run.
	var results []models.SearchResult
	if r.cfg.RerankingEnabled {
		results, err = r.searcher.VectorSearchWithEmbeddings(ctx, vector, filter, params.K, params.NumCandidates)
	} else {
		results, err = r.searcher.VectorSearch(ctx, vector, filter, params.K, params.NumCandidates)
	}
	if err != nil {
		return nil, err
	}

	results = filterBySimilarity(results, r.cfg.MinSimilarity)
	results = dedupeByDocPage(results)
	if len(results) == 0 {
		return nil, ErrNoHit
	}

	if r.cfg.RerankingEnabled && len(results) > 1 {
		results = r.rerank(ctx, results, params.K)
	} else if len(results) > params.K {
		results = results[:params.K]
	}

	retrieved := make([]RetrievedChunk, len(results))
	for i, res := range results {
		res.Embedding = nil
		retrieved[i] = RetrievedChunk{Chunk: res.Chunk, Score: res.Score, DisplayNumber: i + 1}
	}
	return retrieved, nil
}

// RehydrateFollowUp reloads the chunks behind the previous assistant
// turn's references, preserving their display and page numbers. No
// vector search is involved.
func (r *Retriever) RehydrateFollowUp(ctx context.Context, history []models.ChatTurn) ([]RetrievedChunk, error) {
	refs := lastAssistantReferences(history)
	if len(refs) == 0 {
		return nil, ErrNeedsContext
	}

	ids := make([]primitive.ObjectID, 0, len(refs))
	byHex := make(map[string]models.ChunkReference, len(refs))
	for _, ref := range refs {
		oid, err := primitive.ObjectIDFromHex(ref.ChunkID)
		if err != nil {
			logger.Warn("Skipping malformed chunk reference", "chunk_id", ref.ChunkID)
			continue
		}
		ids = append(ids, oid)
		byHex[ref.ChunkID] = ref
	}
	if len(ids) == 0 {
		return nil, ErrNeedsContext
	}

	chunks, err := r.searcher.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	retrieved := make([]RetrievedChunk, 0, len(chunks))
	for _, c := range chunks {
		ref := byHex[c.ID.Hex()]
		if ref.PageNumber != nil {
			c.PageNumber = ref.PageNumber
		}
		c.Embedding = nil
		retrieved = append(retrieved, RetrievedChunk{
			Chunk:         c,
			DisplayNumber: ref.DisplayNumber,
		})
	}
	if len(retrieved) == 0 {
		return nil, ErrNeedsContext
	}
	return retrieved, nil
}

// rephrase strips retrieval-irrelevant phrasing from the query with a
// small model call. Best effort: any failure keeps the original.
func (r *Retriever) rephrase(ctx context.Context, query string) string {
	if !r.ledger.TryAcquire(ctx, ai.EstimateTokens(query)+64, mmrReserveWait) {
		return query
	}
	out, err := r.gen.Generate(ctx, ai.GenerateRequest{
		Model:           r.cfg.RouterModel,
		Prompt:          rephrasePrompt(query),
		Temperature:     0,
		MaxOutputTokens: 64,
	})
	if err != nil || strings.TrimSpace(out) == "" {
		return query
	}
	return strings.TrimSpace(out)
}

// rerank applies MMR over the candidate set. Candidates missing stored
// embeddings are re-embedded, gated on a short token reservation; if
// the gate or the embed fails, search order stands.
func (r *Retriever) rerank(ctx context.Context, results []models.SearchResult, k int) []models.SearchResult {
	var missing []int
	for i, res := range results {
		if len(res.Embedding) == 0 {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for i, idx := range missing {
			texts[i] = results[idx].Text
		}
		if !r.ledger.TryAcquire(ctx, ai.EstimateTokensAll(texts), mmrReserveWait) {
			logger.Debug("MMR embedding budget unavailable, keeping search order")
			if len(results) > k {
				return results[:k]
			}
			return results
		}
		vectors, err := r.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			logger.Debug("MMR candidate embedding failed, keeping search order", "error", err)
			if len(results) > k {
				return results[:k]
			}
			return results
		}
		for i, idx := range missing {
			results[idx].Embedding = vectors[i]
		}
	}
	return MMRRerank(results, k, mmrLambda)
}

// MMRRerank selects up to k results maximizing
// lambda*sim(q,d) - (1-lambda)*max sim(d, selected). The seed is the
// top query-similarity candidate; ties break by insertion order.
func MMRRerank(results []models.SearchResult, k int, lambda float64) []models.SearchResult {
	if len(results) == 0 {
		return results
	}
	if k > len(results) {
		k = len(results)
	}

	// Seed with the best query similarity; input order is the
	// tie-break.
	seed := 0
	for i, res := range results {
		if res.Score > results[seed].Score {
			seed = i
		}
	}

	selected := []models.SearchResult{results[seed]}
	remaining := make([]models.SearchResult, 0, len(results)-1)
	remaining = append(remaining, results[:seed]...)
	remaining = append(remaining, results[seed+1:]...)

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := 0
		bestScore := mmrScore(remaining[0], selected, lambda)
		for i := 1; i < len(remaining); i++ {
			score := mmrScore(remaining[i], selected, lambda)
			if score > bestScore {
				bestIdx = i
				bestScore = score
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func mmrScore(candidate models.SearchResult, selected []models.SearchResult, lambda float64) float64 {
	maxSim := 0.0
	for _, s := range selected {
		if sim := cosineSimilarity(candidate.Embedding, s.Embedding); sim > maxSim {
			maxSim = sim
		}
	}
	return lambda*candidate.Score - (1-lambda)*maxSim
}

func filterBySimilarity(results []models.SearchResult, floor float64) []models.SearchResult {
	out := results[:0:0]
	for _, res := range results {
		if res.Score >= floor {
			out = append(out, res)
		}
	}
	return out
}

// dedupeByDocPage drops later results sharing (doc_id, page_number)
// with an earlier one. First wins.
func dedupeByDocPage(results []models.SearchResult) []models.SearchResult {
	type key struct {
		docID string
		page  int
	}
	seen := make(map[key]bool, len(results))
	out := results[:0:0]
	for _, res := range results {
		page := -1
		if res.PageNumber != nil {
			page = *res.PageNumber
		}
		k := key{docID: res.DocID, page: page}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, res)
	}
	return out
}

func lastAssistantReferences(history []models.ChatTurn) []models.ChunkReference {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" || history[i].Role == "model" {
			if len(history[i].ChunkReferences) > 0 {
				return history[i].ChunkReferences
			}
		}
	}
	return nil
}
