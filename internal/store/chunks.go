package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"class-chat-backend/internal/logger"
	"class-chat-backend/models"
)

const (
	insertMaxAttempts = 3
	insertBackoff     = 750 * time.Millisecond
)

// ChunkStore persists chunks and serves Atlas $vectorSearch queries.
// vectorIndex must match the Atlas Search index on the collection
// (type vectorSearch, path "embedding", cosine).
type ChunkStore struct {
	col         *mongo.Collection
	vectorIndex string
}

func NewChunkStore(db *mongo.Database, collection, vectorIndex string) *ChunkStore {
	return &ChunkStore{col: db.Collection(collection), vectorIndex: vectorIndex}
}

// InsertResult reports the outcome of one InsertBatch call.
type InsertResult struct {
	Inserted   int
	Duplicates int
	Retries    int
}

// InsertBatch writes a batch of chunks with unordered inserts so that
// duplicate-key errors on chunk_hash skip already stored chunks without
// failing the batch. Transient errors are retried up to three times
// with linear back-off.
func (s *ChunkStore) InsertBatch(ctx context.Context, chunks []models.Chunk) (InsertResult, error) {
	var result InsertResult
	if len(chunks) == 0 {
		return result, nil
	}

	docs := make([]interface{}, len(chunks))
	for i := range chunks {
		docs[i] = chunks[i]
	}

	opts := options.InsertMany().SetOrdered(false)

	var lastErr error
	for attempt := 1; attempt <= insertMaxAttempts; attempt++ {
		res, err := s.col.InsertMany(ctx, docs, opts)
		if err == nil {
			result.Inserted = len(res.InsertedIDs)
			return result, nil
		}

		if inserted, dups, ok := splitDuplicateErrors(err, len(chunks)); ok {
			result.Inserted = inserted
			result.Duplicates = dups
			return result, nil
		}

		lastErr = err
		result.Retries++
		logger.Warn("Chunk insert failed, retrying",
			"attempt", attempt, "batch_size", len(chunks), "error", err)
		if attempt < insertMaxAttempts {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(insertBackoff * time.Duration(attempt)):
			}
		}
	}
	return result, lastErr
}

// splitDuplicateErrors reports whether every write error in a bulk
// failure was a duplicate-key violation, in which case the batch is
// treated as a success with the duplicates skipped.
func splitDuplicateErrors(err error, batchSize int) (inserted, duplicates int, allDup bool) {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return 0, 0, false
	}
	for _, we := range bwe.WriteErrors {
		if !mongo.IsDuplicateKeyError(we.WriteError) {
			return 0, 0, false
		}
	}
	duplicates = len(bwe.WriteErrors)
	return batchSize - duplicates, duplicates, true
}

// VectorSearch runs a $vectorSearch over the chunk embeddings and
// returns results with their similarity scores, best first. The filter
// narrows the search scope (user, class or document, summary flag).
func (s *ChunkStore) VectorSearch(ctx context.Context, vector []float32, filter bson.M, k, numCandidates int) ([]models.SearchResult, error) {
	search := bson.M{
		"index":         s.vectorIndex,
		"path":          "embedding",
		"queryVector":   vector,
		"numCandidates": numCandidates,
		"limit":         k,
	}
	if len(filter) > 0 {
		search["filter"] = filter
	}

	pipeline := []bson.M{
		{"$vectorSearch": search},
		{"$addFields": bson.M{"score": bson.M{"$meta": "vectorSearchScore"}}},
		{"$project": bson.M{"embedding": 0}},
	}

	cursor, err := s.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []models.SearchResult
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// VectorSearchWithEmbeddings is VectorSearch but keeps the stored
// embeddings on each result, for rerankers that need chunk vectors.
func (s *ChunkStore) VectorSearchWithEmbeddings(ctx context.Context, vector []float32, filter bson.M, k, numCandidates int) ([]models.SearchResult, error) {
	search := bson.M{
		"index":         s.vectorIndex,
		"path":          "embedding",
		"queryVector":   vector,
		"numCandidates": numCandidates,
		"limit":         k,
	}
	if len(filter) > 0 {
		search["filter"] = filter
	}

	pipeline := []bson.M{
		{"$vectorSearch": search},
		{"$addFields": bson.M{"score": bson.M{"$meta": "vectorSearchScore"}}},
	}

	cursor, err := s.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []models.SearchResult
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// FindSummary returns the stored document-level summary chunk, or nil
// when none exists yet.
func (s *ChunkStore) FindSummary(ctx context.Context, userID, docID string) (*models.Chunk, error) {
	filter := bson.M{
		"user_id":      userID,
		"doc_id":       docID,
		"is_summary":   true,
		"summary_type": models.SummaryTypeDocument,
	}
	var chunk models.Chunk
	err := s.col.FindOne(ctx, filter).Decode(&chunk)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

// FindSectionSummaries returns the per-section summaries of a document
// in section order.
func (s *ChunkStore) FindSectionSummaries(ctx context.Context, userID, docID string) ([]models.Chunk, error) {
	filter := bson.M{
		"user_id":      userID,
		"doc_id":       docID,
		"is_summary":   true,
		"summary_type": models.SummaryTypeSection,
	}
	opts := options.Find().SetSort(bson.D{{Key: "section_index", Value: 1}})
	cursor, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var chunks []models.Chunk
	if err := cursor.All(ctx, &chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

// FindByIDs fetches chunks by id, used to rehydrate the chunks behind a
// prior answer's citations. Order follows the input ids.
func (s *ChunkStore) FindByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := s.col.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var found []models.Chunk
	if err := cursor.All(ctx, &found); err != nil {
		return nil, err
	}

	byID := make(map[primitive.ObjectID]models.Chunk, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	ordered := make([]models.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

// FetchClassSummaries returns every document-level summary in a class.
func (s *ChunkStore) FetchClassSummaries(ctx context.Context, userID, classID string) ([]models.Chunk, error) {
	filter := bson.M{
		"user_id":      userID,
		"class_id":     classID,
		"is_summary":   true,
		"summary_type": models.SummaryTypeDocument,
	}
	cursor, err := s.col.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var chunks []models.Chunk
	if err := cursor.All(ctx, &chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

// FetchDocChunks returns every non-summary chunk of a document in page
// order, used by the summarizer's slow path.
func (s *ChunkStore) FetchDocChunks(ctx context.Context, userID, docID string) ([]models.Chunk, error) {
	filter := bson.M{
		"user_id":    userID,
		"doc_id":     docID,
		"is_summary": false,
	}
	opts := options.Find().SetSort(bson.D{{Key: "page_number", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var chunks []models.Chunk
	if err := cursor.All(ctx, &chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

// DeleteSummaries removes stored summaries of a document so they can
// be regenerated.
func (s *ChunkStore) DeleteSummaries(ctx context.Context, userID, docID string) (int64, error) {
	res, err := s.col.DeleteMany(ctx, bson.M{
		"user_id":    userID,
		"doc_id":     docID,
		"is_summary": true,
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// CountDocChunks returns the number of non-summary chunks stored for a
// document.
func (s *ChunkStore) CountDocChunks(ctx context.Context, userID, docID string) (int64, error) {
	return s.col.CountDocuments(ctx, bson.M{
		"user_id":    userID,
		"doc_id":     docID,
		"is_summary": false,
	})
}
