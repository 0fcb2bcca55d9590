package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"class-chat-backend/models"
)

// DocumentStore manages document metadata records. Chunk content lives
// in ChunkStore; this tracks ingest and summary lifecycle per upload.
type DocumentStore struct {
	col *mongo.Collection
}

func NewDocumentStore(db *mongo.Database, collection string) *DocumentStore {
	return &DocumentStore{col: db.Collection(collection)}
}

// Create registers an uploaded document, marked as processing until
// ingestion finishes.
func (s *DocumentStore) Create(ctx context.Context, meta *models.DocumentMeta) error {
	now := time.Now()
	meta.UploadedAt = now
	meta.UpdatedAt = now
	meta.IsProcessing = true
	if meta.SummaryStatus == "" {
		meta.SummaryStatus = models.SummaryStatusMissing
	}

	_, err := s.col.InsertOne(ctx, meta)
	return err
}

// Get fetches a document's metadata by user and document id. Returns
// nil when the document is unknown.
func (s *DocumentStore) Get(ctx context.Context, userID, docID string) (*models.DocumentMeta, error) {
	var meta models.DocumentMeta
	err := s.col.FindOne(ctx, bson.M{"user_id": userID, "doc_id": docID}).Decode(&meta)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// ListByClass returns the metadata of every document in a class.
func (s *DocumentStore) ListByClass(ctx context.Context, userID, classID string) ([]models.DocumentMeta, error) {
	opts := options.Find().SetSort(bson.D{{Key: "uploaded_at", Value: -1}})
	cursor, err := s.col.Find(ctx, bson.M{"user_id": userID, "class_id": classID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []models.DocumentMeta
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// SetProcessing flips the isProcessing flag once ingestion starts or
// completes.
func (s *DocumentStore) SetProcessing(ctx context.Context, userID, docID string, processing bool) error {
	_, err := s.col.UpdateOne(ctx,
		bson.M{"user_id": userID, "doc_id": docID},
		bson.M{"$set": bson.M{
			"isProcessing": processing,
			"updated_at":   time.Now(),
		}},
	)
	return err
}

// SetSummaryStatus records a summary lifecycle transition. hasSummary
// is derived from the status so readers need only one field.
func (s *DocumentStore) SetSummaryStatus(ctx context.Context, userID, docID, status string) error {
	_, err := s.col.UpdateOne(ctx,
		bson.M{"user_id": userID, "doc_id": docID},
		bson.M{"$set": bson.M{
			"summaryStatus": status,
			"hasSummary":    status == models.SummaryStatusReady,
			"updated_at":    time.Now(),
		}},
	)
	return err
}

// SetPDFS3Key records the converted-PDF artifact key for DOCX uploads.
func (s *DocumentStore) SetPDFS3Key(ctx context.Context, userID, docID, key string) error {
	_, err := s.col.UpdateOne(ctx,
		bson.M{"user_id": userID, "doc_id": docID},
		bson.M{"$set": bson.M{
			"pdfS3Key":   key,
			"updated_at": time.Now(),
		}},
	)
	return err
}
