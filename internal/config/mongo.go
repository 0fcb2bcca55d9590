package config

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func ConnectMongoDB(cfg *Config) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}

	// Test connection
	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %v", err)
	}

	// Create indexes
	err = createIndexes(client, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexes: %v", err)
	}

	return client, nil
}

func createIndexes(client *mongo.Client, cfg *Config) error {
	db := client.Database(cfg.DBName)

	// Chunk collection indexes for retrieval filters. The $vectorSearch
	// index itself is managed in Atlas; these cover metadata lookups.
	chunks := db.Collection(cfg.ChunkCollection)
	chunkIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "doc_id", Value: 1}, {Key: "is_summary", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "class_id", Value: 1}, {Key: "is_summary", Value: 1}}},
		{Keys: bson.D{{Key: "doc_id", Value: 1}, {Key: "page_number", Value: 1}}},
		{
			// Intra-ingest dedup: partial unique where chunk_hash exists so
			// summary chunks (no hash) stay unconstrained.
			Keys: bson.D{{Key: "doc_id", Value: 1}, {Key: "chunk_hash", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"chunk_hash": bson.M{"$exists": true}}),
		},
	}
	_, err := chunks.Indexes().CreateMany(context.Background(), chunkIndexes)
	if err != nil {
		return err
	}

	// Document metadata indexes
	docs := db.Collection(cfg.DocsCollection)
	docIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "doc_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "class_id", Value: 1}}},
		{Keys: bson.D{{Key: "s3_key", Value: 1}}},
	}
	_, err = docs.Indexes().CreateMany(context.Background(), docIndexes)
	if err != nil {
		return err
	}

	return nil
}
