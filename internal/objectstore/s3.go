package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"class-chat-backend/internal/config"
	"class-chat-backend/internal/logger"
)

// Store fetches uploaded documents from S3. Uploads themselves happen
// in the frontend tier; this service only reads them back for
// ingestion, plus writes derived artifacts (DOCX to PDF conversions).
type Store struct {
	client *s3.Client
	bucket string
}

func New(ctx context.Context, cfg *config.Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Store{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3BucketName,
	}, nil
}

// Fetch downloads an object into memory. Documents are bounded by the
// upload size limit, so buffering the whole file is fine.
func (s *Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", s.bucket, key, err)
	}
	logger.Debug("Fetched object", "key", key, "bytes", len(data))
	return data, nil
}

// Put stores a derived artifact next to the original upload.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
