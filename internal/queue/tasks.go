package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/hibiken/asynq"

	"class-chat-backend/internal/logger"
	"class-chat-backend/models"
)

// Task type names
const (
	TaskIngestDocument    = "document:ingest"
	TaskSummarizeDocument = "document:summarize"
)

// Queue names. Ingest outranks summary under strict priority so that
// a backlog of summaries never delays making a fresh upload queryable.
const (
	QueueIngest  = "ingest"
	QueueSummary = "summary"
)

// QueuePriorities is the worker's queue weighting, used with
// StrictPriority.
var QueuePriorities = map[string]int{
	QueueIngest:  3,
	QueueSummary: 1,
}

// Task creators
func NewIngestTask(job models.IngestJob) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(
		TaskIngestDocument,
		payload,
		asynq.MaxRetry(3),
		asynq.Timeout(15*time.Minute),
		asynq.Queue(QueueIngest),
	), nil
}

func NewSummaryTask(job models.SummaryJob) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(
		TaskSummarizeDocument,
		payload,
		asynq.MaxRetry(2),
		asynq.Timeout(20*time.Minute),
		asynq.Queue(QueueSummary),
	), nil
}

// Client wraps the asynq producer used by the API tier.
type Client struct {
	client *asynq.Client
}

func NewClient(redisOpt asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpt)}
}

func (c *Client) EnqueueIngest(job models.IngestJob) error {
	task, err := NewIngestTask(job)
	if err != nil {
		return err
	}
	info, err := c.client.Enqueue(task)
	if err != nil {
		return err
	}
	logger.Info("Enqueued ingest task", "task_id", info.ID, "doc_id", job.DocID, "queue", info.Queue)
	return nil
}

func (c *Client) EnqueueSummary(job models.SummaryJob) error {
	task, err := NewSummaryTask(job)
	if err != nil {
		return err
	}
	info, err := c.client.Enqueue(task)
	if err != nil {
		return err
	}
	logger.Info("Enqueued summary task", "task_id", info.ID, "doc_id", job.DocID, "queue", info.Queue)
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Ingestor runs the full ingestion pipeline for one uploaded document.
type Ingestor interface {
	Ingest(ctx context.Context, job models.IngestJob) error
}

// Summarizer builds and stores the background summary of a document.
type Summarizer interface {
	SummarizeDocument(ctx context.Context, job models.SummaryJob) error
}

// SummaryEnqueuer chains the follow-on summary task after an ingest.
type SummaryEnqueuer interface {
	EnqueueSummary(job models.SummaryJob) error
}

// TaskProcessor holds the worker-side handlers.
type TaskProcessor struct {
	ingestor   Ingestor
	summarizer Summarizer
	tasks      SummaryEnqueuer
}

func NewTaskProcessor(ingestor Ingestor, summarizer Summarizer, tasks SummaryEnqueuer) *TaskProcessor {
	return &TaskProcessor{
		ingestor:   ingestor,
		summarizer: summarizer,
		tasks:      tasks,
	}
}

// HandleIngest processes one uploaded document end to end, then chains
// a summary task for it. A summary enqueue failure does not fail the
// ingest; the summary can still be built on demand.
func (p *TaskProcessor) HandleIngest(ctx context.Context, t *asynq.Task) error {
	var job models.IngestJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal ingest payload: %v: %w", err, asynq.SkipRetry)
	}

	logger.Info("Processing ingest task", "doc_id", job.DocID, "user_id", job.UserID, "s3_key", job.S3Key)
	if err := p.ingestor.Ingest(ctx, job); err != nil {
		logger.Error("Ingest task failed", "doc_id", job.DocID, "error", err)
		return err
	}

	fileName := job.FileName
	if fileName == "" {
		fileName = path.Base(job.S3Key)
	}
	summaryJob := models.SummaryJob{
		UserID:   job.UserID,
		ClassID:  job.ClassID,
		DocID:    job.DocID,
		FileName: fileName,
	}
	if err := p.tasks.EnqueueSummary(summaryJob); err != nil {
		logger.Warn("Failed to enqueue follow-on summary task", "doc_id", job.DocID, "error", err)
	}
	return nil
}

// HandleSummary builds the background document summary.
func (p *TaskProcessor) HandleSummary(ctx context.Context, t *asynq.Task) error {
	var job models.SummaryJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal summary payload: %v: %w", err, asynq.SkipRetry)
	}

	logger.Info("Processing summary task", "doc_id", job.DocID, "user_id", job.UserID)
	if err := p.summarizer.SummarizeDocument(ctx, job); err != nil {
		logger.Error("Summary task failed", "doc_id", job.DocID, "error", err)
		return err
	}
	return nil
}
