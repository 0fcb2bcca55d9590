package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Summary lifecycle states on the document metadata record.
const (
	SummaryStatusMissing    = "missing"
	SummaryStatusProcessing = "processing"
	SummaryStatusReady      = "ready"
	SummaryStatusFailed     = "failed"
	SummaryStatusNoChunks   = "no_chunks"
)

// DocumentMeta is the metadata record for an uploaded document. The
// original file lives in the object store; this record tracks ingest and
// summarization state for it.
type DocumentMeta struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	DocID         string             `bson:"doc_id" json:"doc_id"`
	UserID        string             `bson:"user_id" json:"user_id"`
	ClassID       string             `bson:"class_id" json:"class_id"`
	FileName      string             `bson:"file_name" json:"file_name"`
	S3Key         string             `bson:"s3_key" json:"s3_key"`
	IsProcessing  bool               `bson:"isProcessing" json:"isProcessing"`
	SummaryStatus string             `bson:"summaryStatus,omitempty" json:"summaryStatus,omitempty"`
	HasSummary    bool               `bson:"hasSummary" json:"hasSummary"`

	// PDFS3Key is the post-conversion PDF artifact for DOCX uploads, used
	// by the viewer so page-number citations stay clickable.
	PDFS3Key string `bson:"pdfS3Key,omitempty" json:"pdfS3Key,omitempty"`

	KeyTerms   []string  `bson:"key_terms,omitempty" json:"key_terms,omitempty"`
	UploadedAt time.Time `bson:"uploaded_at" json:"uploaded_at"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updated_at"`
}
