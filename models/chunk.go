package models

import "go.mongodb.org/mongo-driver/bson/primitive"

// Source types for stored chunks.
const (
	SourcePDF              = "pdf"
	SourceDOCX             = "docx"
	SourceSummary          = "summary"
	SourceSectionSummary   = "section_summary"
	SourceOnDemand         = "on_demand"
	SourceOnDemandSections = "on_demand_sections"
)

// Summary levels.
const (
	SummaryTypeSection  = "section"
	SummaryTypeDocument = "document"
)

// Chunk is the atomic unit of stored knowledge in the study_materials
// collection. Chunks are created by ingestion and never mutated; summary
// chunks (is_summary=true) carry a synthesized abstract instead of source
// content and are excluded from regular retrieval filters.
type Chunk struct {
	ID      primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID  string             `bson:"user_id" json:"user_id"`
	ClassID string             `bson:"class_id" json:"class_id"`
	DocID   string             `bson:"doc_id" json:"doc_id"`

	FileName string `bson:"file_name" json:"file_name"`
	Title    string `bson:"title" json:"title"`
	Author   string `bson:"author" json:"author"`

	// PageNumber is the 1-based PDF page or the sequential DOCX paragraph
	// index. Nil for summary chunks.
	PageNumber *int `bson:"page_number" json:"page_number"`

	SourceType string `bson:"source_type" json:"source_type"`
	IsSummary  bool   `bson:"is_summary" json:"is_summary"`

	// Section summary fields, set only when SummaryType == "section".
	SummaryType  string `bson:"summary_type,omitempty" json:"summary_type,omitempty"`
	SectionIndex *int   `bson:"section_index,omitempty" json:"section_index,omitempty"`
	StartPage    *int   `bson:"start_page,omitempty" json:"start_page,omitempty"`
	EndPage      *int   `bson:"end_page,omitempty" json:"end_page,omitempty"`

	// Text is the searchable content, possibly with a prepended contextual
	// header. OriginalText preserves the header-free content and is
	// preferred as summarization input.
	Text         string `bson:"text" json:"text"`
	OriginalText string `bson:"original_text,omitempty" json:"original_text,omitempty"`

	// ChunkHash is the SHA-1 of normalized text, used for intra-ingest
	// dedup via the partial unique index on (doc_id, chunk_hash).
	ChunkHash string `bson:"chunk_hash,omitempty" json:"chunk_hash,omitempty"`

	Embedding []float32 `bson:"embedding,omitempty" json:"-"`
}

// SearchResult is a chunk annotated with its vector-search similarity.
type SearchResult struct {
	Chunk `bson:",inline"`
	Score float64 `bson:"score" json:"score"`
}

// IntPtr is a convenience for the nullable page/section fields.
func IntPtr(v int) *int { return &v }
