package models

// Response statuses surfaced to the client. These mirror the pipeline
// error taxonomy; absence of a status means a normal answer.
const (
	StatusBusy            = "busy"
	StatusNoHit           = "no_hit"
	StatusNeedsContext    = "needs_context"
	StatusContextTooLarge = "context_too_large"
	StatusClassTooLarge   = "class_too_large"
	StatusLLMError        = "llm_error"
	StatusError           = "error"
)

// QueryRequest is the query endpoint input. Missing class_name / doc_id
// are encoded as the literal string "null" by the Node caller.
type QueryRequest struct {
	UserID      string     `json:"user_id" binding:"required"`
	ClassName   string     `json:"class_name"`
	DocID       string     `json:"doc_id"`
	UserQuery   string     `json:"user_query" binding:"required"`
	ChatHistory []ChatTurn `json:"chat_history"`
	Source      string     `json:"source"`
}

// ChatTurn is one message of the running conversation. The assistant
// turn's ChunkReferences is the authoritative record for follow-ups.
type ChatTurn struct {
	Role            string           `json:"role"`
	Content         string           `json:"content"`
	ChunkReferences []ChunkReference `json:"chunkReferences,omitempty"`
}

// ChunkPayload is the full chunk record on the wire.
type ChunkPayload struct {
	ID          string `json:"_id"`
	ChunkNumber int    `json:"chunkNumber"`
	Text        string `json:"text"`
	PageNumber  *int   `json:"pageNumber"`
	DocID       string `json:"docId"`
}

// ChunkReference is the compact form persisted on assistant turns.
type ChunkReference struct {
	ChunkID       string `json:"chunkId"`
	DisplayNumber int    `json:"displayNumber"`
	PageNumber    *int   `json:"pageNumber"`
}

// Citation is a per-file download link shown under the answer.
type Citation struct {
	Href  *string `json:"href"`
	Text  string  `json:"text"`
	DocID string  `json:"docId"`
}

// QueryResponse is the non-streaming response envelope, used for
// follow-up, no-hit and cached-summary paths.
type QueryResponse struct {
	Message         string           `json:"message"`
	Citation        []Citation       `json:"citation"`
	Chats           []ChatTurn       `json:"chats"`
	Chunks          []ChunkPayload   `json:"chunks"`
	ChunkReferences []ChunkReference `json:"chunkReferences"`
	Status          string           `json:"status,omitempty"`
	Suggestions     []string         `json:"suggestions,omitempty"`
}

// Stream event types for the SSE answer stream.
const (
	EventToken     = "token"
	EventKeepalive = "keepalive"
	EventDone      = "done"
	EventError     = "error"
)

// StreamEvent is one SSE frame payload. Token events carry Content;
// the final done event carries citations and chunk references.
type StreamEvent struct {
	Type            string           `json:"type"`
	Content         string           `json:"content,omitempty"`
	Message         string           `json:"message,omitempty"`
	Citations       []Citation       `json:"citations,omitempty"`
	ChunkReferences []ChunkReference `json:"chunkReferences,omitempty"`
	Chunks          []ChunkPayload   `json:"chunks,omitempty"`
	Suggestions     []string         `json:"suggestions,omitempty"`
}

// IngestJob is the ingest queue payload.
type IngestJob struct {
	UserID   string `json:"user_id"`
	ClassID  string `json:"class_id"`
	S3Key    string `json:"s3_key"`
	DocID    string `json:"doc_id"`
	FileName string `json:"file_name"`
}

// SummaryJob is the background summarization queue payload.
type SummaryJob struct {
	UserID   string `json:"user_id"`
	ClassID  string `json:"class_id"`
	DocID    string `json:"doc_id"`
	FileName string `json:"file_name"`
}
