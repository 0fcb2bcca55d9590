package services

import (
	"errors"

	"class-chat-backend/models"
)

// Pipeline error kinds. Routes and handlers map these onto the
// response status taxonomy; anything unrecognized becomes "error".
var (
	// ErrBusy: the rate budget could not be acquired within the wait
	// window. Recoverable by client retry.
	ErrBusy = errors.New("rate budget unavailable")

	// ErrNoHit: retrieval returned zero usable chunks.
	ErrNoHit = errors.New("no relevant chunks found")

	// ErrNeedsContext: the query is too vague to act on.
	ErrNeedsContext = errors.New("query needs more context")

	// ErrContextTooLarge: estimated tokens exceed the ceiling for the
	// chosen path.
	ErrContextTooLarge = errors.New("context exceeds token ceiling")

	// ErrClassTooLarge: hierarchical summarization input ceiling
	// exceeded; no model call was made.
	ErrClassTooLarge = errors.New("class corpus too large to summarize")

	// ErrNoChunks: the document has no ingested chunks to work from.
	ErrNoChunks = errors.New("document has no chunks")
)

// LLMError wraps a transient model or network failure; it is reported
// to clients as retryable.
type LLMError struct {
	Err error
}

func (e *LLMError) Error() string { return "llm call failed: " + e.Err.Error() }
func (e *LLMError) Unwrap() error { return e.Err }

// StatusForError maps a pipeline error to the wire status.
func StatusForError(err error) string {
	var llmErr *LLMError
	switch {
	case errors.Is(err, ErrBusy):
		return models.StatusBusy
	case errors.Is(err, ErrNoHit):
		return models.StatusNoHit
	case errors.Is(err, ErrNeedsContext):
		return models.StatusNeedsContext
	case errors.Is(err, ErrContextTooLarge):
		return models.StatusContextTooLarge
	case errors.Is(err, ErrClassTooLarge):
		return models.StatusClassTooLarge
	case errors.As(err, &llmErr):
		return models.StatusLLMError
	default:
		return models.StatusError
	}
}
