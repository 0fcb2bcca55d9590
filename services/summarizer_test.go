package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"class-chat-backend/internal/ai"
	"class-chat-backend/internal/config"
	"class-chat-backend/internal/store"
	"class-chat-backend/models"
)

type fakeSummaryChunks struct {
	summary        *models.Chunk
	sections       []models.Chunk
	docChunks      []models.Chunk
	classSummaries []models.Chunk
	count          int64

	inserted []models.Chunk
}

func (f *fakeSummaryChunks) FindSummary(ctx context.Context, userID, docID string) (*models.Chunk, error) {
	return f.summary, nil
}

func (f *fakeSummaryChunks) FindSectionSummaries(ctx context.Context, userID, docID string) ([]models.Chunk, error) {
	return f.sections, nil
}

func (f *fakeSummaryChunks) FetchDocChunks(ctx context.Context, userID, docID string) ([]models.Chunk, error) {
	return f.docChunks, nil
}

func (f *fakeSummaryChunks) FetchClassSummaries(ctx context.Context, userID, classID string) ([]models.Chunk, error) {
	return f.classSummaries, nil
}

func (f *fakeSummaryChunks) CountDocChunks(ctx context.Context, userID, docID string) (int64, error) {
	return f.count, nil
}

func (f *fakeSummaryChunks) InsertBatch(ctx context.Context, chunks []models.Chunk) (store.InsertResult, error) {
	f.inserted = append(f.inserted, chunks...)
	return store.InsertResult{Inserted: len(chunks)}, nil
}

type fakeSummaryDocs struct {
	meta     *models.DocumentMeta
	statuses []string
}

func (f *fakeSummaryDocs) Get(ctx context.Context, userID, docID string) (*models.DocumentMeta, error) {
	return f.meta, nil
}

func (f *fakeSummaryDocs) SetSummaryStatus(ctx context.Context, userID, docID, status string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func summaryConfig() *config.Config {
	return &config.Config{
		RouteModels:                map[string]string{},
		DefaultChatModel:           "chat-model",
		MaxPromptTokens:            8000,
		MaxTokensPerRequest:        300000,
		MaxClassSummaryTokens:      12000,
		MaxHierarchicalInputTokens: 120000,
		HierarchicalClassSummary:   true,
		RAGTempSum:                 0.2,
		RAGMaxTokensSum:            600,
	}
}

func TestClassSummaryTooLargeFailsFast(t *testing.T) {
	cfg := summaryConfig()
	cfg.MaxHierarchicalInputTokens = 100

	chunks := &fakeSummaryChunks{classSummaries: []models.Chunk{
		{Text: strings.Repeat("word ", 200)},
	}}
	gen := &fakeGen{out: "should not be called"}
	s := NewSummaryService(chunks, &fakeSummaryDocs{}, gen, &fakeEmbedder{}, okReserver{}, cfg)

	_, err := s.ClassSummary(context.Background(), "u1", "bio101", "")
	if !errors.Is(err, ErrClassTooLarge) {
		t.Fatalf("expected ErrClassTooLarge, got %v", err)
	}
	if gen.callCount() != 0 {
		t.Errorf("oversized input must fail before any model call, got %d calls", gen.callCount())
	}
}

func TestClassSummaryNoChunks(t *testing.T) {
	s := NewSummaryService(&fakeSummaryChunks{}, &fakeSummaryDocs{}, &fakeGen{}, &fakeEmbedder{}, okReserver{}, summaryConfig())
	_, err := s.ClassSummary(context.Background(), "u1", "bio101", "")
	if !errors.Is(err, ErrNoChunks) {
		t.Fatalf("expected ErrNoChunks, got %v", err)
	}
}

func TestSummarizeDocumentNoChunks(t *testing.T) {
	docs := &fakeSummaryDocs{}
	s := NewSummaryService(&fakeSummaryChunks{count: 0}, docs, &fakeGen{}, &fakeEmbedder{}, okReserver{}, summaryConfig())

	err := s.SummarizeDocument(context.Background(), models.SummaryJob{UserID: "u1", DocID: "d1"})
	if err != nil {
		t.Fatalf("no-chunks document should not error: %v", err)
	}
	want := []string{models.SummaryStatusProcessing, models.SummaryStatusNoChunks}
	if len(docs.statuses) != 2 || docs.statuses[0] != want[0] || docs.statuses[1] != want[1] {
		t.Errorf("status transitions = %v, want %v", docs.statuses, want)
	}
}

func TestSummarizeDocumentReady(t *testing.T) {
	chunks := &fakeSummaryChunks{
		count:     2,
		docChunks: []models.Chunk{{Text: "chunk one"}, {Text: "chunk two"}},
	}
	docs := &fakeSummaryDocs{}
	gen := &fakeGen{out: "a tidy summary"}
	s := NewSummaryService(chunks, docs, gen, &fakeEmbedder{}, okReserver{}, summaryConfig())

	err := s.SummarizeDocument(context.Background(), models.SummaryJob{UserID: "u1", ClassID: "bio101", DocID: "d1", FileName: "notes.pdf"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last := docs.statuses[len(docs.statuses)-1]; last != models.SummaryStatusReady {
		t.Fatalf("final status = %q, want ready", last)
	}

	if len(chunks.inserted) != 1 {
		t.Fatalf("expected 1 persisted summary chunk, got %d", len(chunks.inserted))
	}
	got := chunks.inserted[0]
	if !got.IsSummary || got.SourceType != models.SourceSummary || got.Text != "a tidy summary" {
		t.Errorf("summary chunk malformed: %+v", got)
	}
	if got.SummaryType != models.SummaryTypeDocument {
		t.Errorf("summary chunk should carry the document summary type")
	}
}

func TestSummarizeDocumentFileNameFromMetadata(t *testing.T) {
	// Jobs chained from ingest may omit the file name; the persisted
	// summary chunk must still carry it so file citations render.
	chunks := &fakeSummaryChunks{
		count:     1,
		docChunks: []models.Chunk{{Text: "chunk"}},
	}
	docs := &fakeSummaryDocs{meta: &models.DocumentMeta{DocID: "d1", FileName: "notes.pdf"}}
	s := NewSummaryService(chunks, docs, &fakeGen{out: "summary"}, &fakeEmbedder{}, okReserver{}, summaryConfig())

	if err := s.SummarizeDocument(context.Background(), models.SummaryJob{UserID: "u1", ClassID: "bio101", DocID: "d1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks.inserted) != 1 || chunks.inserted[0].FileName != "notes.pdf" {
		t.Errorf("summary chunk should carry the document's file name: %+v", chunks.inserted)
	}
}

func TestGetOrGenerateDocSummaryFileNameFromMetadata(t *testing.T) {
	chunks := &fakeSummaryChunks{docChunks: []models.Chunk{{Text: "chunk"}}}
	docs := &fakeSummaryDocs{meta: &models.DocumentMeta{DocID: "d1", FileName: "notes.pdf"}}
	s := NewSummaryService(chunks, docs, &fakeGen{out: "fresh"}, &fakeEmbedder{}, okReserver{}, summaryConfig())

	got, err := s.GetOrGenerateDocSummary(context.Background(), "u1", "bio101", "d1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.FileName != "notes.pdf" {
		t.Errorf("returned summary should carry the looked-up file name, got %q", got.FileName)
	}
	if len(chunks.inserted) != 1 || chunks.inserted[0].FileName != "notes.pdf" {
		t.Errorf("cached summary chunk should carry the file name: %+v", chunks.inserted)
	}
}

func TestSummarizeDocumentSectionFastPath(t *testing.T) {
	chunks := &fakeSummaryChunks{
		count:    5,
		sections: []models.Chunk{{Text: "section one"}, {Text: "section two"}},
	}
	docs := &fakeSummaryDocs{}
	gen := &fakeGen{out: "combined"}
	s := NewSummaryService(chunks, docs, gen, &fakeEmbedder{}, okReserver{}, summaryConfig())

	if err := s.SummarizeDocument(context.Background(), models.SummaryJob{UserID: "u1", DocID: "d1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gen.callCount() != 1 {
		t.Errorf("section fast path should make one combine call, got %d", gen.callCount())
	}
	if chunks.inserted[0].SourceType != models.SourceSectionSummary {
		t.Errorf("fast-path result should be marked section_summary, got %q", chunks.inserted[0].SourceType)
	}
}

func TestMapReduceFallbackOnReduceFailure(t *testing.T) {
	// Two map blocks succeed, the reduce call fails: the result degrades
	// to the concatenated intermediates instead of erroring.
	gen := &fakeGen{fn: func(call int, _ ai.GenerateRequest) (string, error) {
		switch call {
		case 1:
			return "first part", nil
		case 2:
			return "second part", nil
		default:
			return "", errors.New("reduce failed")
		}
	}}
	s := NewSummaryService(&fakeSummaryChunks{}, &fakeSummaryDocs{}, gen, &fakeEmbedder{}, okReserver{}, summaryConfig())

	texts := []string{strings.Repeat("a", 5000), strings.Repeat("b", 5000)}
	out, err := s.mapReduce(context.Background(), texts)
	if err != nil {
		t.Fatalf("reduce failure should degrade, not error: %v", err)
	}
	if out != "first part\n\nsecond part" {
		t.Errorf("fallback should join the intermediates, got %q", out)
	}
	if gen.callCount() != 3 {
		t.Errorf("expected 2 map calls and 1 reduce attempt, got %d", gen.callCount())
	}
}

func TestGetOrGenerateDocSummaryUsesCache(t *testing.T) {
	cached := &models.Chunk{Text: "cached summary", IsSummary: true}
	gen := &fakeGen{out: "fresh"}
	s := NewSummaryService(&fakeSummaryChunks{summary: cached}, &fakeSummaryDocs{}, gen, &fakeEmbedder{}, okReserver{}, summaryConfig())

	got, err := s.GetOrGenerateDocSummary(context.Background(), "u1", "bio101", "d1", "notes.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "cached summary" {
		t.Errorf("cache hit should short-circuit generation: %q", got.Text)
	}
	if gen.callCount() != 0 {
		t.Errorf("cache hit must not call the model, got %d calls", gen.callCount())
	}
}

func TestCallModelBusy(t *testing.T) {
	chunks := &fakeSummaryChunks{classSummaries: []models.Chunk{{Text: "short"}}}
	s := NewSummaryService(chunks, &fakeSummaryDocs{}, &fakeGen{}, &fakeEmbedder{}, busyReserver{}, summaryConfig())

	_, err := s.ClassSummary(context.Background(), "u1", "bio101", "")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy when the reservation fails, got %v", err)
	}
}

func TestNeedsCondensing(t *testing.T) {
	cfg := summaryConfig()
	cfg.MaxPromptTokens = 10
	s := NewSummaryService(&fakeSummaryChunks{}, &fakeSummaryDocs{}, &fakeGen{}, &fakeEmbedder{}, okReserver{}, cfg)

	if !s.NeedsCondensing(strings.Repeat("long summary ", 20), "summarize this") {
		t.Errorf("token overrun should trigger condensing")
	}

	s = NewSummaryService(&fakeSummaryChunks{}, &fakeSummaryDocs{}, &fakeGen{}, &fakeEmbedder{}, okReserver{}, summaryConfig())
	if !s.NeedsCondensing("short", "give me the summary in bullet points") {
		t.Errorf("style hints should trigger condensing")
	}
	if s.NeedsCondensing("short", "summarize the document") {
		t.Errorf("plain request on a short summary should not condense")
	}
}
