package services

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"testing"

	"class-chat-backend/internal/store"
	"class-chat-backend/models"
)

type fakeBlobs struct {
	data map[string][]byte
	puts map[string][]byte
}

func (f *fakeBlobs) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("no such key %q", key)
	}
	return data, nil
}

func (f *fakeBlobs) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[key] = body
	return nil
}

type fakeInserter struct {
	batches [][]models.Chunk
}

func (f *fakeInserter) InsertBatch(ctx context.Context, chunks []models.Chunk) (store.InsertResult, error) {
	f.batches = append(f.batches, chunks)
	return store.InsertResult{Inserted: len(chunks)}, nil
}

func (f *fakeInserter) all() []models.Chunk {
	var out []models.Chunk
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

type fakeIngestDocs struct {
	processing []bool
	pdfKeys    []string
}

func (f *fakeIngestDocs) SetProcessing(ctx context.Context, userID, docID string, processing bool) error {
	f.processing = append(f.processing, processing)
	return nil
}

func (f *fakeIngestDocs) SetPDFS3Key(ctx context.Context, userID, docID, key string) error {
	f.pdfKeys = append(f.pdfKeys, key)
	return nil
}

// buildDOCX assembles a minimal WordprocessingML archive with one body
// paragraph per input string.
func buildDOCX(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		fmt.Fprintf(&body, `<w:p><w:r><w:t>%s</w:t></w:r></w:p>`, p)
	}
	body.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("failed to build archive: %v", err)
	}
	if _, err := f.Write(body.Bytes()); err != nil {
		t.Fatalf("failed to write document.xml: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close archive: %v", err)
	}
	return buf.Bytes()
}

func newIngestService(blobs *fakeBlobs, inserter *fakeInserter, docs *fakeIngestDocs) *IngestService {
	embedder := &fakeEmbedder{}
	chunker := NewChunker(embedder, okReserver{})
	return NewIngestService(blobs, chunker, embedder, okReserver{}, inserter, docs, false)
}

func TestIngestDeduplicatesWithinBatch(t *testing.T) {
	docx := buildDOCX(t,
		"The Krebs cycle produces ATP.",
		"The Krebs cycle produces ATP.",
		"Photosynthesis occurs in chloroplasts.",
	)
	blobs := &fakeBlobs{data: map[string][]byte{"u1/bio.docx": docx}}
	inserter := &fakeInserter{}
	docs := &fakeIngestDocs{}

	svc := newIngestService(blobs, inserter, docs)
	job := models.IngestJob{UserID: "u1", ClassID: "bio101", DocID: "d1", S3Key: "u1/bio.docx"}
	if err := svc.Ingest(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inserted := inserter.all()
	if len(inserted) != 2 {
		t.Fatalf("duplicate paragraph should be dropped before insert, got %d chunks", len(inserted))
	}

	hashes := map[string]bool{}
	for _, c := range inserted {
		if c.ChunkHash == "" {
			t.Errorf("chunk missing hash: %+v", c)
		}
		hashes[c.ChunkHash] = true
		if c.UserID != "u1" || c.ClassID != "bio101" || c.DocID != "d1" {
			t.Errorf("chunk missing ownership fields: %+v", c)
		}
		if c.SourceType != models.SourceDOCX {
			t.Errorf("source type = %q, want docx", c.SourceType)
		}
		if len(c.Embedding) == 0 {
			t.Errorf("chunk not embedded")
		}
		if c.PageNumber == nil {
			t.Errorf("paragraph number missing")
		}
	}
	if len(hashes) != 2 {
		t.Errorf("expected 2 distinct hashes, got %d", len(hashes))
	}

	if len(docs.processing) == 0 || docs.processing[len(docs.processing)-1] != false {
		t.Errorf("isProcessing must be cleared after ingest: %v", docs.processing)
	}
}

func TestIngestEmptyDocument(t *testing.T) {
	blobs := &fakeBlobs{data: map[string][]byte{"u1/empty.docx": buildDOCX(t)}}
	inserter := &fakeInserter{}
	docs := &fakeIngestDocs{}

	svc := newIngestService(blobs, inserter, docs)
	job := models.IngestJob{UserID: "u1", ClassID: "bio101", DocID: "d2", S3Key: "u1/empty.docx"}
	if err := svc.Ingest(context.Background(), job); err != nil {
		t.Fatalf("empty document should not error: %v", err)
	}
	if len(inserter.batches) != 0 {
		t.Errorf("nothing should be inserted for an empty document")
	}
	if len(docs.processing) == 0 || docs.processing[len(docs.processing)-1] != false {
		t.Errorf("isProcessing must be cleared even for empty documents")
	}
}

func TestIngestUnsupportedFormat(t *testing.T) {
	blobs := &fakeBlobs{data: map[string][]byte{"u1/notes.txt": []byte("plain text")}}
	docs := &fakeIngestDocs{}
	svc := newIngestService(blobs, &fakeInserter{}, docs)

	job := models.IngestJob{UserID: "u1", DocID: "d3", S3Key: "u1/notes.txt"}
	if err := svc.Ingest(context.Background(), job); err == nil {
		t.Fatalf("unsupported extension should error")
	}
	if len(docs.processing) == 0 || docs.processing[len(docs.processing)-1] != false {
		t.Errorf("isProcessing must be cleared on failure too")
	}
}

func TestIngestDroppedBatchWhenBusy(t *testing.T) {
	docx := buildDOCX(t, "Some content that will never be embedded.")
	blobs := &fakeBlobs{data: map[string][]byte{"u1/bio.docx": docx}}
	inserter := &fakeInserter{}

	embedder := &fakeEmbedder{}
	chunker := NewChunker(embedder, busyReserver{})
	svc := NewIngestService(blobs, chunker, embedder, busyReserver{}, inserter, &fakeIngestDocs{}, false)

	job := models.IngestJob{UserID: "u1", DocID: "d4", S3Key: "u1/bio.docx"}
	if err := svc.Ingest(context.Background(), job); err != nil {
		t.Fatalf("dropped batches are not fatal: %v", err)
	}
	if len(inserter.batches) != 0 {
		t.Errorf("batch should be dropped when the budget is unavailable")
	}
	if embedder.calls != 0 {
		t.Errorf("embedder must not run without a reservation")
	}
}

func TestFileNameFromKey(t *testing.T) {
	if got := fileNameFromKey("users/u1/docs/notes.pdf"); got != "notes.pdf" {
		t.Errorf("fileNameFromKey = %q", got)
	}
	if got := fileNameFromKey("notes.pdf"); got != "notes.pdf" {
		t.Errorf("bare key should pass through, got %q", got)
	}
}

func TestDOCXParserTables(t *testing.T) {
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	body.WriteString(`<w:p><w:r><w:t>Intro paragraph.</w:t></w:r></w:p>`)
	body.WriteString(`<w:tbl><w:tr><w:tc><w:p><w:r><w:t>cell one</w:t></w:r></w:p><w:p><w:r><w:t>line two</w:t></w:r></w:p></w:tc></w:tr></w:tbl>`)
	body.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, _ := zw.Create("word/document.xml")
	f.Write(body.Bytes())
	zw.Close()

	units, err := NewDOCXParser().Extract(buf.Bytes())
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("expected paragraph plus flattened cell, got %d units: %v", len(units), units)
	}
	if units[0].Text != "Intro paragraph." {
		t.Errorf("first unit = %q", units[0].Text)
	}
	if units[1].Text != "cell one line two" {
		t.Errorf("cell paragraphs should join with a space, got %q", units[1].Text)
	}
	if units[1].Number != 2 {
		t.Errorf("units are numbered sequentially, got %d", units[1].Number)
	}
}
