package services

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"class-chat-backend/internal/ai"
	"class-chat-backend/internal/logger"
)

const (
	fixedChunkSize = 1200
	fixedOverlap   = 120

	// Chunks longer than this are re-split on semantic breakpoints.
	semanticSplitThreshold = 2000

	semanticReserveWait = 2 * time.Second
)

var (
	headingRegex    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
	sentenceRegex   = regexp.MustCompile(`[.!?]+\s+`)
)

// Embedder is the embedding surface the chunker and retriever need.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// TokenReserver gates embedding calls on the shared per-minute budget.
type TokenReserver interface {
	TryAcquire(ctx context.Context, n int, maxWait time.Duration) bool
}

// Chunker turns page or paragraph text into chunk-sized pieces.
// Heading structure is preferred; the fixed splitter is the fallback,
// and oversized pieces go through an embedding-driven semantic split.
type Chunker struct {
	embedder Embedder
	ledger   TokenReserver
}

func NewChunker(embedder Embedder, ledger TokenReserver) *Chunker {
	return &Chunker{embedder: embedder, ledger: ledger}
}

// ChunkPage splits one page of markdown-ish text. Never returns an
// error: semantic-split failures fall back to the fixed splitter.
func (c *Chunker) ChunkPage(ctx context.Context, text string) []string {
	pieces := SplitByHeadings(text)
	if len(pieces) == 0 {
		pieces = FixedSplit(text, fixedChunkSize, fixedOverlap)
	}

	var out []string
	for _, piece := range pieces {
		if len(piece) <= semanticSplitThreshold {
			out = append(out, piece)
			continue
		}
		parts, err := c.semanticSplit(ctx, piece)
		if err != nil {
			logger.Debug("Semantic split unavailable, using fixed splitter", "error", err)
			parts = FixedSplit(piece, fixedChunkSize, fixedOverlap)
		}
		out = append(out, parts...)
	}
	return out
}

// ChunkParagraph splits a DOCX paragraph only when it exceeds the fixed
// chunk size.
func (c *Chunker) ChunkParagraph(text string) []string {
	if len(text) <= fixedChunkSize {
		return []string{text}
	}
	return FixedSplit(text, fixedChunkSize, fixedOverlap)
}

// SplitByHeadings splits markdown text at heading lines (levels 1-6),
// keeping each heading with its following content. Returns nil when the
// text has no headings.
func SplitByHeadings(text string) []string {
	locs := headingRegex.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	var pieces []string
	if pre := strings.TrimSpace(text[:locs[0][0]]); pre != "" {
		pieces = append(pieces, pre)
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if piece := strings.TrimSpace(text[loc[0]:end]); piece != "" {
			pieces = append(pieces, piece)
		}
	}
	return pieces
}

// FixedSplit is the character-window fallback splitter. Windows are
// counted in runes so a boundary never lands inside a multi-byte
// character.
func FixedSplit(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	step := size - overlap
	if step <= 0 {
		step = size
	}
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[start:end])))
	}
	return chunks
}

// semanticSplit embeds the sentences of an oversized piece and breaks
// it where consecutive-sentence similarity drops below the 5th
// percentile. Subject to rate reservation; callers fall back on error.
func (c *Chunker) semanticSplit(ctx context.Context, text string) ([]string, error) {
	sentences := splitSentences(text)
	if len(sentences) < 3 {
		return FixedSplit(text, fixedChunkSize, fixedOverlap), nil
	}

	if !c.ledger.TryAcquire(ctx, ai.EstimateTokensAll(sentences), semanticReserveWait) {
		return nil, context.DeadlineExceeded
	}

	vectors, err := c.embedder.EmbedTexts(ctx, sentences)
	if err != nil {
		return nil, err
	}

	similarities := make([]float64, len(vectors)-1)
	for i := 0; i < len(vectors)-1; i++ {
		similarities[i] = cosineSimilarity(vectors[i], vectors[i+1])
	}
	threshold := percentile(similarities, 0.05)

	var (
		parts   []string
		current strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			parts = append(parts, s)
		}
		current.Reset()
	}

	for i, sentence := range sentences {
		if i > 0 && similarities[i-1] < threshold && current.Len() > 0 {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sentence)
		if current.Len() > semanticSplitThreshold {
			flush()
		}
	}
	flush()
	return parts, nil
}

func splitSentences(text string) []string {
	raw := sentenceRegex.Split(text, -1)
	sentences := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// NormalizeText collapses whitespace and lowercases, producing the
// canonical form behind chunk_hash.
func NormalizeText(text string) string {
	return strings.ToLower(strings.TrimSpace(whitespaceRegex.ReplaceAllString(text, " ")))
}

// HashChunk is the SHA-1 of the normalized text, hex encoded.
func HashChunk(text string) string {
	sum := sha1.Sum([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// ContextualHeader builds the optional header prepended to chunk text
// when CONTEXTUAL_HEADERS_ENABLED is set. The original text is kept in
// original_text.
func ContextualHeader(fileName, title string, pageNumber int) string {
	var b strings.Builder
	b.WriteString("[Document: ")
	if title != "" {
		b.WriteString(title)
	} else {
		b.WriteString(fileName)
	}
	if pageNumber > 0 {
		b.WriteString(", page ")
		b.WriteString(strconv.Itoa(pageNumber))
	}
	b.WriteString("]\n")
	return b.String()
}
