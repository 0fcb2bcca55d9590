package services

import (
	"strings"
	"testing"

	"class-chat-backend/internal/config"
	"class-chat-backend/models"
)

func answerService() *AnswerService {
	return &AnswerService{cfg: &config.Config{BackendURL: "http://localhost:3000/api/v1"}}
}

func payloads(texts ...string) []models.ChunkPayload {
	out := make([]models.ChunkPayload, len(texts))
	for i, text := range texts {
		out[i] = models.ChunkPayload{
			ID:          strings.Repeat("a", 23) + string(rune('0'+i)),
			ChunkNumber: i + 1,
			Text:        text,
			DocID:       "d1",
		}
	}
	return out
}

func TestRenumberCitations(t *testing.T) {
	chunks := payloads("one", "two", "three", "four")
	answer := "According to [3], membranes are selective. [1] agrees, and [3] elaborates."

	rewritten, outChunks, refs := RenumberCitations(answer, chunks)

	want := "According to [1], membranes are selective. [2] agrees, and [1] elaborates."
	if rewritten != want {
		t.Fatalf("rewritten = %q, want %q", rewritten, want)
	}

	if len(refs) != 2 {
		t.Fatalf("expected 2 references, got %d", len(refs))
	}
	if refs[0].ChunkID != chunks[2].ID || refs[0].DisplayNumber != 1 {
		t.Errorf("first reference should be old chunk 3 renumbered to 1: %+v", refs[0])
	}
	if refs[1].ChunkID != chunks[0].ID || refs[1].DisplayNumber != 2 {
		t.Errorf("second reference should be old chunk 1 renumbered to 2: %+v", refs[1])
	}

	// Cited chunks lead; uncited chunks keep trailing numbers.
	if len(outChunks) != 4 {
		t.Fatalf("all chunks should survive renumbering, got %d", len(outChunks))
	}
	for i, c := range outChunks {
		if c.ChunkNumber != i+1 {
			t.Errorf("chunk at position %d has number %d", i, c.ChunkNumber)
		}
	}
	if outChunks[0].Text != "three" || outChunks[1].Text != "one" {
		t.Errorf("cited chunks out of order: %v", outChunks)
	}
}

func TestRenumberCitationsSparseNumbers(t *testing.T) {
	// Chunks surviving an earlier filter can carry sparse numbers.
	chunks := []models.ChunkPayload{
		{ID: "c2", ChunkNumber: 2, Text: "two"},
		{ID: "c3", ChunkNumber: 3, Text: "three"},
		{ID: "c5", ChunkNumber: 5, Text: "five"},
	}
	rewritten, _, refs := RenumberCitations("start [5] mid [2] end [5]", chunks)
	if rewritten != "start [1] mid [2] end [1]" {
		t.Fatalf("rewritten = %q", rewritten)
	}
	if len(refs) != 2 || refs[0].ChunkID != "c5" || refs[0].DisplayNumber != 1 ||
		refs[1].ChunkID != "c2" || refs[1].DisplayNumber != 2 {
		t.Errorf("references wrong: %+v", refs)
	}
}

func TestRenumberCitationsIdempotent(t *testing.T) {
	chunks := payloads("one", "two", "three")
	answer := "See [2] and [3]."

	first, firstChunks, _ := RenumberCitations(answer, chunks)
	second, secondChunks, _ := RenumberCitations(first, firstChunks)

	if first != second {
		t.Errorf("renumbering is not idempotent: %q vs %q", first, second)
	}
	for i := range firstChunks {
		if firstChunks[i] != secondChunks[i] {
			t.Errorf("chunk list changed on second pass at %d", i)
		}
	}
}

func TestRenumberCitationsUnknownNumber(t *testing.T) {
	chunks := payloads("one")
	rewritten, outChunks, refs := RenumberCitations("Bogus cite [7] and real [1].", chunks)

	// [7] has no chunk; it is renumbered in appearance order but yields
	// no reference.
	if !strings.Contains(rewritten, "[2]") {
		t.Errorf("real citation should renumber after the bogus one: %q", rewritten)
	}
	if len(refs) != 1 || refs[0].ChunkID != chunks[0].ID {
		t.Errorf("only the real citation should produce a reference: %+v", refs)
	}
	if len(outChunks) != 1 {
		t.Errorf("chunk list should keep the single real chunk, got %d", len(outChunks))
	}
}

func TestValidateQuotes(t *testing.T) {
	chunks := payloads("Energy flows through the ecosystem in one direction only.")
	answer := strings.Join([]string{
		`"Energy flows through the ecosystem" [1]`,
		`"a fabricated quote that appears nowhere" [1]`,
		`These quotes address your question.`,
	}, "\n")

	validated, kept := ValidateQuotes(answer, chunks)
	if kept != 1 {
		t.Fatalf("expected 1 surviving quote line, got %d", kept)
	}
	if strings.Contains(validated, "fabricated") {
		t.Errorf("fabricated quote should be dropped: %q", validated)
	}
	if !strings.Contains(validated, "Energy flows") {
		t.Errorf("verbatim quote should survive: %q", validated)
	}
	if !strings.Contains(validated, "These quotes address") {
		t.Errorf("non-quote lines should be kept: %q", validated)
	}
}

func TestValidateQuotesAllDropped(t *testing.T) {
	chunks := payloads("completely different content")
	_, kept := ValidateQuotes(`"invented one" [1]`+"\n"+`"invented two" [1]`, chunks)
	if kept != 0 {
		t.Fatalf("expected zero surviving quotes, got %d", kept)
	}
}

func TestFinalizeNoHitSubstitution(t *testing.T) {
	s := answerService()
	req := models.QueryRequest{UserID: "u1", UserQuery: "anything"}
	retrieved := []RetrievedChunk{{Chunk: models.Chunk{Text: "ctx"}, DisplayNumber: 1}}

	resp := s.Finalize(RouteGeneralQA, req, "NO_HIT_MESSAGE", retrieved)
	if resp.Status != models.StatusNoHit {
		t.Fatalf("expected no_hit status, got %q", resp.Status)
	}
	if resp.Message != RefinementSuggestions[0] {
		t.Errorf("no-hit message should be the first suggestion: %q", resp.Message)
	}
	if len(resp.Suggestions) != len(RefinementSuggestions) {
		t.Errorf("suggestions missing from no-hit response")
	}
	if strings.Contains(resp.Message, "NO_HIT_MESSAGE") {
		t.Errorf("sentinel leaked to the client")
	}
}

func TestFinalizeCiteMissingNudge(t *testing.T) {
	s := answerService()
	req := models.QueryRequest{UserID: "u1", UserQuery: "q"}
	retrieved := []RetrievedChunk{{Chunk: models.Chunk{Text: "ctx"}, DisplayNumber: 1}}

	resp := s.Finalize(RouteGeneralQA, req, "An answer with no citations.", retrieved)
	if !strings.HasSuffix(resp.Message, citeMissingNudge) {
		t.Errorf("citation-free general answer should carry the nudge: %q", resp.Message)
	}

	resp = s.Finalize(RouteGeneralQA, req, "A cited answer [1].", retrieved)
	if strings.Contains(resp.Message, strings.TrimSpace(citeMissingNudge)) {
		t.Errorf("cited answer should not carry the nudge")
	}

	resp = s.Finalize(RouteStudyGuide, req, "Guide without citations.", retrieved)
	if strings.Contains(resp.Message, strings.TrimSpace(citeMissingNudge)) {
		t.Errorf("study guides are exempt from the nudge")
	}
}

func TestFinalizeQuoteRouteNeedsContext(t *testing.T) {
	s := answerService()
	req := models.QueryRequest{UserID: "u1", UserQuery: "find a quote"}
	retrieved := []RetrievedChunk{{Chunk: models.Chunk{Text: "real content"}, DisplayNumber: 1}}

	resp := s.Finalize(RouteQuoteFinding, req, `"made up quotation" [1]`, retrieved)
	if resp.Status != models.StatusNeedsContext {
		t.Fatalf("all-dropped quotes should yield needs_context, got %q", resp.Status)
	}
	if len(resp.Suggestions) == 0 {
		t.Errorf("needs_context response should carry suggestions")
	}
}

func TestErrorOutcomeStatuses(t *testing.T) {
	req := models.QueryRequest{UserID: "u1", UserQuery: "q"}

	out := errorOutcome(req, ErrBusy, "")
	if out.Response.Status != models.StatusBusy {
		t.Errorf("busy status, got %q", out.Response.Status)
	}

	out = errorOutcome(req, ErrNoHit, "")
	if out.Response.Status != models.StatusNoHit || out.Response.Message != RefinementMessage {
		t.Errorf("no-hit outcome wrong: %+v", out.Response)
	}
	if len(out.Response.Suggestions) == 0 {
		t.Errorf("no-hit outcome should carry suggestions")
	}

	out = errorOutcome(req, ErrClassTooLarge, "")
	if out.Response.Status != models.StatusClassTooLarge {
		t.Errorf("class_too_large status, got %q", out.Response.Status)
	}

	out = errorOutcome(req, ErrNeedsContext, "custom message")
	if out.Response.Message != "custom message" {
		t.Errorf("custom message should override the default")
	}
}

func TestAppendTurns(t *testing.T) {
	req := models.QueryRequest{
		UserQuery:   "next question",
		ChatHistory: []models.ChatTurn{{Role: "user", Content: "first"}},
	}
	refs := []models.ChunkReference{{ChunkID: "abc", DisplayNumber: 1}}

	chats := appendTurns(req, "the answer", refs)
	if len(chats) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(chats))
	}
	last := chats[2]
	if last.Role != "assistant" || last.Content != "the answer" || len(last.ChunkReferences) != 1 {
		t.Errorf("assistant turn malformed: %+v", last)
	}

	// A failed exchange records only the user turn.
	chats = appendTurns(req, "", nil)
	if len(chats) != 2 || chats[1].Role != "user" {
		t.Errorf("failed exchange should append the user turn only: %+v", chats)
	}
}

func TestToModelHistory(t *testing.T) {
	history := []models.ChatTurn{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "model", Content: "c"},
	}
	turns := toModelHistory(history)
	if turns[0].Role != "user" || turns[1].Role != "model" || turns[2].Role != "model" {
		t.Errorf("role mapping wrong: %+v", turns)
	}
}
