package services

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"class-chat-backend/internal/ai"
	"class-chat-backend/internal/config"
	"class-chat-backend/internal/logger"
	"class-chat-backend/models"
)

const generateReserveWait = 10 * time.Second

var (
	citationRegex = regexp.MustCompile(`\[(\d+)\]`)
	quotedRegex   = regexp.MustCompile(`"([^"]+)"|“([^”]+)”`)
)

const citeMissingNudge = "\n\nIf this doesn't cover what you were after, try narrowing the question to a specific document or topic."

// ChatModel is the full model surface the answer path uses.
type ChatModel interface {
	Generator
	StreamGenerator
}

// AnswerService orchestrates a query end to end: routing, retrieval or
// summary lookup, prompt assembly, generation, and post-processing.
type AnswerService struct {
	router    *Router
	retriever *Retriever
	summaries *SummaryService
	model     ChatModel
	ledger    TokenReserver
	cfg       *config.Config
}

func NewAnswerService(router *Router, retriever *Retriever, summaries *SummaryService, model ChatModel, ledger TokenReserver, cfg *config.Config) *AnswerService {
	return &AnswerService{
		router:    router,
		retriever: retriever,
		summaries: summaries,
		model:     model,
		ledger:    ledger,
		cfg:       cfg,
	}
}

// Outcome is either a complete non-streaming response or a prepared
// stream for the SSE path; exactly one is set.
type Outcome struct {
	Response *models.QueryResponse
	Stream   *PreparedStream
}

// PreparedStream is a generation ready to be pumped to an SSE client.
type PreparedStream struct {
	svc       *AnswerService
	bridge    *StreamBridge
	route     Route
	req       models.QueryRequest
	retrieved []RetrievedChunk
}

// Answer decides the flow for one query. Summary, follow-up, no-hit and
// error paths resolve to a non-streaming response; question-answering
// paths return a prepared stream.
func (s *AnswerService) Answer(ctx context.Context, req models.QueryRequest) Outcome {
	route := s.router.DecideRoute(ctx, req.UserQuery)
	mode := s.router.DecideMode(route, req.DocID, req.ClassName)
	logger.Info("Query routed", "route", route.String(), "user_id", req.UserID)

	switch mode {
	case ModeSelectScope:
		return respond(req, "Please select a class or a document first, then ask for the summary again.", nil, "")
	case ModeDocSummary:
		return s.docSummary(ctx, req)
	case ModeClassSummary:
		return s.classSummary(ctx, req)
	case ModeFollowUp:
		return s.followUp(ctx, req, route)
	default:
		return s.question(ctx, req, route)
	}
}

// question handles general_qa, quote_finding and study-guide queries
// with retrieval plus streaming generation.
func (s *AnswerService) question(ctx context.Context, req models.QueryRequest, route Route) Outcome {
	if route == RouteQuoteFinding {
		if _, ok := MeaningfulQuoteQuery(req.UserQuery); !ok {
			return errorOutcome(req, ErrNeedsContext,
				"Tell me what the quote should be about, e.g. a topic, a person, or a concept from your materials.")
		}
	}

	params := s.router.Params(route)
	retrieved, err := s.retriever.Retrieve(ctx, req, route, params)
	if err != nil {
		return errorOutcome(req, err, "")
	}

	system, prompt := BuildPrompt(route, req.Source, req.UserQuery, ToPayloads(retrieved))

	needed := ai.EstimateTokens(prompt) + estimateHistoryTokens(req.ChatHistory) + params.MaxOutputTokens
	if !s.ledger.TryAcquire(ctx, needed, generateReserveWait) {
		return errorOutcome(req, ErrBusy, "")
	}

	bridge := RunStream(s.model, ai.GenerateRequest{
		Model:           params.Model,
		System:          system,
		Prompt:          prompt,
		History:         toModelHistory(req.ChatHistory),
		Temperature:     float32(params.Temperature),
		MaxOutputTokens: int32(params.MaxOutputTokens),
	}, time.Duration(s.cfg.KeepaliveIntervalS)*time.Second)

	return Outcome{Stream: &PreparedStream{
		svc:       s,
		bridge:    bridge,
		route:     route,
		req:       req,
		retrieved: retrieved,
	}}
}

// Pump streams the answer, then emits the final done (or error) event
// with citations and references attached.
func (p *PreparedStream) Pump(write EventWriter) {
	_, err := p.bridge.Pump(write, func(answer string, genErr error) models.StreamEvent {
		// A mid-stream failure must not finalize the partial text: the
		// truncated answer would carry citations for claims never made.
		if genErr != nil {
			logger.Error("Generation failed", "error", genErr, "partial_len", len(answer))
			return models.StreamEvent{
				Type:    models.EventError,
				Message: "The model call failed. Please try again.",
			}
		}
		final := p.svc.Finalize(p.route, p.req, answer, p.retrieved)
		return models.StreamEvent{
			Type:            models.EventDone,
			Message:         final.Message,
			Citations:       final.Citation,
			ChunkReferences: final.ChunkReferences,
			Chunks:          final.Chunks,
			Suggestions:     final.Suggestions,
		}
	})
	if err != nil {
		logger.Info("Client disconnected mid-stream")
	}
}

// Finalize post-processes a complete answer: quote validation, no-hit
// substitution, citation renumbering and the cite-missing nudge.
func (s *AnswerService) Finalize(route Route, req models.QueryRequest, answer string, retrieved []RetrievedChunk) models.QueryResponse {
	answer = strings.TrimSpace(answer)
	payloads := ToPayloads(retrieved)

	if answer == noHitSentinel {
		return models.QueryResponse{
			Message:     RefinementSuggestions[0],
			Citation:    []models.Citation{},
			Chats:       appendTurns(req, RefinementSuggestions[0], nil),
			Chunks:      payloads,
			Status:      models.StatusNoHit,
			Suggestions: RefinementSuggestions,
		}
	}

	if route == RouteQuoteFinding {
		validated, kept := ValidateQuotes(answer, payloads)
		if kept == 0 {
			return models.QueryResponse{
				Message:     "I couldn't find a verbatim quote matching that. Try naming a specific topic or phrase from your materials.",
				Citation:    []models.Citation{},
				Chats:       appendTurns(req, "", nil),
				Chunks:      payloads,
				Status:      models.StatusNeedsContext,
				Suggestions: RefinementSuggestions,
			}
		}
		answer = validated
	}

	answer, chunks, refs := RenumberCitations(answer, payloads)

	if (route == RouteGeneralQA || route == RouteFollowUp) && len(refs) == 0 {
		answer += citeMissingNudge
	}

	return models.QueryResponse{
		Message:         answer,
		Citation:        s.fileCitations(retrieved),
		Chats:           appendTurns(req, answer, refs),
		Chunks:          chunks,
		ChunkReferences: refs,
	}
}

// followUp answers from the previous turn's chunks without retrieval,
// returning a complete (non-streaming) envelope.
func (s *AnswerService) followUp(ctx context.Context, req models.QueryRequest, route Route) Outcome {
	retrieved, err := s.retriever.RehydrateFollowUp(ctx, req.ChatHistory)
	if err != nil {
		return errorOutcome(req, err,
			"I don't have previous context to continue from. Ask a full question first.")
	}

	params := s.router.Params(RouteFollowUp)
	system, prompt := BuildPrompt(RouteFollowUp, req.Source, req.UserQuery, ToPayloads(retrieved))

	needed := ai.EstimateTokens(prompt) + estimateHistoryTokens(req.ChatHistory) + params.MaxOutputTokens
	if !s.ledger.TryAcquire(ctx, needed, generateReserveWait) {
		return errorOutcome(req, ErrBusy, "")
	}

	answer, err := s.model.Generate(ctx, ai.GenerateRequest{
		Model:           params.Model,
		System:          system,
		Prompt:          prompt,
		History:         toModelHistory(req.ChatHistory),
		Temperature:     float32(params.Temperature),
		MaxOutputTokens: int32(params.MaxOutputTokens),
	})
	if err != nil {
		return errorOutcome(req, &LLMError{Err: err}, "")
	}

	resp := s.Finalize(RouteFollowUp, req, answer, retrieved)
	return Outcome{Response: &resp}
}

// docSummary serves the cached document summary, generating inline on
// first request and condensing when the request calls for it.
func (s *AnswerService) docSummary(ctx context.Context, req models.QueryRequest) Outcome {
	summary, err := s.summaries.GetOrGenerateDocSummary(ctx, req.UserID, req.ClassName, req.DocID, "")
	if err != nil {
		return errorOutcome(req, err, "")
	}

	text := summary.Text
	if s.summaries.NeedsCondensing(text, req.UserQuery) {
		condensed, err := s.summaries.Condense(ctx, text, req.UserQuery)
		if err == nil {
			text = condensed
		} else {
			logger.Warn("Condenser failed, returning stored summary", "error", err)
		}
	}

	resp := models.QueryResponse{
		Message:  text,
		Citation: s.fileCitations([]RetrievedChunk{{Chunk: *summary}}),
		Chats:    appendTurns(req, text, nil),
		Chunks:   []models.ChunkPayload{},
	}
	return Outcome{Response: &resp}
}

func (s *AnswerService) classSummary(ctx context.Context, req models.QueryRequest) Outcome {
	text, err := s.summaries.ClassSummary(ctx, req.UserID, req.ClassName, req.UserQuery)
	if err != nil {
		return errorOutcome(req, err, "")
	}
	resp := models.QueryResponse{
		Message:  text,
		Citation: []models.Citation{},
		Chats:    appendTurns(req, text, nil),
		Chunks:   []models.ChunkPayload{},
	}
	return Outcome{Response: &resp}
}

// RenumberCitations rewrites bracketed citations to a compact 1..m
// numbering in first-appearance order, remapping the chunk list to
// match. Uncited chunks keep trailing numbers and stay in the chunk
// list; the reference list contains cited chunks only. The operation is
// idempotent.
func RenumberCitations(answer string, chunks []models.ChunkPayload) (string, []models.ChunkPayload, []models.ChunkReference) {
	matches := citationRegex.FindAllStringSubmatch(answer, -1)

	remap := make(map[int]int)
	order := make([]int, 0, len(matches))
	for _, m := range matches {
		old, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, seen := remap[old]; !seen {
			remap[old] = len(order) + 1
			order = append(order, old)
		}
	}

	rewritten := citationRegex.ReplaceAllStringFunc(answer, func(tok string) string {
		old, _ := strconv.Atoi(tok[1 : len(tok)-1])
		if n, ok := remap[old]; ok {
			return "[" + strconv.Itoa(n) + "]"
		}
		return tok
	})

	byOldNumber := make(map[int]models.ChunkPayload, len(chunks))
	for _, c := range chunks {
		byOldNumber[c.ChunkNumber] = c
	}

	refs := make([]models.ChunkReference, 0, len(order))
	out := make([]models.ChunkPayload, 0, len(chunks))
	for _, old := range order {
		c, ok := byOldNumber[old]
		if !ok {
			continue
		}
		c.ChunkNumber = remap[old]
		out = append(out, c)
		refs = append(refs, models.ChunkReference{
			ChunkID:       c.ID,
			DisplayNumber: c.ChunkNumber,
			PageNumber:    c.PageNumber,
		})
	}

	// Uncited chunks stay available for debugging, numbered after the
	// cited ones.
	next := len(order) + 1
	for _, c := range chunks {
		if _, cited := remap[c.ChunkNumber]; cited {
			continue
		}
		c.ChunkNumber = next
		next++
		out = append(out, c)
	}

	return rewritten, out, refs
}

// ValidateQuotes drops lines whose quoted span is not a verbatim
// substring of any selected chunk, returning the filtered answer and
// the count of surviving quote lines.
func ValidateQuotes(answer string, chunks []models.ChunkPayload) (string, int) {
	lines := strings.Split(answer, "\n")
	kept := make([]string, 0, len(lines))
	quoteLines := 0

	for _, line := range lines {
		spans := quotedSpans(line)
		if len(spans) == 0 {
			kept = append(kept, line)
			continue
		}
		verbatim := true
		for _, span := range spans {
			if !spanInChunks(span, chunks) {
				verbatim = false
				break
			}
		}
		if verbatim {
			kept = append(kept, line)
			quoteLines++
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), quoteLines
}

func quotedSpans(line string) []string {
	var spans []string
	for _, m := range quotedRegex.FindAllStringSubmatch(line, -1) {
		span := m[1]
		if span == "" {
			span = m[2]
		}
		if span != "" {
			spans = append(spans, span)
		}
	}
	return spans
}

func spanInChunks(span string, chunks []models.ChunkPayload) bool {
	for _, c := range chunks {
		if strings.Contains(c.Text, span) {
			return true
		}
	}
	return false
}

// fileCitations builds per-file download links, deduped by file.
func (s *AnswerService) fileCitations(retrieved []RetrievedChunk) []models.Citation {
	seen := make(map[string]bool)
	citations := make([]models.Citation, 0, len(retrieved))
	for _, rc := range retrieved {
		if rc.Chunk.FileName == "" || seen[rc.Chunk.FileName] {
			continue
		}
		seen[rc.Chunk.FileName] = true
		href := fmt.Sprintf("%s/files/%s/download", s.cfg.BackendURL, rc.Chunk.DocID)
		citations = append(citations, models.Citation{
			Href:  &href,
			Text:  rc.Chunk.FileName,
			DocID: rc.Chunk.DocID,
		})
	}
	return citations
}

// errorOutcome maps a pipeline error to the response envelope. An
// optional message overrides the default copy for the status.
func errorOutcome(req models.QueryRequest, err error, message string) Outcome {
	status := StatusForError(err)
	if message == "" {
		message = defaultMessageForStatus(status)
	}

	resp := models.QueryResponse{
		Message:  message,
		Citation: []models.Citation{},
		Chats:    appendTurns(req, "", nil),
		Chunks:   []models.ChunkPayload{},
		Status:   status,
	}
	if status == models.StatusNoHit || status == models.StatusNeedsContext {
		resp.Suggestions = RefinementSuggestions
		if status == models.StatusNoHit {
			resp.Message = RefinementMessage
		}
	}
	return Outcome{Response: &resp}
}

func defaultMessageForStatus(status string) string {
	switch status {
	case models.StatusBusy:
		return "The assistant is at capacity right now. Please try again in a moment."
	case models.StatusNoHit:
		return RefinementMessage
	case models.StatusNeedsContext:
		return "Could you add a bit more detail to your question?"
	case models.StatusContextTooLarge:
		return "That request covers more material than can be processed at once. Try narrowing the scope."
	case models.StatusClassTooLarge:
		return "This class has too much material to summarize in one pass. Try summarizing individual documents."
	case models.StatusLLMError:
		return "The model call failed. Please try again."
	default:
		return "Something went wrong processing your question. Please try again."
	}
}

func respond(req models.QueryRequest, message string, suggestions []string, status string) Outcome {
	resp := models.QueryResponse{
		Message:     message,
		Citation:    []models.Citation{},
		Chats:       appendTurns(req, message, nil),
		Chunks:      []models.ChunkPayload{},
		Status:      status,
		Suggestions: suggestions,
	}
	return Outcome{Response: &resp}
}

// appendTurns extends the running history with this exchange. The
// assistant turn's references are the authoritative follow-up record.
func appendTurns(req models.QueryRequest, answer string, refs []models.ChunkReference) []models.ChatTurn {
	chats := append([]models.ChatTurn(nil), req.ChatHistory...)
	chats = append(chats, models.ChatTurn{Role: "user", Content: req.UserQuery})
	if answer != "" {
		chats = append(chats, models.ChatTurn{
			Role:            "assistant",
			Content:         answer,
			ChunkReferences: refs,
		})
	}
	return chats
}

func estimateHistoryTokens(history []models.ChatTurn) int {
	total := 0
	for _, t := range history {
		total += ai.EstimateTokens(t.Content)
	}
	return total
}

func toModelHistory(history []models.ChatTurn) []ai.Turn {
	turns := make([]ai.Turn, 0, len(history))
	for _, t := range history {
		role := "user"
		if t.Role == "assistant" || t.Role == "model" {
			role = "model"
		}
		turns = append(turns, ai.Turn{Role: role, Content: t.Content})
	}
	return turns
}
