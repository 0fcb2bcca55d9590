package services

import (
	"fmt"
	"strings"

	"class-chat-backend/models"
)

// noHitSentinel is the literal the model is instructed to emit when the
// provided context supports no answer.
const noHitSentinel = "NO_HIT_MESSAGE"

// RefinementSuggestions are offered whenever retrieval comes up empty.
var RefinementSuggestions = []string{
	"Try mentioning a specific topic, chapter, or concept from your materials.",
	"Select a single document instead of searching the whole class.",
	"Rephrase the question using terms that appear in your notes or slides.",
}

// RefinementMessage is the user-visible no-hit message.
const RefinementMessage = "I couldn't find anything in your materials that answers that. " +
	"Here are a few ways to refine your question:"

const basePrompt = `You are a study assistant answering strictly from the provided course material excerpts.
Use only the numbered context chunks below. Do not use outside knowledge.
If the chunks do not contain enough information to answer, reply exactly ` + noHitSentinel + ` and nothing else.`

const chromeExtensionBasePrompt = `You are a study assistant embedded in the user's browser, answering strictly from the provided course material excerpts.
Keep answers brief and scannable; the user is reading in a small side panel.
Use only the numbered context chunks below. Do not use outside knowledge.
If the chunks do not contain enough information to answer, reply exactly ` + noHitSentinel + ` and nothing else.`

const citationRules = `Citation rules:
- Cite supporting chunks with bracketed numbers, e.g. [2].
- When several chunks support one sentence, place the citations back to back with no punctuation between them, e.g. [1][3].
- Never write citation lists like [1, 3] or ranges like [1-3].
- Only cite chunk numbers that appear in the context.`

const quoteCitationRules = `Citation rules:
- Present each quote on its own line, wrapped in double quotes, ending with the chunk number, e.g. "..." [2].
- Quote text exactly as it appears in the chunk. Do not paraphrase inside quotation marks.
- Never write citation lists like [1, 3] or ranges like [1-3].`

// routeRules returns the per-route instruction block.
func routeRules(route Route) string {
	switch route {
	case RouteQuoteFinding:
		return `Find direct quotes from the context that are relevant to the request.
Return only quotes, one per line. If no relevant quote exists, reply exactly ` + noHitSentinel + `.`
	case RouteStudyGuide:
		return `Produce a structured study guide from the context: major topics as headings,
key concepts and definitions as bullet points under each, and a short self-test
question per topic. Cover only material present in the context.`
	case RouteSummary:
		return `Summarize the provided material faithfully. Lead with the main ideas, then
supporting detail. Do not introduce information absent from the context.`
	case RouteFollowUp:
		return `This is a follow-up to the previous exchange. Answer using the same context
chunks as before, carrying the conversation forward without repeating yourself.`
	default:
		return `Answer the question accurately and concisely based on the context.`
	}
}

// EscapeBraces doubles brace characters in chunk text so template
// variable syntax in downstream formatters cannot misread it.
func EscapeBraces(text string) string {
	text = strings.ReplaceAll(text, "{", "{{")
	return strings.ReplaceAll(text, "}", "}}")
}

// BuildContext renders the numbered chunk blocks.
func BuildContext(chunks []models.ChunkPayload) string {
	var b strings.Builder
	for _, c := range chunks {
		fmt.Fprintf(&b, "<chunk id='%d'>\n%s\n</chunk>\n\n", c.ChunkNumber, EscapeBraces(c.Text))
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildPrompt assembles the full generation prompt for a route.
func BuildPrompt(route Route, source, question string, chunks []models.ChunkPayload) (system, prompt string) {
	system = basePrompt
	if source == "chrome_extension" {
		system = chromeExtensionBasePrompt
	}

	rules := citationRules
	if route == RouteQuoteFinding {
		rules = quoteCitationRules
	}

	var b strings.Builder
	b.WriteString(routeRules(route))
	b.WriteString("\n\n")
	b.WriteString(rules)
	b.WriteString("\n\nContext:\n")
	b.WriteString(BuildContext(chunks))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	return system, b.String()
}

// Summarization prompts.

func documentSummaryPrompt(content string) string {
	return `Summarize the following study material. Capture the main ideas, key terms,
and the overall structure. Write in clear prose.

Material:
` + content
}

func sectionCombinePrompt(sections string) string {
	return `The following are section summaries of one document, in order. Combine them
into a single coherent document summary without losing key concepts.

Section summaries:
` + sections
}

func blockSummaryPrompt(block string) string {
	return `Summarize this excerpt of a longer document. Keep key terms and facts; omit
filler. The result will be combined with summaries of other excerpts.

Excerpt:
` + block
}

func reducePrompt(intermediates string) string {
	return `The following are summaries of consecutive parts of one document. Merge them
into one coherent summary of the whole document.

Part summaries:
` + intermediates
}

func classSummaryPrompt(summaries, query string) string {
	p := `The following are summaries of the documents in one class. Produce a unified
overview of the class material: shared themes, how the documents relate, and
the key concepts across them.`
	if strings.TrimSpace(query) != "" {
		p += "\nFollow any style or focus instructions implied by the user's request: " + query
	}
	return p + "\n\nDocument summaries:\n" + summaries
}

func condensePrompt(summary, query string) string {
	p := `Rewrite the following summary to directly serve the user's request. Preserve
the key concepts; follow formatting instructions implied by the request
(bullet points, glossary, shorter, etc.).

User request: ` + query
	return p + "\n\nSummary:\n" + summary
}

func rephrasePrompt(query string) string {
	return `Rewrite this question as a concise search query for retrieving study
material passages. Strip conversational filler; keep every content word.
Reply with the rewritten query only.

Question: ` + query
}

func routeTiebreakPrompt(query string, candidates []string) string {
	return fmt.Sprintf(`Classify the user's request as exactly one of: %s.
Reply with the single category name only.

Request: %s`, strings.Join(candidates, ", "), query)
}
