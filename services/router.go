package services

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"class-chat-backend/internal/ai"
	"class-chat-backend/internal/config"
	"class-chat-backend/internal/logger"
)

// Route is the closed set of query-handling strategies. Behavior is
// dispatched on the variant, never on raw strings.
type Route int

const (
	RouteGeneralQA Route = iota
	RouteFollowUp
	RouteQuoteFinding
	RouteStudyGuide
	RouteSummary
)

func (r Route) String() string {
	switch r {
	case RouteFollowUp:
		return "follow_up"
	case RouteQuoteFinding:
		return "quote_finding"
	case RouteStudyGuide:
		return "generate_study_guide"
	case RouteSummary:
		return "summary"
	default:
		return "general_qa"
	}
}

// ParseRoute inverts String. Used to validate LLM tiebreak output.
func ParseRoute(name string) (Route, bool) {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case "follow_up":
		return RouteFollowUp, true
	case "quote_finding":
		return RouteQuoteFinding, true
	case "generate_study_guide":
		return RouteStudyGuide, true
	case "summary":
		return RouteSummary, true
	case "general_qa":
		return RouteGeneralQA, true
	default:
		return RouteGeneralQA, false
	}
}

// Mode is the orthogonal flow classification.
type Mode int

const (
	ModeSpecific Mode = iota
	ModeDocSummary
	ModeClassSummary
	ModeStudyGuide
	ModeFollowUp
	// ModeSelectScope means a summary was requested with neither a
	// document nor a class in scope; the user must pick one.
	ModeSelectScope
)

// RouteParams are the per-route retrieval and generation knobs.
type RouteParams struct {
	K               int
	NumCandidates   int
	Temperature     float64
	MaxOutputTokens int
	Model           string
}

// Regex gates, checked in priority order.
var (
	followUpRegex = regexp.MustCompile(`(?i)^\s*(go on|continue|keep going|tell me more|more please|elaborate|expand on (that|this)|what about (that|this|it)|and (then|also)\b|what else|why is that|can you clarify)`)
	quoteRegex    = regexp.MustCompile(`(?i)\b(quote|quotes|quotation|verbatim|exact (words|phrase|wording)|word for word)\b`)
	guideRegex    = regexp.MustCompile(`(?i)\bstudy[\s-]?guide\b|\bmake me a guide\b|\brevision guide\b`)
	summaryRegex  = regexp.MustCompile(`(?i)\b(summar(y|ies|ize|ise|ized|ised)|overview|recap|tl;?dr|main (points|ideas))\b`)

	quoteBoilerplateRegex = regexp.MustCompile(`(?i)\b(find|give|show|get)( me)?\b|\ba |\bthe |\bquotes?\b|\bquotation\b|\babout\b|\bon\b|\bfrom\b|\bplease\b|\bverbatim\b|\bexact\b|\bwords?\b|\bphrase\b`)
)

// orderedGates pairs each gated route with its pattern, in priority
// order.
var orderedGates = []struct {
	route   Route
	pattern *regexp.Regexp
}{
	{RouteFollowUp, followUpRegex},
	{RouteQuoteFinding, quoteRegex},
	{RouteStudyGuide, guideRegex},
	{RouteSummary, summaryRegex},
}

// RouteCache memoizes LLM tiebreak decisions across processes.
type RouteCache interface {
	Get(ctx context.Context, query string) (string, bool)
	Set(ctx context.Context, query, route string)
}

// redisRouteCache keys by lowercase query text with a daily TTL.
type redisRouteCache struct {
	rdb *redis.Client
}

func NewRedisRouteCache(rdb *redis.Client) RouteCache {
	return &redisRouteCache{rdb: rdb}
}

func (c *redisRouteCache) key(query string) string {
	return "route:" + strings.ToLower(strings.TrimSpace(query))
}

func (c *redisRouteCache) Get(ctx context.Context, query string) (string, bool) {
	val, err := c.rdb.Get(ctx, c.key(query)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (c *redisRouteCache) Set(ctx context.Context, query, route string) {
	if err := c.rdb.Set(ctx, c.key(query), route, 24*time.Hour).Err(); err != nil {
		logger.Debug("Route cache set failed", "error", err)
	}
}

// Router decides the route and mode for each query.
type Router struct {
	gen   Generator
	cache RouteCache
	cfg   *config.Config
}

func NewRouter(gen Generator, cache RouteCache, cfg *config.Config) *Router {
	return &Router{gen: gen, cache: cache, cfg: cfg}
}

// DecideRoute runs the regex gates in priority order; multiple hits go
// to a small cached LLM tiebreak, falling back to the first hit.
func (r *Router) DecideRoute(ctx context.Context, query string) Route {
	var hits []Route
	for _, gate := range orderedGates {
		if gate.pattern.MatchString(query) {
			hits = append(hits, gate.route)
		}
	}

	switch len(hits) {
	case 0:
		return RouteGeneralQA
	case 1:
		return hits[0]
	}
	return r.tiebreak(ctx, query, hits)
}

func (r *Router) tiebreak(ctx context.Context, query string, hits []Route) Route {
	if cached, ok := r.cache.Get(ctx, query); ok {
		if route, valid := ParseRoute(cached); valid {
			return route
		}
	}

	names := make([]string, len(hits))
	for i, h := range hits {
		names[i] = h.String()
	}

	out, err := r.gen.Generate(ctx, ai.GenerateRequest{
		Model:           r.cfg.RouterModel,
		Prompt:          routeTiebreakPrompt(query, names),
		Temperature:     0,
		MaxOutputTokens: 16,
	})
	if err != nil {
		logger.Debug("Route tiebreak failed, using first hit", "error", err)
		return hits[0]
	}

	route, valid := ParseRoute(out)
	if !valid {
		return hits[0]
	}
	// Only accept a route that actually matched a gate.
	for _, h := range hits {
		if h == route {
			r.cache.Set(ctx, query, route.String())
			return route
		}
	}
	return hits[0]
}

// DecideMode maps a route plus the request scope to the flow mode.
// docID and className use the literal "null" when absent.
func (r *Router) DecideMode(route Route, docID, className string) Mode {
	hasDoc := scopePresent(docID)
	hasClass := scopePresent(className)

	switch route {
	case RouteFollowUp:
		return ModeFollowUp
	case RouteStudyGuide:
		return ModeStudyGuide
	case RouteSummary:
		switch {
		case hasDoc:
			return ModeDocSummary
		case hasClass:
			return ModeClassSummary
		default:
			return ModeSelectScope
		}
	default:
		return ModeSpecific
	}
}

// Params resolves the per-route knobs from configuration.
func (r *Router) Params(route Route) RouteParams {
	p := RouteParams{
		K:               r.cfg.RAGK,
		NumCandidates:   r.cfg.RAGCandidates,
		Temperature:     r.cfg.RAGTempGeneral,
		MaxOutputTokens: r.cfg.RAGMaxTokens,
		Model:           r.cfg.ModelForRoute(route.String()),
	}
	switch route {
	case RouteFollowUp:
		p.K = r.cfg.RAGKFollowup
		p.Temperature = r.cfg.RAGTempFollowup
	case RouteQuoteFinding:
		p.K = r.cfg.RAGKQuote
		p.Temperature = r.cfg.RAGTempQuote
		p.MaxOutputTokens = r.cfg.RAGMaxTokensQuote
	case RouteStudyGuide:
		p.K = r.cfg.RAGKGuide
		p.Temperature = r.cfg.RAGTempGuide
		p.MaxOutputTokens = r.cfg.RAGMaxTokensGuide
	case RouteSummary:
		p.K = r.cfg.RAGKSum
		p.Temperature = r.cfg.RAGTempSum
		p.MaxOutputTokens = r.cfg.RAGMaxTokensSum
	}
	return p
}

// MeaningfulQuoteQuery strips quote-request boilerplate and reports
// whether enough content words remain to search on.
func MeaningfulQuoteQuery(query string) (string, bool) {
	stripped := quoteBoilerplateRegex.ReplaceAllString(query, " ")
	tokens := strings.Fields(stripped)
	meaningful := tokens[:0]
	for _, t := range tokens {
		t = strings.Trim(t, `.,;:!?"'`)
		if len(t) > 1 {
			meaningful = append(meaningful, t)
		}
	}
	return strings.Join(meaningful, " "), len(meaningful) >= 3
}

func scopePresent(v string) bool {
	return v != "" && v != "null"
}
