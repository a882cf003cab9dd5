// Package pipeline orchestrates the chat flow: classify, retrieve,
// rerank, score confidence, synthesize, and fall back to web search
// when the corpus cannot support an answer.
package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docsage/docsage/internal/cache"
	"github.com/docsage/docsage/internal/confidence"
	"github.com/docsage/docsage/internal/conversation"
	"github.com/docsage/docsage/internal/embed"
	sageerrors "github.com/docsage/docsage/internal/errors"
	"github.com/docsage/docsage/internal/rerank"
	"github.com/docsage/docsage/internal/retrieval"
	"github.com/docsage/docsage/internal/router"
	"github.com/docsage/docsage/internal/store"
	"github.com/docsage/docsage/internal/synth"
	"github.com/docsage/docsage/internal/websearch"
)

// MaxQueryLength bounds accepted query text.
const MaxQueryLength = 8192

// Conversational memory shaping.
const (
	// similarRecallTurns caps earlier turns recalled by embedding
	// similarity on top of the recency window.
	similarRecallTurns = 4
	// retrievalContextTurns is how many recent user turns condition
	// the retrieval query of a follow-up.
	retrievalContextTurns = 2
	// retrievalContextChars truncates each folded-in turn.
	retrievalContextChars = 240
)

// Request is one chat invocation with per-request overrides.
type Request struct {
	ConversationID      string
	Query               string
	TopK                int
	MaxContextChunks    int
	Mode                retrieval.Mode
	Alpha               float64
	Rerank              bool
	WebSearchEnabled    bool
	ConfidenceThreshold float64
	Temperature         float64
	MaxTokens           int
	Filters             *store.Filters
}

// Provenance is one cited chunk in the final answer.
type Provenance struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
	Source  string  `json:"source,omitempty"`
}

// Meta is emitted once, early, after routing.
type Meta struct {
	Route    string `json:"route"`
	Model    string `json:"model"`
	Instance string `json:"instance"`
	Category string `json:"category"`
	Rerank   string `json:"rerank,omitempty"` // "fallback" when the reranker degraded
	CacheHit bool   `json:"cache_hit,omitempty"`
}

// Answer is the complete chat result.
type Answer struct {
	Answer     string           `json:"answer"`
	Confidence float64          `json:"confidence"`
	Provenance []Provenance     `json:"provenance"`
	Route      confidence.Route `json:"route"`
	Model      string           `json:"model"`
	Instance   string           `json:"instance"`
	Category   router.Category  `json:"category"`
	CacheHit   bool             `json:"cache_hit,omitempty"`
	Timings    map[string]int64 `json:"timings"` // milliseconds per stage
	CreatedAt  time.Time        `json:"created_at"`
}

// Deps are the collaborating services the pipeline drives.
type Deps struct {
	Router        *router.ModelRouter
	Embedder      embed.Embedder
	Retriever     *retrieval.Retriever
	Reranker      *rerank.Client
	RerankEnabled bool // a reranker URL is configured
	Confidence    *confidence.Router
	Generator     *synth.Generator
	WebSearch     *websearch.Client
	Conversations *conversation.Store
	Answers       *cache.Answers[Answer]
	CacheEnabled  bool

	HistoryTurns        int
	CandidatePool       int
	ContextWindowTokens int
	GenerationTimeout   time.Duration
	Logger              *slog.Logger
}

// Pipeline executes chat requests.
type Pipeline struct {
	deps Deps
	log  *slog.Logger
}

// New creates a pipeline.
func New(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HistoryTurns <= 0 {
		deps.HistoryTurns = synth.DefaultHistoryTurns
	}
	return &Pipeline{deps: deps, log: deps.Logger}
}

func validate(req Request) error {
	if strings.TrimSpace(req.Query) == "" {
		return sageerrors.New(sageerrors.ErrCodeQueryEmpty, "query must not be empty", nil)
	}
	if len(req.Query) > MaxQueryLength {
		return sageerrors.New(sageerrors.ErrCodeQueryTooLong, "query exceeds the maximum length", nil)
	}
	if req.Alpha < 0 || req.Alpha > 1 {
		return sageerrors.ValidationError("alpha must be in [0,1]", nil)
	}
	return nil
}

func (p *Pipeline) cacheKey(req Request, model string) cache.Key {
	var filters map[string]string
	if req.Filters != nil {
		filters = req.Filters.Payload
	}
	return cache.Key{
		Query:   req.Query,
		Mode:    string(req.Mode),
		TopK:    req.TopK,
		ModelID: model,
		Alpha:   req.Alpha,
		Filters: filters,
	}
}

// Chat runs the full pipeline. onMeta fires once after routing; onToken
// fires per streamed fragment of the answer that is ultimately
// returned on the doc path (web retries are not re-streamed).
func (p *Pipeline) Chat(ctx context.Context, req Request, onMeta func(Meta), onToken func(string)) (Answer, error) {
	if err := validate(req); err != nil {
		return Answer{}, err
	}

	total := time.Now()
	timings := map[string]int64{}

	// Classify and pick the model before the cache lookup; the model is
	// part of the cache key.
	routeStart := time.Now()
	decision, err := p.deps.Router.Route(ctx, req.Query, router.Options{
		ConversationID: req.ConversationID,
	})
	timings["route_ms"] = time.Since(routeStart).Milliseconds()
	if err != nil {
		return Answer{}, err
	}

	// Conversation memory is loaded before retrieval so a follow-up
	// fragment resolves against the conversation's subject.
	history, err := p.history(ctx, req)
	if err != nil {
		p.log.Warn("history lookup failed, continuing without",
			slog.String("conversation_id", req.ConversationID),
			slog.String("error", err.Error()))
		history = nil
	}

	key := p.cacheKey(req, decision.ModelID)
	// History-conditioned answers are not reusable across conversations,
	// so they bypass the cache in both directions.
	cacheable := len(history) == 0
	if cacheable && p.deps.CacheEnabled && p.deps.Answers != nil {
		if cached, ok := p.deps.Answers.Get(key); ok {
			cached.CacheHit = true
			cached.CreatedAt = time.Now().UTC()
			cached.Timings = map[string]int64{"total_ms": time.Since(total).Milliseconds()}
			if onMeta != nil {
				onMeta(Meta{
					Route:    string(cached.Route),
					Model:    cached.Model,
					Instance: cached.Instance,
					Category: string(cached.Category),
					CacheHit: true,
				})
			}
			if onToken != nil {
				onToken(cached.Answer)
			}
			return cached, nil
		}
	}

	// Retrieval. Fail fast when the vector arm has nowhere to embed.
	if req.Mode != retrieval.ModeLexicalOnly && !p.deps.Embedder.Available(ctx) {
		return Answer{}, sageerrors.New(sageerrors.ErrCodeNoInstance,
			"no instance serves the embedding model", nil)
	}
	retrieveStart := time.Now()
	candidates, err := p.deps.Retriever.Retrieve(ctx, retrievalQuery(req.Query, history), retrieval.Options{
		Mode:    req.Mode,
		TopK:    req.TopK,
		Pool:    p.deps.CandidatePool,
		Alpha:   req.Alpha,
		Filters: req.Filters,
	})
	timings["retrieve_ms"] = time.Since(retrieveStart).Milliseconds()
	if err != nil {
		return Answer{}, err
	}

	// Rerank.
	coverage := confidence.CoverageDisabled
	rerankAnnotation := ""
	if req.Rerank && p.deps.RerankEnabled {
		rerankStart := time.Now()
		ranked, reranked := p.deps.Reranker.Rerank(ctx, req.Query, candidates, req.TopK)
		timings["rerank_ms"] = time.Since(rerankStart).Milliseconds()
		candidates = ranked
		if reranked {
			coverage = confidence.CoverageReranked
		} else {
			coverage = confidence.CoverageFallback
			rerankAnnotation = "fallback"
		}
	}

	confRouter := p.deps.Confidence
	if req.ConfidenceThreshold > 0 && req.ConfidenceThreshold != confRouter.Threshold() {
		confRouter = confidence.NewRouter(req.ConfidenceThreshold)
	}

	retrievalConf := confidence.Retrieval(req.Query, candidates, coverage)
	route := confRouter.PreSynthesis(retrievalConf, req.WebSearchEnabled && p.deps.WebSearch.Enabled())

	if onMeta != nil {
		onMeta(Meta{
			Route:    string(route),
			Model:    decision.ModelID,
			Instance: decision.Instance.Name,
			Category: string(decision.Category),
			Rerank:   rerankAnnotation,
		})
	}

	var answer Answer
	switch route {
	case confidence.RouteWeb:
		answer, err = p.webAnswer(ctx, req, decision, history, timings, onToken)
	default:
		answer, err = p.docAnswer(ctx, req, decision, confRouter, candidates, retrievalConf, history, timings, onToken)
	}
	if err != nil {
		return Answer{}, err
	}

	answer.Category = decision.Category
	answer.Model = decision.ModelID
	answer.Instance = decision.Instance.Name
	answer.CreatedAt = time.Now().UTC()
	timings["total_ms"] = time.Since(total).Milliseconds()
	answer.Timings = timings

	p.persist(ctx, req, answer)

	if cacheable && p.shouldCache(ctx, confRouter, answer) {
		p.deps.Answers.Add(key, answer)
	}
	return answer, nil
}

// docAnswer synthesizes from corpus chunks, then re-scores; a weak
// answer triggers one web retry when enabled, keeping the better of
// the two.
func (p *Pipeline) docAnswer(ctx context.Context, req Request, decision router.Decision,
	confRouter *confidence.Router, candidates []retrieval.Candidate, retrievalConf float64,
	history []synth.Turn, timings map[string]int64, onToken func(string)) (Answer, error) {

	text, included, err := p.synthesize(ctx, req, decision, candidates, history, false, timings, onToken)
	if err != nil {
		return Answer{}, err
	}

	conf := confidence.Answer(retrievalConf, text, candidates)
	docAnswer := Answer{
		Answer:     text,
		Confidence: conf,
		Provenance: provenanceOf(included),
		Route:      confidence.RouteDoc,
	}

	webEnabled := req.WebSearchEnabled && p.deps.WebSearch.Enabled()
	if !confRouter.ShouldRetryWeb(conf, webEnabled) {
		return docAnswer, nil
	}

	// The doc answer was weak; try the web once. Its tokens are not
	// re-streamed, only the final answer can switch.
	webAnswer, err := p.webAnswer(ctx, req, decision, history, timings, nil)
	if err != nil {
		if ctx.Err() != nil {
			return Answer{}, ctx.Err()
		}
		p.log.Warn("web retry failed, keeping doc answer",
			slog.String("error", err.Error()))
		docAnswer.Route = confidence.RouteDocWebFallbackFailed
		return docAnswer, nil
	}

	if confRouter.PickBest(docAnswer.Confidence, webAnswer.Confidence) == confidence.RouteWeb {
		return webAnswer, nil
	}
	return docAnswer, nil
}

// webAnswer searches the web and synthesizes from the snippets.
func (p *Pipeline) webAnswer(ctx context.Context, req Request, decision router.Decision,
	history []synth.Turn, timings map[string]int64, onToken func(string)) (Answer, error) {

	searchStart := time.Now()
	results, err := p.deps.WebSearch.Search(ctx, req.Query)
	timings["web_search_ms"] = time.Since(searchStart).Milliseconds()
	if err != nil {
		return Answer{}, err
	}

	webCands := websearch.AsCandidates(results)
	text, included, err := p.synthesize(ctx, req, decision, webCands, history, true, timings, onToken)
	if err != nil {
		return Answer{}, err
	}

	conf := confidence.Answer(
		confidence.Retrieval(req.Query, webCands, confidence.CoverageDisabled),
		text, webCands)

	return Answer{
		Answer:     text,
		Confidence: conf,
		Provenance: provenanceOf(included),
		Route:      confidence.RouteWeb,
	}, nil
}

func (p *Pipeline) synthesize(ctx context.Context, req Request, decision router.Decision,
	candidates []retrieval.Candidate, history []synth.Turn, webSources bool,
	timings map[string]int64, onToken func(string)) (string, []retrieval.Candidate, error) {

	prompt, err := synth.BuildPrompt(synth.PromptInput{
		Query:               req.Query,
		Candidates:          candidates,
		History:             history,
		WebSources:          webSources,
		MaxContextChunks:    req.MaxContextChunks,
		ContextWindowTokens: p.deps.ContextWindowTokens,
		ResponseBudget:      req.MaxTokens,
	})
	if err != nil {
		return "", nil, err
	}

	genStart := time.Now()
	text, err := p.deps.Generator.Generate(ctx, decision.Instance, synth.GenerateParams{
		Model:       decision.ModelID,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Timeout:     p.deps.GenerationTimeout,
	}, prompt, onToken)
	timings["generate_ms"] = time.Since(genStart).Milliseconds()
	if err != nil {
		return "", nil, err
	}
	return text, prompt.Included, nil
}

// history assembles prompt memory: the last turns of the conversation
// plus semantically similar earlier turns that the recency window
// missed, oldest first.
func (p *Pipeline) history(ctx context.Context, req Request) ([]synth.Turn, error) {
	if req.ConversationID == "" || p.deps.Conversations == nil {
		return nil, nil
	}
	recent, err := p.deps.Conversations.LastTurns(ctx, req.ConversationID, p.deps.HistoryTurns)
	if err != nil {
		return nil, err
	}

	recalled := p.recallSimilar(ctx, req, recent)

	out := make([]synth.Turn, 0, len(recalled)+len(recent))
	for _, t := range recalled {
		out = append(out, synth.Turn{Role: t.Role, Content: t.Content})
	}
	for _, t := range recent {
		out = append(out, synth.Turn{Role: t.Role, Content: t.Content})
	}
	return out, nil
}

// recallSimilar returns earlier turns similar to the query, excluding
// those already in the recency window. Recall is best effort; failures
// only lose the extra memory.
func (p *Pipeline) recallSimilar(ctx context.Context, req Request, recent []conversation.Turn) []conversation.Turn {
	vec, err := p.deps.Embedder.Embed(ctx, req.Query)
	if err != nil {
		p.log.Warn("query embedding for turn recall failed",
			slog.String("error", err.Error()))
		return nil
	}
	similar, err := p.deps.Conversations.SimilarTurns(ctx, req.ConversationID, vec, similarRecallTurns)
	if err != nil {
		p.log.Warn("similar turn recall failed",
			slog.String("error", err.Error()))
		return nil
	}

	seen := make(map[string]bool, len(recent))
	for _, t := range recent {
		seen[t.Role+"\x00"+t.Content] = true
	}
	out := similar[:0]
	for _, t := range similar {
		if !seen[t.Role+"\x00"+t.Content] {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// retrievalQuery folds the latest user turns into the query text so a
// follow-up fragment like "what about firewall requirements?" retrieves
// against the conversation's subject, not the fragment alone.
func retrievalQuery(query string, history []synth.Turn) string {
	var turns []string
	for i := len(history) - 1; i >= 0 && len(turns) < retrievalContextTurns; i-- {
		if history[i].Role != "user" {
			continue
		}
		content := history[i].Content
		if len(content) > retrievalContextChars {
			content = content[:retrievalContextChars]
		}
		turns = append(turns, content)
	}
	if len(turns) == 0 {
		return query
	}
	// Oldest context first, the live query last.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return strings.Join(append(turns, query), "\n")
}

// persist appends the exchange to the conversation. Skipped entirely
// when the request was cancelled.
func (p *Pipeline) persist(ctx context.Context, req Request, answer Answer) {
	if req.ConversationID == "" || p.deps.Conversations == nil || ctx.Err() != nil {
		return
	}

	var queryVec []float32
	if vec, err := p.deps.Embedder.Embed(ctx, req.Query); err == nil {
		queryVec = vec
	}

	if err := p.deps.Conversations.Append(ctx, req.ConversationID, "user", req.Query, queryVec); err != nil {
		p.log.Warn("failed to persist user turn", slog.String("error", err.Error()))
		return
	}
	if err := p.deps.Conversations.Append(ctx, req.ConversationID, "assistant", answer.Answer, nil); err != nil {
		p.log.Warn("failed to persist assistant turn", slog.String("error", err.Error()))
	}
}

// shouldCache applies the no-partial-writes policy: only complete,
// confident, non-cancelled answers enter the cache.
func (p *Pipeline) shouldCache(ctx context.Context, confRouter *confidence.Router, answer Answer) bool {
	if !p.deps.CacheEnabled || p.deps.Answers == nil || ctx.Err() != nil {
		return false
	}
	return answer.Confidence >= confRouter.Threshold()
}

// SearchRequest is one /search invocation: retrieval plus optional
// rerank, without synthesis.
type SearchRequest struct {
	Query   string
	TopK    int
	Mode    retrieval.Mode
	Alpha   float64
	Rerank  bool
	Filters *store.Filters
}

// SearchResult carries the ranked candidates and stage timings.
type SearchResult struct {
	Results []retrieval.Candidate `json:"results"`
	Rerank  string                `json:"rerank,omitempty"`
	Timings map[string]int64      `json:"timings"`
}

// Search runs retrieval (and optionally reranking) standalone.
func (p *Pipeline) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return SearchResult{}, sageerrors.New(sageerrors.ErrCodeQueryEmpty, "query must not be empty", nil)
	}

	if req.Mode != retrieval.ModeLexicalOnly && !p.deps.Embedder.Available(ctx) {
		return SearchResult{}, sageerrors.New(sageerrors.ErrCodeNoInstance,
			"no instance serves the embedding model", nil)
	}

	timings := map[string]int64{}
	start := time.Now()

	candidates, err := p.deps.Retriever.Retrieve(ctx, req.Query, retrieval.Options{
		Mode:    req.Mode,
		TopK:    req.TopK,
		Pool:    p.deps.CandidatePool,
		Alpha:   req.Alpha,
		Filters: req.Filters,
	})
	timings["retrieve_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		return SearchResult{}, err
	}

	annotation := ""
	if req.Rerank && p.deps.RerankEnabled {
		rerankStart := time.Now()
		ranked, reranked := p.deps.Reranker.Rerank(ctx, req.Query, candidates, req.TopK)
		timings["rerank_ms"] = time.Since(rerankStart).Milliseconds()
		candidates = ranked
		if !reranked {
			annotation = "fallback"
		}
	}

	timings["total_ms"] = time.Since(start).Milliseconds()
	return SearchResult{Results: candidates, Rerank: annotation, Timings: timings}, nil
}

func provenanceOf(included []retrieval.Candidate) []Provenance {
	out := make([]Provenance, len(included))
	for i, c := range included {
		out[i] = Provenance{ChunkID: c.ChunkID, Score: c.FinalScore, Source: c.Source}
	}
	return out
}
