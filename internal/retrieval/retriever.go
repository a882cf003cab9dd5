// Package retrieval produces top-K chunk candidates for a query by
// vector similarity, BM25, or a weighted fusion of both.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/docsage/docsage/internal/embed"
	sageerrors "github.com/docsage/docsage/internal/errors"
	"github.com/docsage/docsage/internal/lexical"
	"github.com/docsage/docsage/internal/store"
)

// Mode selects how candidates are gathered.
type Mode string

const (
	ModeVectorOnly  Mode = "vector_only"
	ModeLexicalOnly Mode = "lexical_only"
	ModeHybrid      Mode = "hybrid"
)

// ParseMode validates a mode string, defaulting to hybrid.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeVectorOnly, ModeLexicalOnly, ModeHybrid:
		return Mode(s), nil
	case "":
		return ModeHybrid, nil
	default:
		return "", sageerrors.ValidationError(
			"retrieval mode must be vector_only, lexical_only, or hybrid", nil)
	}
}

// Candidate is one retrieved chunk with its scores. VectorScore and
// BM25Score are the raw per-source scores; FinalScore is what the
// chosen mode ranked by, always in [0,1].
type Candidate struct {
	ChunkID     string  `json:"chunk_id"`
	Content     string  `json:"content"`
	Source      string  `json:"source,omitempty"`
	Section     string  `json:"section,omitempty"`
	Page        int     `json:"page,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
	DocumentID  string  `json:"document_id,omitempty"`
	VectorScore float64 `json:"vector_score"`
	BM25Score   float64 `json:"bm25_score"`
	RerankScore float64 `json:"rerank_score,omitempty"`
	Reranked    bool    `json:"reranked,omitempty"`
	FinalScore  float64 `json:"final_score"`

	payload map[string]string
}

// Options adjust a single retrieval.
type Options struct {
	Mode           Mode
	TopK           int
	Pool           int     // candidate pool fetched per source before fusion
	Alpha          float64 // vector weight in hybrid fusion; out of [0,1] means default 0.7
	Filters        *store.Filters
	MinVectorScore float64
}

// Retriever runs vector and lexical searches and fuses the results.
type Retriever struct {
	embedder embed.Embedder
	vectors  store.VectorStore
	lexical  *lexical.Index
	logger   *slog.Logger
}

// NewRetriever wires the retriever over its three sources.
func NewRetriever(embedder embed.Embedder, vectors store.VectorStore, lex *lexical.Index, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{embedder: embedder, vectors: vectors, lexical: lex, logger: logger}
}

// Retrieve returns up to TopK candidates for the query, distinct by
// chunk ID and sorted descending by the mode's score. Filters apply
// after fusion.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) ([]Candidate, error) {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.Pool < opts.TopK {
		opts.Pool = 50
	}
	if opts.Mode == "" {
		opts.Mode = ModeHybrid
	}

	count, err := r.vectors.Count(ctx)
	if err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeStoreUnavailable,
			"vector store count failed", err)
	}
	if count == 0 && r.lexical.Len() == 0 {
		return nil, sageerrors.New(sageerrors.ErrCodeEmptyCorpus,
			"no documents have been ingested", nil)
	}

	var candidates []Candidate
	switch opts.Mode {
	case ModeVectorOnly:
		candidates, err = r.vectorCandidates(ctx, query, opts.Pool)
		if err != nil {
			return nil, err
		}
		for i := range candidates {
			candidates[i].FinalScore = candidates[i].VectorScore
		}
	case ModeLexicalOnly:
		candidates = r.lexicalCandidates(query, opts.Pool)
		normalized := minMax(scoresOf(candidates, func(c Candidate) float64 { return c.BM25Score }))
		for i := range candidates {
			candidates[i].FinalScore = normalized[i]
		}
	case ModeHybrid:
		candidates, err = r.hybridCandidates(ctx, query, opts)
		if err != nil {
			return nil, err
		}
	}

	candidates = applyFilters(candidates, opts.Filters, opts.MinVectorScore)

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].FinalScore != candidates[j].FinalScore {
			return candidates[i].FinalScore > candidates[j].FinalScore
		}
		return candidates[i].ChunkID < candidates[j].ChunkID
	})
	if len(candidates) > opts.TopK {
		candidates = candidates[:opts.TopK]
	}
	return candidates, nil
}

func (r *Retriever) vectorCandidates(ctx context.Context, query string, pool int) ([]Candidate, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := r.vectors.Search(ctx, vec, pool, nil)
	if err != nil {
		if sageerrors.GetCode(err) != "" {
			return nil, err
		}
		return nil, sageerrors.New(sageerrors.ErrCodeStoreUnavailable,
			"vector search failed", err)
	}

	candidates := make([]Candidate, len(hits))
	for i, hit := range hits {
		candidates[i] = fromPayload(hit.ID, hit.Payload)
		candidates[i].VectorScore = hit.Score
	}
	return candidates, nil
}

func (r *Retriever) lexicalCandidates(query string, pool int) []Candidate {
	hits := r.lexical.Search(query, pool)
	candidates := make([]Candidate, len(hits))
	for i, hit := range hits {
		candidates[i] = fromPayload(hit.ID, hit.Payload)
		candidates[i].BM25Score = hit.Score
	}
	return candidates
}

// hybridCandidates runs both sources in parallel, min-max normalizes
// each score list, and fuses over the union with missing scores as 0.
func (r *Retriever) hybridCandidates(ctx context.Context, query string, opts Options) ([]Candidate, error) {
	var vecCands, lexCands []Candidate

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vecCands, err = r.vectorCandidates(gctx, query, opts.Pool)
		return err
	})
	g.Go(func() error {
		lexCands = r.lexicalCandidates(query, opts.Pool)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vecNorm := minMax(scoresOf(vecCands, func(c Candidate) float64 { return c.VectorScore }))
	lexNorm := minMax(scoresOf(lexCands, func(c Candidate) float64 { return c.BM25Score }))

	merged := make(map[string]*Candidate, len(vecCands)+len(lexCands))
	fusedVec := make(map[string]float64)
	fusedLex := make(map[string]float64)

	for i := range vecCands {
		c := vecCands[i]
		merged[c.ChunkID] = &c
		fusedVec[c.ChunkID] = vecNorm[i]
	}
	for i := range lexCands {
		c := lexCands[i]
		if existing, ok := merged[c.ChunkID]; ok {
			existing.BM25Score = c.BM25Score
		} else {
			merged[c.ChunkID] = &c
		}
		fusedLex[c.ChunkID] = lexNorm[i]
	}

	alpha := opts.Alpha
	if alpha < 0 || alpha > 1 {
		alpha = 0.7
	}

	out := make([]Candidate, 0, len(merged))
	for id, c := range merged {
		c.FinalScore = alpha*fusedVec[id] + (1-alpha)*fusedLex[id]
		out = append(out, *c)
	}
	return out, nil
}

func applyFilters(candidates []Candidate, filters *store.Filters, minVectorScore float64) []Candidate {
	if filters == nil && minVectorScore <= 0 {
		return candidates
	}
	out := candidates[:0]
	for _, c := range candidates {
		if minVectorScore > 0 && c.VectorScore < minVectorScore {
			continue
		}
		if !filters.Match(c.payload) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func fromPayload(id string, payload map[string]string) Candidate {
	page, _ := strconv.Atoi(payload[store.PayloadPage])
	return Candidate{
		ChunkID:     id,
		Content:     payload[store.PayloadContent],
		Source:      payload[store.PayloadSource],
		Section:     payload[store.PayloadSection],
		Page:        page,
		ContentType: payload[store.PayloadContentType],
		DocumentID:  payload[store.PayloadDocumentID],
		payload:     payload,
	}
}

func scoresOf(candidates []Candidate, get func(Candidate) float64) []float64 {
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = get(c)
	}
	return scores
}

// minMax normalizes scores to [0,1] over the list. A constant list
// normalizes to all 1s so equally-scored candidates are not zeroed.
func minMax(scores []float64) []float64 {
	if len(scores) == 0 {
		return scores
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}

	out := make([]float64, len(scores))
	if hi == lo {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}
