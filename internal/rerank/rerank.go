// Package rerank re-orders retrieval candidates with an external
// cross-encoder service, falling back to the input order when the
// service misbehaves.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/docsage/docsage/internal/retrieval"
)

// DefaultTimeout bounds one rerank call.
const DefaultTimeout = 3 * time.Second

type rerankRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
	TopK     int      `json:"top_k"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Client calls the external reranker.
type Client struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a reranker client. An empty URL disables reranking;
// Rerank then always takes the fallback path.
func NewClient(url string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{url: url, timeout: timeout, client: &http.Client{}, logger: logger}
}

// Rerank returns up to topK candidates ordered by reranker score. On
// any failure (HTTP error, timeout, bad payload, length mismatch) it
// returns the input order truncated to topK with reranked=false. It
// never returns an error.
func (c *Client) Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, topK int) ([]retrieval.Candidate, bool) {
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}
	if len(candidates) == 0 {
		return candidates, false
	}
	if c.url == "" {
		return candidates[:topK], false
	}

	scores, err := c.score(ctx, query, candidates, topK)
	if err != nil {
		c.logger.Warn("rerank failed, using retrieval order",
			slog.Int("candidates", len(candidates)),
			slog.String("error", err.Error()))
		return candidates[:topK], false
	}

	// Reranker score replaces the final score; the pre-rerank scores
	// stay on the candidate for observability.
	ranked := make([]retrieval.Candidate, len(candidates))
	copy(ranked, candidates)
	for i := range ranked {
		ranked[i].RerankScore = clamp01(scores[i])
		ranked[i].Reranked = true
		ranked[i].FinalScore = ranked[i].RerankScore
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].FinalScore > ranked[j].FinalScore
	})
	return ranked[:topK], true
}

func (c *Client) score(ctx context.Context, query string, candidates []retrieval.Candidate, topK int) ([]float64, error) {
	passages := make([]string, len(candidates))
	for i, cand := range candidates {
		passages[i] = cand.Content
	}

	body, err := json.Marshal(rerankRequest{Query: query, Passages: passages, TopK: topK})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reranker returned status %d", resp.StatusCode)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("invalid reranker payload: %w", err)
	}
	if len(parsed.Scores) != len(candidates) {
		return nil, fmt.Errorf("reranker returned %d scores for %d passages",
			len(parsed.Scores), len(candidates))
	}
	return parsed.Scores, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
