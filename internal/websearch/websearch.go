// Package websearch queries an external metasearch service when
// document retrieval confidence is too low.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	sageerrors "github.com/docsage/docsage/internal/errors"
	"github.com/docsage/docsage/internal/retrieval"
)

// DefaultTimeout bounds one search call (each of the two attempts).
const DefaultTimeout = 8 * time.Second

// Result is one normalized web search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Engine  string `json:"engine,omitempty"`
	Rank    int    `json:"rank"`
}

type jsonResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
		Engine  string `json:"engine"`
	} `json:"results"`
}

// Client calls the search service, preferring its JSON API and falling
// back to HTML scraping once. A circuit breaker shields the service
// while it is down.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	breaker *sageerrors.CircuitBreaker
	logger  *slog.Logger
}

// NewClient creates a web search client. An empty baseURL disables web
// search; Search then always fails with WebSearchUnavailable.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{},
		breaker: sageerrors.NewCircuitBreaker("websearch",
			sageerrors.WithMaxFailures(3),
			sageerrors.WithResetTimeout(30*time.Second),
		),
		logger:  logger,
	}
}

// Enabled reports whether a search backend is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// Search returns normalized results for the query. The JSON endpoint is
// tried first; on failure the HTML endpoint is parsed once. Both
// failing surfaces WebSearchUnavailable.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	if c.baseURL == "" {
		return nil, sageerrors.New(sageerrors.ErrCodeWebSearchFailed,
			"web search is not configured", nil)
	}
	if !c.breaker.Allow() {
		return nil, sageerrors.New(sageerrors.ErrCodeWebSearchFailed,
			"web search circuit open", sageerrors.ErrCircuitOpen)
	}

	results, jsonErr := c.searchJSON(ctx, query)
	if jsonErr == nil {
		c.breaker.RecordSuccess()
		return results, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Degraded path, not an error; log at warn and try HTML once.
	c.logger.Warn("web search JSON endpoint failed, trying HTML",
		slog.String("error", jsonErr.Error()))

	results, htmlErr := c.searchHTML(ctx, query)
	if htmlErr == nil {
		c.breaker.RecordSuccess()
		return results, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	c.breaker.RecordFailure()
	return nil, sageerrors.New(sageerrors.ErrCodeWebSearchFailed,
		"both search endpoints failed", fmt.Errorf("json: %v; html: %w", jsonErr, htmlErr))
}

func (c *Client) searchJSON(ctx context.Context, query string) ([]Result, error) {
	body, err := c.fetch(ctx, query, "json")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var parsed jsonResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("invalid search payload: %w", err)
	}

	results := make([]Result, 0, len(parsed.Results))
	for i, r := range parsed.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
			Engine:  r.Engine,
			Rank:    i + 1,
		})
	}
	return results, nil
}

func (c *Client) searchHTML(ctx context.Context, query string) ([]Result, error) {
	body, err := c.fetch(ctx, query, "")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	results, err := parseResultsHTML(body)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no results parsed from HTML")
	}
	return results, nil
}

func (c *Client) fetch(ctx context.Context, query, format string) (io.ReadCloser, error) {
	params := url.Values{"q": {query}}
	if format != "" {
		params.Set("format", format)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}
	return &cancelingBody{body: resp.Body, cancel: cancel}, nil
}

type cancelingBody struct {
	body   io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelingBody) Read(p []byte) (int, error) { return b.body.Read(p) }
func (b *cancelingBody) Close() error {
	b.cancel()
	return b.body.Close()
}

// AsCandidates maps results to synthetic chunks: content = snippet,
// source = URL, so the synthesizer and provenance handling work
// unchanged on the web path.
func AsCandidates(results []Result) []retrieval.Candidate {
	cands := make([]retrieval.Candidate, 0, len(results))
	n := len(results)
	for i, r := range results {
		if r.Snippet == "" {
			continue
		}
		cands = append(cands, retrieval.Candidate{
			ChunkID: fmt.Sprintf("web-%d", r.Rank),
			Content: r.Snippet,
			Source:  r.URL,
			// Rank-derived score keeps the original result order.
			FinalScore: float64(n-i) / float64(n),
		})
	}
	return cands
}
