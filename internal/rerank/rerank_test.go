package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsage/docsage/internal/retrieval"
)

func candidates() []retrieval.Candidate {
	return []retrieval.Candidate{
		{ChunkID: "a", Content: "first passage", FinalScore: 0.9},
		{ChunkID: "b", Content: "second passage", FinalScore: 0.8},
		{ChunkID: "c", Content: "third passage", FinalScore: 0.7},
	}
}

func rerankServer(t *testing.T, handler func(req rerankRequest) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rerank", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handler(req))
	}))
}

func TestRerankOrdersByScore(t *testing.T) {
	srv := rerankServer(t, func(req rerankRequest) any {
		assert.Equal(t, []string{"first passage", "second passage", "third passage"}, req.Passages)
		return rerankResponse{Scores: []float64{0.1, 0.95, 0.5}}
	})
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	ranked, reranked := c.Rerank(context.Background(), "query", candidates(), 2)

	assert.True(t, reranked)
	require.Len(t, ranked, 2)
	assert.Equal(t, "b", ranked[0].ChunkID)
	assert.Equal(t, "c", ranked[1].ChunkID)
	assert.Equal(t, 0.95, ranked[0].FinalScore)
	assert.Equal(t, 0.95, ranked[0].RerankScore)
	assert.True(t, ranked[0].Reranked)
}

func TestRerankClampsScores(t *testing.T) {
	srv := rerankServer(t, func(rerankRequest) any {
		return rerankResponse{Scores: []float64{1.7, -0.2, 0.5}}
	})
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	ranked, reranked := c.Rerank(context.Background(), "query", candidates(), 3)

	assert.True(t, reranked)
	assert.Equal(t, 1.0, ranked[0].FinalScore)
	assert.Equal(t, 0.0, ranked[2].FinalScore)
}

func TestRerankFallbackOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	ranked, reranked := c.Rerank(context.Background(), "query", candidates(), 2)

	assert.False(t, reranked)
	require.Len(t, ranked, 2)
	assert.Equal(t, "a", ranked[0].ChunkID, "fallback keeps input order")
	assert.Equal(t, "b", ranked[1].ChunkID)
	assert.Equal(t, 0.9, ranked[0].FinalScore, "fallback keeps retrieval scores")
}

func TestRerankFallbackOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{1, 1, 1}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 50*time.Millisecond, nil)
	ranked, reranked := c.Rerank(context.Background(), "query", candidates(), 3)

	assert.False(t, reranked)
	assert.Len(t, ranked, 3)
}

func TestRerankFallbackOnLengthMismatch(t *testing.T) {
	srv := rerankServer(t, func(rerankRequest) any {
		return rerankResponse{Scores: []float64{0.5}}
	})
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	_, reranked := c.Rerank(context.Background(), "query", candidates(), 3)
	assert.False(t, reranked)
}

func TestRerankFallbackOnInvalidPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	_, reranked := c.Rerank(context.Background(), "query", candidates(), 3)
	assert.False(t, reranked)
}

func TestRerankDisabledWithoutURL(t *testing.T) {
	c := NewClient("", time.Second, nil)
	ranked, reranked := c.Rerank(context.Background(), "query", candidates(), 2)

	assert.False(t, reranked)
	require.Len(t, ranked, 2)
	assert.Equal(t, "a", ranked[0].ChunkID)
}

func TestRerankEmptyCandidates(t *testing.T) {
	c := NewClient("http://unreachable.invalid", time.Second, nil)
	ranked, reranked := c.Rerank(context.Background(), "query", nil, 5)

	assert.False(t, reranked)
	assert.Empty(t, ranked)
}
