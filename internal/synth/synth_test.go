package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sageerrors "github.com/docsage/docsage/internal/errors"
	"github.com/docsage/docsage/internal/registry"
	"github.com/docsage/docsage/internal/retrieval"
)

func scoredCandidates(n int) []retrieval.Candidate {
	cands := make([]retrieval.Candidate, n)
	for i := range cands {
		cands[i] = retrieval.Candidate{
			ChunkID:    fmt.Sprintf("c%d", i),
			Content:    fmt.Sprintf("passage %d about firewall configuration", i),
			Source:     "guide.pdf",
			Section:    fmt.Sprintf("section %d", i),
			Page:       i + 1,
			FinalScore: 1.0 - float64(i)*0.1,
		}
	}
	return cands
}

func TestBuildPromptLayout(t *testing.T) {
	p, err := BuildPrompt(PromptInput{
		Query:      "How do I configure the firewall?",
		Candidates: scoredCandidates(3),
		History: []Turn{
			{Role: "user", Content: "My device is RNI 4.16"},
			{Role: "assistant", Content: "Noted, RNI 4.16."},
		},
	})
	require.NoError(t, err)
	require.Len(t, p.Messages, 4)

	system := p.Messages[0]
	assert.Equal(t, "system", system.Role)
	assert.Contains(t, system.Content, "[1] (guide.pdf, section 0, p.1) passage 0")
	assert.Contains(t, system.Content, "[3]")
	assert.Contains(t, system.Content, "cite")

	assert.Equal(t, "user", p.Messages[1].Role)
	assert.Equal(t, "My device is RNI 4.16", p.Messages[1].Content)
	assert.Equal(t, "assistant", p.Messages[2].Role)

	last := p.Messages[len(p.Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "How do I configure the firewall?", last.Content)

	require.Len(t, p.Included, 3)
	assert.Equal(t, "c0", p.Included[0].ChunkID)
}

func TestBuildPromptWebPreface(t *testing.T) {
	p, err := BuildPrompt(PromptInput{
		Query:      "Latest Go release date",
		Candidates: []retrieval.Candidate{{ChunkID: "w0", Content: "Go 1.23 released August 2024", Source: "https://go.dev"}},
		WebSources: true,
	})
	require.NoError(t, err)
	assert.Contains(t, p.Messages[0].Content, "web pages")
	assert.NotContains(t, p.Messages[0].Content, "internal documentation assistant")
}

func TestBuildPromptCapsContextChunks(t *testing.T) {
	p, err := BuildPrompt(PromptInput{
		Query:      "q",
		Candidates: scoredCandidates(10),
	})
	require.NoError(t, err)
	assert.Len(t, p.Included, DefaultMaxContextChunks)
}

func TestBuildPromptDropsLowestChunksFirst(t *testing.T) {
	cands := scoredCandidates(5)
	for i := range cands {
		cands[i].Content = strings.Repeat("x", 400) // ~100 tokens each
	}

	p, err := BuildPrompt(PromptInput{
		Query:               "q",
		Candidates:          cands,
		History:             []Turn{{Role: "user", Content: "history line"}},
		ContextWindowTokens: 300,
	})
	require.NoError(t, err)
	require.NotEmpty(t, p.Included)
	assert.Less(t, len(p.Included), 5)
	assert.Equal(t, "c0", p.Included[0].ChunkID, "top chunk survives truncation")
}

func TestBuildPromptDropsOldestTurnsAfterChunks(t *testing.T) {
	cands := scoredCandidates(1)
	cands[0].Content = strings.Repeat("x", 200)

	history := []Turn{
		{Role: "user", Content: strings.Repeat("old ", 100)},
		{Role: "assistant", Content: "recent short reply"},
	}

	p, err := BuildPrompt(PromptInput{
		Query:               "q",
		Candidates:          cands,
		History:             history,
		ContextWindowTokens: 200,
	})
	require.NoError(t, err)
	require.Len(t, p.Messages, 3, "oldest turn dropped, recent turn kept")
	assert.Equal(t, "recent short reply", p.Messages[1].Content)
}

func TestBuildPromptContextOverflow(t *testing.T) {
	cands := scoredCandidates(1)
	cands[0].Content = strings.Repeat("x", 4000)

	_, err := BuildPrompt(PromptInput{
		Query:               "q",
		Candidates:          cands,
		ContextWindowTokens: 100,
	})
	require.Error(t, err)
	assert.Equal(t, sageerrors.ErrCodeContextOverflow, sageerrors.GetCode(err))
}

// chatServer streams canned NDJSON chunks.
func chatServer(t *testing.T, tokens []string, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)
		require.NotEmpty(t, req.Messages)

		flusher := w.(http.Flusher)
		enc := json.NewEncoder(w)
		for _, tok := range tokens {
			time.Sleep(delay)
			var chunk chatChunk
			chunk.Message.Content = tok
			_ = enc.Encode(chunk)
			flusher.Flush()
		}
		_ = enc.Encode(chatChunk{Done: true})
	}))
}

func generatorFixture(t *testing.T, url string) (*Generator, *registry.Instance, *registry.Registry) {
	t.Helper()
	cfg := registry.DefaultConfig()
	cfg.PickWait = 10 * time.Millisecond
	reg := registry.New(cfg, nil)
	inst := reg.Register("gpu-0", url, []string{"llama3.2:3b"})
	reg.RecordOutcome(inst, "llama3.2:3b", time.Millisecond, true)
	return NewGenerator(reg, nil), inst, reg
}

func TestGenerateStreamsTokensInOrder(t *testing.T) {
	srv := chatServer(t, []string{"The ", "firewall ", "blocks ", "port 22."}, 0)
	defer srv.Close()

	g, inst, _ := generatorFixture(t, srv.URL)

	prompt, err := BuildPrompt(PromptInput{Query: "q"})
	require.NoError(t, err)

	var streamed []string
	answer, err := g.Generate(context.Background(), inst, GenerateParams{Model: "llama3.2:3b"}, prompt,
		func(tok string) { streamed = append(streamed, tok) })
	require.NoError(t, err)

	assert.Equal(t, "The firewall blocks port 22.", answer)
	assert.Equal(t, []string{"The ", "firewall ", "blocks ", "port 22."}, streamed)
}

func TestGenerateUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g, inst, _ := generatorFixture(t, srv.URL)
	prompt, _ := BuildPrompt(PromptInput{Query: "q"})

	_, err := g.Generate(context.Background(), inst, GenerateParams{Model: "llama3.2:3b"}, prompt, nil)
	require.Error(t, err)
	assert.Equal(t, sageerrors.ErrCodeGenerationFailed, sageerrors.GetCode(err))
}

func TestGenerateTimeout(t *testing.T) {
	srv := chatServer(t, []string{"a", "b", "c", "d"}, 200*time.Millisecond)
	defer srv.Close()

	g, inst, _ := generatorFixture(t, srv.URL)
	prompt, _ := BuildPrompt(PromptInput{Query: "q"})

	_, err := g.Generate(context.Background(), inst,
		GenerateParams{Model: "llama3.2:3b", Timeout: 100 * time.Millisecond}, prompt, nil)
	require.Error(t, err)
	assert.Equal(t, sageerrors.ErrCodeGenerationTimeout, sageerrors.GetCode(err))
}

func TestGenerateCallerCancelReturnsContextError(t *testing.T) {
	srv := chatServer(t, []string{"a", "b", "c", "d"}, 100*time.Millisecond)
	defer srv.Close()

	g, inst, _ := generatorFixture(t, srv.URL)
	prompt, _ := BuildPrompt(PromptInput{Query: "q"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := g.Generate(ctx, inst, GenerateParams{Model: "llama3.2:3b"}, prompt, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestGenerateStreamWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var chunk chatChunk
		chunk.Message.Content = "partial"
		_ = json.NewEncoder(w).Encode(chunk)
	}))
	defer srv.Close()

	g, inst, _ := generatorFixture(t, srv.URL)
	prompt, _ := BuildPrompt(PromptInput{Query: "q"})

	_, err := g.Generate(context.Background(), inst, GenerateParams{Model: "llama3.2:3b"}, prompt, nil)
	require.Error(t, err)
	assert.Equal(t, sageerrors.ErrCodeGenerationFailed, sageerrors.GetCode(err))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, estimateTokens(""))
	assert.Equal(t, 26, estimateTokens(strings.Repeat("a", 100)))
}
