package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsage/docsage/internal/cache"
	"github.com/docsage/docsage/internal/confidence"
	"github.com/docsage/docsage/internal/config"
	"github.com/docsage/docsage/internal/conversation"
	"github.com/docsage/docsage/internal/ingest"
	"github.com/docsage/docsage/internal/lexical"
	"github.com/docsage/docsage/internal/pipeline"
	"github.com/docsage/docsage/internal/registry"
	"github.com/docsage/docsage/internal/rerank"
	"github.com/docsage/docsage/internal/retrieval"
	"github.com/docsage/docsage/internal/router"
	"github.com/docsage/docsage/internal/store"
	"github.com/docsage/docsage/internal/synth"
	"github.com/docsage/docsage/internal/websearch"
)

const testDims = 8

type hashEmbedder struct{}

func (h *hashEmbedder) vectorFor(text string) []float32 {
	sum := uint32(2166136261)
	for _, b := range []byte(text) {
		sum = (sum ^ uint32(b)) * 16777619
	}
	vec := make([]float32, testDims)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, sum)
	for i := range vec {
		vec[i] = float32(buf[i%4])/255 + 0.01
	}
	return vec
}

func (h *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return h.vectorFor(text), nil
}

func (h *hashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vectorFor(t)
	}
	return out, nil
}

func (h *hashEmbedder) Dimensions() int                { return testDims }
func (h *hashEmbedder) ModelName() string              { return "hash" }
func (h *hashEmbedder) Available(context.Context) bool { return true }
func (h *hashEmbedder) Close() error                   { return nil }

func ndjsonChatServer(t *testing.T, tokens []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		flusher := w.(http.Flusher)
		enc := json.NewEncoder(w)
		for _, tok := range tokens {
			_ = enc.Encode(map[string]any{"message": map[string]string{"content": tok}})
			flusher.Flush()
		}
		_ = enc.Encode(map[string]any{"done": true})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testEnv is a fully wired server over fake downstreams.
type testEnv struct {
	srv      *Server
	api      *httptest.Server
	ingestor *ingest.Service
}

type envOptions struct {
	chatTokens []string
	rerankFn   http.HandlerFunc
	searchFn   http.HandlerFunc
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	chatSrv := ndjsonChatServer(t, opts.chatTokens)

	rerankURL := ""
	if opts.rerankFn != nil {
		rs := httptest.NewServer(opts.rerankFn)
		t.Cleanup(rs.Close)
		rerankURL = rs.URL
	}
	searchURL := ""
	if opts.searchFn != nil {
		ss := httptest.NewServer(opts.searchFn)
		t.Cleanup(ss.Close)
		searchURL = ss.URL
	}

	cfg := config.NewConfig()
	cfg.Instances = []config.InstanceConfig{{Name: "gpu-0", URL: chatSrv.URL, Models: []string{"llama3.2:3b"}}}
	cfg.Models = config.ModelsConfig{Chat: "llama3.2:3b"}
	cfg.Embedding.Dimensions = testDims
	cfg.Rerank.URL = rerankURL
	cfg.WebSearch.URL = searchURL

	regCfg := registry.DefaultConfig()
	regCfg.PickWait = 10 * time.Millisecond
	reg := registry.New(regCfg, nil)
	inst := reg.Register("gpu-0", chatSrv.URL, []string{"llama3.2:3b"})
	reg.RecordOutcome(inst, "", time.Millisecond, true)

	embedder := &hashEmbedder{}

	vs, err := store.NewMemoryVectorStore(testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })

	meta, err := store.OpenMetadataStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	lex := lexical.NewIndex()
	convs, err := conversation.NewStore(meta.DB())
	require.NoError(t, err)

	modelRouter := router.NewModelRouter(reg, cfg.Models, registry.StrategyLeastLatency, nil)
	pipe := pipeline.New(pipeline.Deps{
		Router:        modelRouter,
		Embedder:      embedder,
		Retriever:     retrieval.NewRetriever(embedder, vs, lex, nil),
		Reranker:      rerank.NewClient(rerankURL, 0, nil),
		RerankEnabled: rerankURL != "",
		Confidence:    confidence.NewRouter(cfg.Confidence.Threshold),
		Generator:     synth.NewGenerator(reg, nil),
		WebSearch:     websearch.NewClient(searchURL, time.Second, nil),
		Conversations: convs,
		Answers:       cache.NewAnswers[pipeline.Answer](cfg.Cache.MaxEntries, time.Hour),
		CacheEnabled:  cfg.Cache.Enabled,
	})

	ingestor := ingest.NewService(embedder, vs, meta, lex, nil)

	srv := New(Deps{
		Config:   cfg,
		Registry: reg,
		Pipeline: pipe,
		Router:   modelRouter,
		Ingestor: ingestor,
		Meta:     meta,
		Vectors:  vs,
	})

	api := httptest.NewServer(srv.Router())
	t.Cleanup(api.Close)

	return &testEnv{srv: srv, api: api, ingestor: ingestor}
}

func (e *testEnv) ingest(t *testing.T, filename string, contents ...string) {
	t.Helper()
	chunks := make([]ingest.ChunkInput, len(contents))
	for i, c := range contents {
		chunks[i] = ingest.ChunkInput{Content: c}
	}
	_, err := e.ingestor.Ingest(context.Background(), ingest.DocumentInput{Filename: filename, Chunks: chunks})
	require.NoError(t, err)
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.api.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	var events []sseEvent
	for _, block := range strings.Split(buf.String(), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				ev.name = name
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				ev.data = data
			}
		}
		if ev.name != "" {
			events = append(events, ev)
		}
	}
	return events
}

func scoringRerank(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Passages []string `json:"passages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		scores := make([]float64, len(req.Passages))
		for i := range scores {
			scores[i] = 0.95 - float64(i)*0.1
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"scores": scores})
	}
}

type chatResponse struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	Route      string  `json:"route"`
	Model      string  `json:"model"`
	Provenance []struct {
		ChunkID string  `json:"chunk_id"`
		Score   float64 `json:"score"`
		Source  string  `json:"source"`
	} `json:"provenance"`
	Timings map[string]int64 `json:"timings"`
}

func TestChatDocRoute(t *testing.T) {
	env := newTestEnv(t, envOptions{
		chatTokens: []string{"RNI 4.16 requires SSL certificates", " for LDAP [1]."},
		rerankFn:   scoringRerank(t),
	})
	env.ingest(t, "rni-guide.pdf", "RNI 4.16 requires SSL certificates for secure LDAP integration")

	resp := env.postJSON(t, "/chat", map[string]any{
		"query":              "What does RNI 4.16 need for LDAP?",
		"stream":             false,
		"web_search_enabled": false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[chatResponse](t, resp)
	assert.Contains(t, strings.ToLower(body.Answer), "ssl")
	assert.Equal(t, "doc", body.Route)
	assert.Equal(t, "llama3.2:3b", body.Model)
	assert.GreaterOrEqual(t, body.Confidence, 0.45)
	require.NotEmpty(t, body.Provenance)
	assert.Equal(t, "rni-guide.pdf", body.Provenance[0].Source)
	assert.Contains(t, body.Timings, "rerank_ms")
}

func TestChatStreamRerankFallback(t *testing.T) {
	env := newTestEnv(t, envOptions{
		chatTokens: []string{"Needs SSL ", "certificates."},
		rerankFn: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	})
	env.ingest(t, "rni-guide.pdf", "RNI 4.16 requires SSL certificates for secure LDAP integration")

	resp := env.postJSON(t, "/chat", map[string]any{
		"query":              "What does RNI 4.16 need for LDAP?",
		"web_search_enabled": false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := parseSSE(t, resp)
	require.NotEmpty(t, events)

	byName := map[string][]sseEvent{}
	for _, ev := range events {
		byName[ev.name] = append(byName[ev.name], ev)
	}
	require.Len(t, byName["meta"], 1)
	require.NotEmpty(t, byName["token"])
	require.Len(t, byName["final"], 1)
	assert.Empty(t, byName["error"])

	var meta struct {
		Route  string `json:"route"`
		Rerank string `json:"rerank"`
	}
	require.NoError(t, json.Unmarshal([]byte(byName["meta"][0].data), &meta))
	assert.Equal(t, "doc", meta.Route)
	assert.Equal(t, "fallback", meta.Rerank)

	var tokens strings.Builder
	for _, ev := range byName["token"] {
		var tok struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.Unmarshal([]byte(ev.data), &tok))
		tokens.WriteString(tok.Text)
	}
	var final struct {
		Answer string `json:"answer"`
	}
	require.NoError(t, json.Unmarshal([]byte(byName["final"][0].data), &final))
	assert.Equal(t, final.Answer, tokens.String(), "streamed tokens reassemble the final answer")
}

func TestChatWebFallbackRoute(t *testing.T) {
	env := newTestEnv(t, envOptions{
		chatTokens: []string{"Go 1.23 was released in August 2024."},
		searchFn: func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("format") != "json" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"results": []map[string]string{
				{"title": "Go 1.23", "url": "https://go.dev/blog/go1.23", "content": "Go 1.23 released August 2024", "engine": "ddg"},
			}})
		},
	})
	env.ingest(t, "unrelated.pdf", "Quantum entanglement experiments with photon pairs")

	resp := env.postJSON(t, "/chat", map[string]any{
		"query":                "Latest Go release date",
		"stream":               false,
		"confidence_threshold": 0.6,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[chatResponse](t, resp)
	assert.Equal(t, "web", body.Route)
	assert.Contains(t, body.Answer, "Go 1.23")
	require.NotEmpty(t, body.Provenance)
	assert.True(t, strings.HasPrefix(body.Provenance[0].Source, "http"))
}

func TestChatOverload(t *testing.T) {
	env := newTestEnv(t, envOptions{chatTokens: []string{"hi"}})
	env.ingest(t, "doc.pdf", "some content about networking")

	env.srv.semWait = 50 * time.Millisecond
	require.NoError(t, env.srv.genSem.Acquire(context.Background(), env.srv.genSlots))
	defer env.srv.genSem.Release(env.srv.genSlots)

	resp := env.postJSON(t, "/chat", map[string]any{"query": "anything", "stream": false})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.postJSON(t, "/chat", map[string]any{"query": "  ", "stream": false})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]map[string]string](t, resp)
	assert.Equal(t, "ERR_402_QUERY_EMPTY", body["error"]["code"])

	resp = env.postJSON(t, "/chat", map[string]any{"query": "q", "mode": "psychic", "stream": false})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.ingest(t, "rni-guide.pdf",
		"RNI 4.16 requires SSL certificates for secure LDAP integration",
		"Firewall rules for RNI allow ports 443 and 636")

	resp := env.postJSON(t, "/search", map[string]any{"query": "SSL certificates LDAP", "top_k": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Results []struct {
			ChunkID string `json:"chunk_id"`
			Content string `json:"content"`
		} `json:"results"`
		Timings map[string]int64 `json:"timings"`
	}
	func() {
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}()
	require.NotEmpty(t, body.Results)
	assert.Contains(t, body.Results[0].Content, "SSL")
	assert.Contains(t, body.Timings, "retrieve_ms")

	resp = env.postJSON(t, "/search", map[string]any{"query": ""})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClassifyEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.postJSON(t, "/classify", map[string]any{"query": "implement a binary search function"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[classifyResponse](t, resp)
	assert.Equal(t, router.CategoryCode, body.Category)
	assert.Equal(t, "llama3.2:3b", body.ChosenModel)
	assert.Equal(t, "gpu-0", body.ChosenInstance)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp, err := http.Get(env.api.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]json.RawMessage](t, resp)
	var status string
	require.NoError(t, json.Unmarshal(body["status"], &status))
	assert.Equal(t, "ok", status)

	var components struct {
		VectorStore string `json:"vector_store"`
		Reranker    string `json:"reranker"`
	}
	require.NoError(t, json.Unmarshal(body["components"], &components))
	assert.Equal(t, "ok", components.VectorStore)
	assert.Equal(t, "disabled", components.Reranker)

	assert.Contains(t, string(body["config"]), "embedding", "effective config is reported")
}

func TestInstancesEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp, err := http.Get(env.api.URL + "/instances")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[[]registry.InstanceStats](t, resp)
	require.Len(t, body, 1)
	assert.Equal(t, "gpu-0", body[0].Name)
	assert.Equal(t, "healthy", body[0].Status)
}

func TestDocumentsCRUD(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.postJSON(t, "/documents", map[string]any{
		"filename": "manual.pdf",
		"chunks": []map[string]any{
			{"content": "chapter one about installation"},
			{"content": "chapter two about configuration"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	doc := decodeBody[store.Document](t, resp)
	require.NotEmpty(t, doc.ID)

	listResp, err := http.Get(env.api.URL + "/documents")
	require.NoError(t, err)
	docs := decodeBody[[]store.Document](t, listResp)
	require.Len(t, docs, 1)
	assert.Equal(t, "manual.pdf", docs[0].Filename)

	req, err := http.NewRequest(http.MethodDelete, env.api.URL+"/documents/"+doc.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del := decodeBody[map[string]any](t, delResp)
	assert.Equal(t, float64(2), del["chunks_removed"])

	listResp, err = http.Get(env.api.URL + "/documents")
	require.NoError(t, err)
	docs = decodeBody[[]store.Document](t, listResp)
	assert.Empty(t, docs)

	resp = env.postJSON(t, "/documents", map[string]any{"filename": ""})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsHandler(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := httptest.NewRecorder()
	env.srv.metricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "docsage_instance_healthy")
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	req, err := http.NewRequest(http.MethodGet, env.api.URL+"/instances", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-abc", resp.Header.Get("X-Request-ID"))

	resp2, err := http.Get(env.api.URL + "/instances")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.NotEmpty(t, resp2.Header.Get("X-Request-ID"), "a request id is assigned when absent")
}

func TestRouterUnknownPath(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp, err := http.Get(env.api.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
