package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	sageerrors "github.com/docsage/docsage/internal/errors"
	"github.com/docsage/docsage/internal/ingest"
	"github.com/docsage/docsage/internal/pipeline"
	"github.com/docsage/docsage/internal/retrieval"
	"github.com/docsage/docsage/internal/router"
	"github.com/docsage/docsage/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorPayload(err error) errorBody {
	code := sageerrors.GetCode(err)
	if code == "" {
		code = sageerrors.ErrCodeInternal
	}
	message := err.Error()
	var se *sageerrors.SageError
	if errors.As(err, &se) {
		message = se.Message
	}
	return errorBody{Code: code, Message: message}
}

// writeError maps an error to its HTTP status. A disconnected client is
// reported as 499; the write then only feeds the access log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		w.WriteHeader(statusClientClosedRequest)
		return
	}
	status := sageerrors.HTTPStatus(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.semWait.Seconds())))
	}
	writeJSON(w, status, map[string]errorBody{"error": errorPayload(err)})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return sageerrors.ValidationError("invalid JSON body: "+err.Error(), err)
	}
	return nil
}

// --- /health ---

type healthComponents struct {
	Instances   []any  `json:"instances"`
	VectorStore string `json:"vector_store"`
	Reranker    string `json:"reranker"`
	WebSearch   string `json:"web_search"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	stats := s.deps.Registry.Snapshot()
	s.metrics.UpdateInstanceHealth(stats)

	status := "ok"
	healthy := 0
	for _, st := range stats {
		if st.Status == "healthy" {
			healthy++
		}
	}
	if healthy < len(stats) || len(stats) == 0 {
		status = "degraded"
	}

	vectorStore := "ok"
	if _, err := s.deps.Vectors.Count(ctx); err != nil {
		vectorStore = "err"
		status = "degraded"
	}

	reranker := "disabled"
	if s.deps.Config.Rerank.URL != "" {
		reranker = "ok"
	}
	webSearch := "disabled"
	if s.deps.Config.WebSearch.URL != "" {
		webSearch = "ok"
	}

	instances := make([]any, len(stats))
	for i, st := range stats {
		instances[i] = st
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"components": healthComponents{
			Instances:   instances,
			VectorStore: vectorStore,
			Reranker:    reranker,
			WebSearch:   webSearch,
		},
		// Effective configuration, reported for operability.
		"config": s.deps.Config,
	})
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Snapshot())
}

// --- /classify ---

type classifyRequest struct {
	Query string `json:"query"`
}

type classifyResponse struct {
	Category       router.Category `json:"category"`
	ChosenModel    string          `json:"chosen_model"`
	ChosenInstance string          `json:"chosen_instance"`
	Fallback       bool            `json:"fallback,omitempty"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	decision, err := s.deps.Router.Route(r.Context(), req.Query, router.Options{})
	if err != nil {
		// Still a useful answer: report the category without a model.
		writeJSON(w, http.StatusOK, classifyResponse{
			Category: s.deps.Router.Classify(req.Query),
		})
		return
	}

	writeJSON(w, http.StatusOK, classifyResponse{
		Category:       decision.Category,
		ChosenModel:    decision.ModelID,
		ChosenInstance: decision.Instance.Name,
		Fallback:       decision.Fallback,
	})
}

// --- /search ---

type searchRequest struct {
	Query   string            `json:"query"`
	TopK    int               `json:"top_k"`
	Mode    string            `json:"mode"`
	Alpha   *float64          `json:"alpha"`
	Rerank  *bool             `json:"rerank"`
	Filters map[string]string `json:"filters"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	mode, err := retrieval.ParseMode(req.Mode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	cfg := s.deps.Config.Retrieval
	topK := req.TopK
	if topK <= 0 {
		topK = cfg.TopK
	}
	alpha := cfg.Alpha
	if req.Alpha != nil {
		alpha = *req.Alpha
	}
	rerank := true
	if req.Rerank != nil {
		rerank = *req.Rerank
	}
	var filters *store.Filters
	if len(req.Filters) > 0 {
		filters = &store.Filters{Payload: req.Filters}
	}

	res, err := s.deps.Pipeline.Search(r.Context(), pipeline.SearchRequest{
		Query:   req.Query,
		TopK:    topK,
		Mode:    mode,
		Alpha:   alpha,
		Rerank:  rerank,
		Filters: filters,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- /chat ---

type chatRequest struct {
	ConversationID      string            `json:"conversation_id"`
	Query               string            `json:"query"`
	TopK                int               `json:"top_k"`
	MaxContextChunks    int               `json:"max_context_chunks"`
	Mode                string            `json:"mode"`
	Alpha               *float64          `json:"alpha"`
	Rerank              *bool             `json:"rerank"`
	WebSearchEnabled    *bool             `json:"web_search_enabled"`
	ConfidenceThreshold float64           `json:"confidence_threshold"`
	Temperature         float64           `json:"temperature"`
	MaxTokens           int               `json:"max_tokens"`
	Filters             map[string]string `json:"filters"`
	Stream              *bool             `json:"stream"`
}

// toPipeline resolves request defaults from the effective configuration.
func (req *chatRequest) toPipeline(cfg *Server) (pipeline.Request, error) {
	mode, err := retrieval.ParseMode(req.Mode)
	if err != nil {
		return pipeline.Request{}, err
	}

	c := cfg.deps.Config
	out := pipeline.Request{
		ConversationID:      req.ConversationID,
		Query:               req.Query,
		TopK:                req.TopK,
		MaxContextChunks:    req.MaxContextChunks,
		Mode:                mode,
		Alpha:               c.Retrieval.Alpha,
		Rerank:              true,
		WebSearchEnabled:    true,
		ConfidenceThreshold: req.ConfidenceThreshold,
		Temperature:         req.Temperature,
		MaxTokens:           req.MaxTokens,
	}
	if out.TopK <= 0 {
		out.TopK = c.Retrieval.TopK
	}
	if out.MaxContextChunks <= 0 {
		out.MaxContextChunks = c.Generation.MaxContextChunks
	}
	if req.Alpha != nil {
		out.Alpha = *req.Alpha
	}
	if req.Rerank != nil {
		out.Rerank = *req.Rerank
	}
	if req.WebSearchEnabled != nil {
		out.WebSearchEnabled = *req.WebSearchEnabled
	}
	if out.ConfidenceThreshold == 0 {
		out.ConfidenceThreshold = c.Confidence.Threshold
	}
	if out.Temperature == 0 {
		out.Temperature = c.Generation.Temperature
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = c.Generation.MaxTokens
	}
	if len(req.Filters) > 0 {
		out.Filters = &store.Filters{Payload: req.Filters}
	}
	return out, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	preq, err := req.toPipeline(s)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Generation backpressure: wait bounded, then shed load.
	acquireCtx, cancel := context.WithTimeout(r.Context(), s.semWait)
	err = s.genSem.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		if r.Context().Err() != nil {
			s.writeError(w, r, r.Context().Err())
			return
		}
		s.writeError(w, r, sageerrors.New(sageerrors.ErrCodeOverloaded,
			"generation capacity exhausted, retry later", err))
		return
	}
	defer s.genSem.Release(1)

	stream := true
	if req.Stream != nil {
		stream = *req.Stream
	}
	if stream {
		s.chatStream(w, r, preq)
		return
	}

	answer, err := s.deps.Pipeline.Chat(r.Context(), preq, nil, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.ObserveChat(string(answer.Route), answer.CacheHit)
	writeJSON(w, http.StatusOK, answer)
}

// chatStream runs the pipeline with SSE framing: meta once early, token
// events as generation progresses, then final or error as the terminal
// event.
func (s *Server) chatStream(w http.ResponseWriter, r *http.Request, preq pipeline.Request) {
	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeError(w, r, sageerrors.InternalError("streaming unsupported", err))
		return
	}

	answer, err := s.deps.Pipeline.Chat(r.Context(), preq,
		func(m pipeline.Meta) { sse.Event("meta", m) },
		func(tok string) { sse.Event("token", map[string]string{"text": tok}) },
	)
	if err != nil {
		if r.Context().Err() != nil {
			// Client is gone; nothing to write.
			return
		}
		s.log.Warn("chat failed",
			slog.String("request_id", RequestID(r.Context())),
			slog.String("error", err.Error()))
		sse.Event("error", errorPayload(err))
		return
	}

	s.metrics.ObserveChat(string(answer.Route), answer.CacheHit)
	sse.Event("final", map[string]any{
		"answer":     answer.Answer,
		"confidence": answer.Confidence,
		"provenance": answer.Provenance,
		"route":      answer.Route,
		"model":      answer.Model,
		"timings":    answer.Timings,
	})
}

// --- /documents ---

func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	var req ingest.DocumentInput
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	doc, err := s.deps.Ingestor.Ingest(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.deps.Meta.ListDocuments(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.deps.Ingestor.Delete(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id":    id,
		"chunks_removed": removed,
	})
}
