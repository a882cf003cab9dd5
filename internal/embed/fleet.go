package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	sageerrors "github.com/docsage/docsage/internal/errors"
	"github.com/docsage/docsage/internal/registry"
)

// embedConcurrency bounds parallel per-text calls within one batch.
const embedConcurrency = 4

// FleetConfig configures the fleet embedder.
type FleetConfig struct {
	// Model is the embedding model identifier.
	Model string
	// Dimensions is the expected vector dimension D.
	Dimensions int
	// RequestTimeout bounds a single embedding HTTP call.
	RequestTimeout time.Duration
	// Retry shapes the per-batch retry loop. Each attempt asks the
	// registry for an instance again, so retries rotate instances.
	Retry sageerrors.RetryConfig
}

// FleetEmbedder calls POST /api/embeddings on model-server instances
// picked through the registry. Wrong-dimension responses demote the
// producing instance and the batch is retried elsewhere.
type FleetEmbedder struct {
	cfg      FleetConfig
	registry *registry.Registry
	client   *http.Client
	logger   *slog.Logger
}

// embeddingRequest is the wire request for /api/embeddings.
type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embeddingResponse is the wire response for /api/embeddings.
type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewFleetEmbedder creates an embedder backed by the instance registry.
func NewFleetEmbedder(cfg FleetConfig, reg *registry.Registry, logger *slog.Logger) *FleetEmbedder {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = sageerrors.DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FleetEmbedder{
		cfg:      cfg,
		registry: reg,
		// No global client timeout: deadlines are per-request contexts.
		client: &http.Client{},
		logger: logger,
	}
}

// Embed generates the embedding for a single text.
func (f *FleetEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts, preserving input order. The batch is the
// unit of instance selection and retry: on failure the whole batch moves
// to another instance with exponential backoff.
func (f *FleetEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vecs, err := sageerrors.RetryWithResult(ctx, f.cfg.Retry, func(attempt int) ([][]float32, error) {
		// Round-robin rotates instances across attempts.
		inst, perr := f.registry.Pick(ctx, f.cfg.Model, registry.StrategyRoundRobin, "")
		if perr != nil {
			return nil, perr
		}
		return f.embedBatchOn(ctx, inst, texts)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, sageerrors.New(sageerrors.ErrCodeEmbeddingFailed,
			"embedding unavailable after retries", err).
			WithDetail("model", f.cfg.Model)
	}
	return vecs, nil
}

// embedBatchOn embeds texts on a single instance, one HTTP call per text
// with bounded concurrency, and validates the dimension invariant.
func (f *FleetEmbedder) embedBatchOn(ctx context.Context, inst *registry.Instance, texts []string) ([][]float32, error) {
	f.registry.BeginRequest(inst)
	defer f.registry.EndRequest(inst)

	results := make([][]float32, len(texts))
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := f.embedOne(gctx, inst, text)
			if err != nil {
				return err
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Cancellation counts as neither success nor failure.
		if ctx.Err() == nil {
			if sageerrors.GetCode(err) == sageerrors.ErrCodeDimensionMismatch {
				f.registry.Demote(inst, "embedding dimension mismatch")
				// Keep the batch retryable so it can move to another
				// instance; the mismatch stays in the cause chain.
				err = sageerrors.New(sageerrors.ErrCodeEmbeddingFailed,
					"dimension mismatch from "+inst.Name, err)
			}
			f.registry.RecordOutcome(inst, f.cfg.Model, 0, false)
		}
		return nil, err
	}

	f.registry.RecordOutcome(inst, f.cfg.Model, time.Since(start), true)
	return results, nil
}

// embedOne issues one /api/embeddings call and normalizes the result.
func (f *FleetEmbedder) embedOne(ctx context.Context, inst *registry.Instance, text string) ([]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(embeddingRequest{Model: f.cfg.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		inst.URL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request to %s: %w", inst.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding request to %s: status %d: %s",
			inst.Name, resp.StatusCode, string(payload))
	}

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}

	if len(er.Embedding) != f.cfg.Dimensions {
		return nil, sageerrors.New(sageerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("instance %s returned %d-dim vector, want %d",
				inst.Name, len(er.Embedding), f.cfg.Dimensions), nil).
			WithDetail("instance", inst.Name)
	}

	return normalizeVector(er.Embedding), nil
}

// Dimensions returns the configured embedding dimension.
func (f *FleetEmbedder) Dimensions() int {
	return f.cfg.Dimensions
}

// ModelName returns the embedding model identifier.
func (f *FleetEmbedder) ModelName() string {
	return f.cfg.Model
}

// Available reports whether any instance currently hosts the model.
func (f *FleetEmbedder) Available(ctx context.Context) bool {
	_, err := f.registry.Pick(ctx, f.cfg.Model, registry.StrategyRoundRobin, "")
	return err == nil
}

// Close releases resources.
func (f *FleetEmbedder) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// Verify interface implementation
var _ Embedder = (*FleetEmbedder)(nil)
