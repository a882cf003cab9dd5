// Package embed turns texts into fixed-dimension vectors by calling
// model-server instances selected through the registry, with request
// coalescing and transparent caching layered on top.
package embed

import (
	"context"
	"math"
	"time"
)

// Common embedding constants.
const (
	// DefaultBatchSize is the coalescing batch size.
	DefaultBatchSize = 16

	// DefaultBatchWindow is the coalescing window: a partial batch is
	// dispatched after this long even if it never fills.
	DefaultBatchWindow = 10 * time.Millisecond

	// DefaultDimensions is the embedding dimension for the default model.
	DefaultDimensions = 768

	// DefaultRequestTimeout bounds a single embedding HTTP call.
	DefaultRequestTimeout = 30 * time.Second
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	// len(result) == len(texts) and result[i] corresponds to texts[i].
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector normalizes a vector to unit length so cosine
// similarity reduces to a dot product.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
