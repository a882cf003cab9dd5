package store

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/coder/hnsw"
)

// MemoryVectorStore implements VectorStore with an in-process HNSW graph.
// It backs embedded deployments and tests; production deployments point
// at Qdrant instead.
type MemoryVectorStore struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[uint64]
	dimensions int

	// ID mapping (string <-> uint64 graph key)
	idMap    map[string]uint64
	keyMap   map[uint64]string
	payloads map[string]map[string]string
	nextKey  uint64

	closed bool
}

// NewMemoryVectorStore creates an in-process vector store for the given
// embedding dimension.
func NewMemoryVectorStore(dimensions int) (*MemoryVectorStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	return &MemoryVectorStore{
		graph:      graph,
		dimensions: dimensions,
		idMap:      make(map[string]uint64),
		keyMap:     make(map[uint64]string),
		payloads:   make(map[string]map[string]string),
	}, nil
}

// Upsert inserts points, replacing any existing point with the same ID.
func (s *MemoryVectorStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, p := range points {
		if len(p.Vector) != s.dimensions {
			return ErrDimensionMismatch{Expected: s.dimensions, Got: len(p.Vector)}
		}
	}

	for _, p := range points {
		// Lazy replacement: orphan the old graph node rather than
		// deleting it; deleting the last node breaks coder/hnsw.
		if existingKey, exists := s.idMap[p.ID]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, p.ID)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		normalizeInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[p.ID] = key
		s.keyMap[key] = p.ID

		payload := make(map[string]string, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		s.payloads[p.ID] = payload
	}

	return nil
}

// Search returns the nearest neighbors by cosine similarity. Filtered
// searches over-fetch from the graph and trim afterwards.
func (s *MemoryVectorStore) Search(ctx context.Context, vector []float32, limit int, filters *Filters) ([]VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	if len(vector) != s.dimensions {
		return nil, ErrDimensionMismatch{Expected: s.dimensions, Got: len(vector)}
	}
	if limit <= 0 || s.graph.Len() == 0 {
		return []VectorResult{}, nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	normalizeInPlace(query)

	fetch := limit
	if filters != nil && len(filters.Payload) > 0 {
		fetch = limit * 4
	}
	// Orphaned nodes from lazy deletion still occupy the graph.
	fetch += s.graph.Len() - len(s.idMap)

	nodes := s.graph.Search(query, fetch)

	results := make([]VectorResult, 0, limit)
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			continue // lazily deleted
		}
		payload := s.payloads[id]
		if !filters.Match(payload) {
			continue
		}

		distance := s.graph.Distance(query, node.Value)
		results = append(results, VectorResult{
			ID:      id,
			Score:   distanceToSimilarity(distance),
			Payload: payload,
		})
		if len(results) == limit {
			break
		}
	}

	return results, nil
}

// Delete removes points by ID using lazy deletion.
func (s *MemoryVectorStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.payloads, id)
		}
	}
	return nil
}

// Count returns the number of live points.
func (s *MemoryVectorStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("store is closed")
	}
	return len(s.idMap), nil
}

// Close releases the graph.
func (s *MemoryVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// Verify interface implementation
var _ VectorStore = (*MemoryVectorStore)(nil)

// normalizeInPlace normalizes a vector to unit length in place.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToSimilarity maps cosine distance (0..2) to similarity in [0,1].
func distanceToSimilarity(distance float32) float64 {
	sim := 1.0 - float64(distance)/2.0
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
