package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"

	sageerrors "github.com/docsage/docsage/internal/errors"
)

const qdrantRequestTimeout = 10 * time.Second

// QdrantStore implements VectorStore against an external Qdrant server.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimensions int
	logger     *slog.Logger
}

// NewQdrantStore connects to Qdrant and ensures the collection exists
// with the expected dimension and cosine distance.
func NewQdrantStore(ctx context.Context, rawURL, collection string, dimensions int, logger *slog.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	host, port, err := parseQdrantURL(rawURL)
	if err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeStoreUnavailable,
			fmt.Sprintf("invalid qdrant url %q", rawURL), err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeStoreUnavailable,
			"failed to connect to qdrant", err)
	}

	s := &QdrantStore{
		client:     client,
		collection: collection,
		dimensions: dimensions,
		logger:     logger,
	}

	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func parseQdrantURL(rawURL string) (string, int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, err
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", rawURL)
	}
	port := 6334 // gRPC port
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, err
		}
	}
	return host, port, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, qdrantRequestTimeout)
	defer cancel()

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return sageerrors.New(sageerrors.ErrCodeStoreUnavailable,
			"failed to check collection", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return sageerrors.New(sageerrors.ErrCodeStoreUnavailable,
			fmt.Sprintf("failed to create collection %q", s.collection), err)
	}

	s.logger.Info("created qdrant collection",
		slog.String("collection", s.collection),
		slog.Int("dimensions", s.dimensions))
	return nil
}

// Upsert writes points to the collection.
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		if len(p.Vector) != s.dimensions {
			return ErrDimensionMismatch{Expected: s.dimensions, Got: len(p.Vector)}
		}
		payload := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		qdrantPoints = append(qdrantPoints, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, qdrantRequestTimeout)
	defer cancel()

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         qdrantPoints,
	})
	if err != nil {
		return sageerrors.New(sageerrors.ErrCodeStoreUnavailable,
			"qdrant upsert failed", err)
	}
	return nil
}

// Search runs a filtered nearest-neighbor query.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, limit int, filters *Filters) ([]VectorResult, error) {
	if len(vector) != s.dimensions {
		return nil, ErrDimensionMismatch{Expected: s.dimensions, Got: len(vector)}
	}
	if limit <= 0 {
		return []VectorResult{}, nil
	}

	query := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if filters != nil && len(filters.Payload) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(filters.Payload))
		for k, v := range filters.Payload {
			conditions = append(conditions, qdrant.NewMatch(k, v))
		}
		query.Filter = &qdrant.Filter{Must: conditions}
	}

	ctx, cancel := context.WithTimeout(ctx, qdrantRequestTimeout)
	defer cancel()

	hits, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeStoreUnavailable,
			"qdrant query failed", err)
	}

	results := make([]VectorResult, 0, len(hits))
	for _, hit := range hits {
		payload := make(map[string]string, len(hit.Payload))
		for k, v := range hit.Payload {
			payload[k] = v.GetStringValue()
		}
		results = append(results, VectorResult{
			ID:      hit.Id.GetUuid(),
			Score:   cosineToUnit(float64(hit.Score)),
			Payload: payload,
		})
	}
	return results, nil
}

// cosineToUnit maps qdrant cosine similarity [-1,1] to [0,1].
func cosineToUnit(score float64) float64 {
	unit := (score + 1) / 2
	if unit < 0 {
		return 0
	}
	if unit > 1 {
		return 1
	}
	return unit
}

// Delete removes points by ID.
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}

	ctx, cancel := context.WithTimeout(ctx, qdrantRequestTimeout)
	defer cancel()

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return sageerrors.New(sageerrors.ErrCodeStoreUnavailable,
			"qdrant delete failed", err)
	}
	return nil
}

// Count returns the number of stored points.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, qdrantRequestTimeout)
	defer cancel()

	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
	})
	if err != nil {
		return 0, sageerrors.New(sageerrors.ErrCodeStoreUnavailable,
			"qdrant count failed", err)
	}
	return int(count), nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Verify interface implementation
var _ VectorStore = (*QdrantStore)(nil)
