// Package store provides vector storage (in-process HNSW or external
// Qdrant) and document/chunk metadata persistence (SQLite).
package store

import (
	"context"
	"fmt"
	"time"
)

// ContentType tags what kind of content a chunk holds.
type ContentType string

const (
	ContentTypeText         ContentType = "text"
	ContentTypeTable        ContentType = "table"
	ContentTypeImageCaption ContentType = "image-caption"
)

// Document is an ingested source file. Immutable once ingested; deleted
// only by administrative action.
type Document struct {
	ID        string            `json:"id"`
	Filename  string            `json:"filename"`
	Tags      map[string]string `json:"tags,omitempty"` // type, domain, version
	CreatedAt time.Time         `json:"created_at"`
}

// Chunk is an immutable piece of a document. Its embedding is written to
// the vector store before the chunk becomes queryable.
type Chunk struct {
	ID          string            `json:"id"`
	DocumentID  string            `json:"document_id"`
	Ordinal     int               `json:"ordinal"`
	Content     string            `json:"content"`
	Section     string            `json:"section,omitempty"`
	Page        int               `json:"page,omitempty"`
	ContentType ContentType       `json:"content_type"`
	Tags        map[string]string `json:"tags,omitempty"` // type, domain, version, privacy
	CreatedAt   time.Time         `json:"created_at"`
}

// Payload keys used in the vector store.
const (
	PayloadContent     = "content"
	PayloadDocumentID  = "document_id"
	PayloadSource      = "source"
	PayloadSection     = "section"
	PayloadPage        = "page"
	PayloadContentType = "content_type"
	PayloadPrivacy     = "privacy"
)

// Payload builds the vector-store payload for the chunk. The source
// filename travels with the vector so search results carry provenance
// without a metadata lookup.
func (c *Chunk) Payload(sourceFilename string) map[string]string {
	p := map[string]string{
		PayloadContent:     c.Content,
		PayloadDocumentID:  c.DocumentID,
		PayloadSource:      sourceFilename,
		PayloadContentType: string(c.ContentType),
	}
	if c.Section != "" {
		p[PayloadSection] = c.Section
	}
	if c.Page > 0 {
		p[PayloadPage] = fmt.Sprintf("%d", c.Page)
	}
	for k, v := range c.Tags {
		p[k] = v
	}
	return p
}

// Point is one vector plus payload for upsert.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// VectorResult is a single similarity search hit.
type VectorResult struct {
	ID      string
	Score   float64 // cosine similarity normalized to [0,1]
	Payload map[string]string
}

// Filters restricts similarity search by payload equality. A nil
// Filters matches everything.
type Filters struct {
	// Payload requires exact matches on payload keys, e.g.
	// {"content_type": "table", "domain": "networking"}.
	Payload map[string]string
}

// Match reports whether a payload satisfies the filters.
func (f *Filters) Match(payload map[string]string) bool {
	if f == nil {
		return true
	}
	for k, want := range f.Payload {
		if payload[k] != want {
			return false
		}
	}
	return true
}

// VectorStore stores chunk embeddings and answers top-N cosine
// similarity queries with payload filters.
type VectorStore interface {
	// Upsert inserts or replaces points.
	Upsert(ctx context.Context, points []Point) error

	// Search returns up to limit nearest neighbors by cosine similarity,
	// restricted by the filters.
	Search(ctx context.Context, vector []float32, limit int, filters *Filters) ([]VectorResult, error)

	// Delete removes points by ID.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of stored points.
	Count(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// ErrDimensionMismatch indicates a vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
