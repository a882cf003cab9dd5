// Package ingest writes documents into the retrieval substrate:
// embeddings to the vector store, metadata to SQLite, text to the
// lexical index.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docsage/docsage/internal/embed"
	sageerrors "github.com/docsage/docsage/internal/errors"
	"github.com/docsage/docsage/internal/lexical"
	"github.com/docsage/docsage/internal/store"
)

// ChunkInput is one chunk of an incoming document.
type ChunkInput struct {
	Content     string            `json:"content"`
	Section     string            `json:"section,omitempty"`
	Page        int               `json:"page,omitempty"`
	ContentType store.ContentType `json:"content_type,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// DocumentInput is an incoming document.
type DocumentInput struct {
	Filename string            `json:"filename"`
	Tags     map[string]string `json:"tags,omitempty"`
	Chunks   []ChunkInput      `json:"chunks"`
}

// Service coordinates the three stores an ingested chunk lands in.
type Service struct {
	embedder embed.Embedder
	vectors  store.VectorStore
	meta     *store.MetadataStore
	lexical  *lexical.Index
	logger   *slog.Logger
}

// NewService wires an ingestion service.
func NewService(embedder embed.Embedder, vectors store.VectorStore, meta *store.MetadataStore, lex *lexical.Index, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{embedder: embedder, vectors: vectors, meta: meta, lexical: lex, logger: logger}
}

// Ingest embeds and stores a document. A chunk only becomes queryable
// after its embedding is written, so the vector upsert happens before
// metadata and lexical registration.
func (s *Service) Ingest(ctx context.Context, in DocumentInput) (*store.Document, error) {
	if strings.TrimSpace(in.Filename) == "" {
		return nil, sageerrors.ValidationError("filename is required", nil)
	}
	contents := make([]string, 0, len(in.Chunks))
	for _, c := range in.Chunks {
		if strings.TrimSpace(c.Content) != "" {
			contents = append(contents, c.Content)
		}
	}
	if len(contents) == 0 {
		return nil, sageerrors.ValidationError(
			"document must contain at least one non-empty chunk", nil)
	}

	now := time.Now().UTC()
	doc := store.Document{
		ID:        uuid.NewString(),
		Filename:  in.Filename,
		Tags:      in.Tags,
		CreatedAt: now,
	}

	chunks := make([]store.Chunk, 0, len(in.Chunks))
	for _, c := range in.Chunks {
		if strings.TrimSpace(c.Content) == "" {
			continue
		}
		contentType := c.ContentType
		if contentType == "" {
			contentType = store.ContentTypeText
		}
		chunks = append(chunks, store.Chunk{
			ID:          uuid.NewString(),
			DocumentID:  doc.ID,
			Ordinal:     len(chunks),
			Content:     c.Content,
			Section:     c.Section,
			Page:        c.Page,
			ContentType: contentType,
			Tags:        c.Tags,
			CreatedAt:   now,
		})
	}

	vectors, err := s.embedder.EmbedBatch(ctx, contents)
	if err != nil {
		return nil, err
	}

	points := make([]store.Point, len(chunks))
	for i, c := range chunks {
		points[i] = store.Point{ID: c.ID, Vector: vectors[i], Payload: c.Payload(doc.Filename)}
	}
	if err := s.vectors.Upsert(ctx, points); err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeStoreUnavailable, "vector upsert failed", err)
	}

	if err := s.meta.SaveDocument(ctx, doc, chunks); err != nil {
		// Keep the stores consistent: strip the vectors we just wrote.
		ids := make([]string, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ID
		}
		if delErr := s.vectors.Delete(ctx, ids); delErr != nil {
			s.logger.Error("failed to roll back vectors after metadata failure",
				slog.String("document_id", doc.ID),
				slog.String("error", delErr.Error()))
		}
		return nil, err
	}

	entries := make([]lexical.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = lexical.Entry{ID: c.ID, Content: c.Content, Payload: c.Payload(doc.Filename)}
	}
	s.lexical.Add(entries...)

	s.logger.Info("ingested document",
		slog.String("document_id", doc.ID),
		slog.String("filename", doc.Filename),
		slog.Int("chunks", len(chunks)))
	return &doc, nil
}

// Delete removes a document from all three stores. Deleting an unknown
// document is a no-op.
func (s *Service) Delete(ctx context.Context, documentID string) (int, error) {
	chunkIDs, err := s.meta.DeleteDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if len(chunkIDs) == 0 {
		return 0, nil
	}

	if err := s.vectors.Delete(ctx, chunkIDs); err != nil {
		return 0, sageerrors.New(sageerrors.ErrCodeStoreUnavailable, "vector delete failed", err)
	}
	s.lexical.Remove(chunkIDs...)

	s.logger.Info("deleted document",
		slog.String("document_id", documentID),
		slog.Int("chunks", len(chunkIDs)))
	return len(chunkIDs), nil
}

// RebuildLexical reconstructs the lexical index from the metadata
// store. Called on startup so the index survives process restarts.
func (s *Service) RebuildLexical(ctx context.Context) error {
	docs, err := s.meta.ListDocuments(ctx)
	if err != nil {
		return err
	}
	filenames := make(map[string]string, len(docs))
	for _, d := range docs {
		filenames[d.ID] = d.Filename
	}

	chunks, err := s.meta.AllChunks(ctx)
	if err != nil {
		return err
	}

	entries := make([]lexical.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = lexical.Entry{
			ID:      c.ID,
			Content: c.Content,
			Payload: c.Payload(filenames[c.DocumentID]),
		}
	}
	s.lexical.Rebuild(entries)

	s.logger.Info("rebuilt lexical index", slog.Int("chunks", len(entries)))
	return nil
}
