package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestMetadata(t *testing.T) *MetadataStore {
	t.Helper()
	m, err := OpenMetadataStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func sampleDocument() (Document, []Chunk) {
	now := time.Now().UTC().Truncate(time.Second)
	doc := Document{
		ID:        "doc-1",
		Filename:  "tcp-guide.pdf",
		Tags:      map[string]string{"domain": "networking", "version": "1.0"},
		CreatedAt: now,
	}
	chunks := []Chunk{
		{
			ID: "chunk-1", DocumentID: doc.ID, Ordinal: 0,
			Content: "TCP establishes connections with a three-way handshake.",
			Section: "1. Introduction", Page: 1,
			ContentType: ContentTypeText,
			Tags:        map[string]string{"domain": "networking"},
			CreatedAt:   now,
		},
		{
			ID: "chunk-2", DocumentID: doc.ID, Ordinal: 1,
			Content: "| State | Event | Next |",
			Section: "2. State Machine", Page: 3,
			ContentType: ContentTypeTable,
			CreatedAt:   now,
		},
	}
	return doc, chunks
}

func TestMetadataStoreSaveAndGet(t *testing.T) {
	m := openTestMetadata(t)
	ctx := context.Background()

	doc, chunks := sampleDocument()
	require.NoError(t, m.SaveDocument(ctx, doc, chunks))

	got, err := m.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, doc.Filename, got.Filename)
	assert.Equal(t, doc.Tags, got.Tags)
	assert.Equal(t, doc.CreatedAt, got.CreatedAt)

	gotChunks, err := m.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, gotChunks, 2)
	assert.Equal(t, "chunk-1", gotChunks[0].ID)
	assert.Equal(t, ContentTypeTable, gotChunks[1].ContentType)
	assert.Equal(t, chunks[0].Content, gotChunks[0].Content)
	assert.Equal(t, chunks[0].Tags, gotChunks[0].Tags)

	count, err := m.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMetadataStoreGetMissingDocument(t *testing.T) {
	m := openTestMetadata(t)

	got, err := m.GetDocument(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMetadataStoreListDocuments(t *testing.T) {
	m := openTestMetadata(t)
	ctx := context.Background()

	older := Document{ID: "d-old", Filename: "a.pdf", CreatedAt: time.Unix(1000, 0).UTC()}
	newer := Document{ID: "d-new", Filename: "b.pdf", CreatedAt: time.Unix(2000, 0).UTC()}
	require.NoError(t, m.SaveDocument(ctx, older, nil))
	require.NoError(t, m.SaveDocument(ctx, newer, nil))

	docs, err := m.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "d-new", docs[0].ID, "newest first")
	assert.Equal(t, "d-old", docs[1].ID)
}

func TestMetadataStoreDeleteCascades(t *testing.T) {
	m := openTestMetadata(t)
	ctx := context.Background()

	doc, chunks := sampleDocument()
	require.NoError(t, m.SaveDocument(ctx, doc, chunks))

	removed, err := m.DeleteDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"chunk-1", "chunk-2"}, removed)

	got, err := m.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	count, err := m.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMetadataStoreDeleteMissing(t *testing.T) {
	m := openTestMetadata(t)

	removed, err := m.DeleteDocument(context.Background(), "absent")
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestMetadataStoreAllChunks(t *testing.T) {
	m := openTestMetadata(t)
	ctx := context.Background()

	doc1, chunks1 := sampleDocument()
	require.NoError(t, m.SaveDocument(ctx, doc1, chunks1))

	doc2 := Document{ID: "doc-2", Filename: "other.pdf", CreatedAt: time.Now().UTC()}
	require.NoError(t, m.SaveDocument(ctx, doc2, []Chunk{
		{ID: "chunk-3", DocumentID: doc2.ID, Ordinal: 0, Content: "more", ContentType: ContentTypeText, CreatedAt: doc2.CreatedAt},
	}))

	all, err := m.AllChunks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMetadataStoreSaveIsAtomic(t *testing.T) {
	m := openTestMetadata(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doc, chunks := sampleDocument()
	err := m.SaveDocument(ctx, doc, chunks)
	require.Error(t, err)

	count, err := m.CountChunks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count, "failed save must leave nothing behind")
}
