package ingest

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sageerrors "github.com/docsage/docsage/internal/errors"
	"github.com/docsage/docsage/internal/lexical"
	"github.com/docsage/docsage/internal/store"
)

const testDims = 8

// hashEmbedder returns deterministic unit-free vectors per text.
type hashEmbedder struct {
	fail bool
}

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

func (h *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := h.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (h *hashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if h.fail {
		return nil, sageerrors.New(sageerrors.ErrCodeEmbeddingFailed, "embedder down", nil)
	}
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

func newFixture(t *testing.T) (*Service, store.VectorStore, *store.MetadataStore, *lexical.Index) {
	t.Helper()

	vs, err := store.NewMemoryVectorStore(testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })

	meta, err := store.OpenMetadataStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	lex := lexical.NewIndex()
	return NewService(&hashEmbedder{}, vs, meta, lex, nil), vs, meta, lex
}

func sampleInput() DocumentInput {
	return DocumentInput{
		Filename: "rni-guide.pdf",
		Tags:     map[string]string{"domain": "networking"},
		Chunks: []ChunkInput{
			{Content: "RNI 4.16 requires SSL certificates for secure LDAP integration", Section: "5.1", Page: 42},
			{Content: "Firewall rules for RNI allow ports 443 and 636", ContentType: store.ContentTypeTable},
			{Content: "   "},
		},
	}
}

func TestIngestWritesAllThreeStores(t *testing.T) {
	svc, vs, meta, lex := newFixture(t)
	ctx := context.Background()

	doc, err := svc.Ingest(ctx, sampleInput())
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID)

	count, err := vs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "blank chunks are skipped")

	chunks, err := meta.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, store.ContentTypeText, chunks[0].ContentType, "content type defaults to text")
	assert.Equal(t, store.ContentTypeTable, chunks[1].ContentType)

	assert.Equal(t, 2, lex.Len())
	hits := lex.Search("SSL certificates LDAP", 5)
	require.NotEmpty(t, hits)
	assert.Equal(t, chunks[0].ID, hits[0].ID)
	assert.Equal(t, "rni-guide.pdf", hits[0].Payload[store.PayloadSource])
}

func TestIngestRoundTripRetrievable(t *testing.T) {
	svc, vs, _, _ := newFixture(t)
	ctx := context.Background()

	doc, err := svc.Ingest(ctx, sampleInput())
	require.NoError(t, err)

	// Same embedder, same text: the chunk's own vector must be its
	// nearest neighbor.
	query := (&hashEmbedder{}).vectorFor("RNI 4.16 requires SSL certificates for secure LDAP integration")
	hits, err := vs.Search(ctx, query, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, doc.ID, hits[0].Payload[store.PayloadDocumentID])
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestIngestValidation(t *testing.T) {
	svc, _, _, _ := newFixture(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, DocumentInput{Chunks: []ChunkInput{{Content: "x"}}})
	assert.Equal(t, sageerrors.ErrCodeInvalidInput, sageerrors.GetCode(err))

	_, err = svc.Ingest(ctx, DocumentInput{Filename: "empty.pdf"})
	assert.Equal(t, sageerrors.ErrCodeInvalidInput, sageerrors.GetCode(err))

	_, err = svc.Ingest(ctx, DocumentInput{Filename: "blank.pdf", Chunks: []ChunkInput{{Content: "  "}}})
	assert.Equal(t, sageerrors.ErrCodeInvalidInput, sageerrors.GetCode(err))
}

func TestIngestEmbeddingFailureWritesNothing(t *testing.T) {
	vs, err := store.NewMemoryVectorStore(testDims)
	require.NoError(t, err)
	defer vs.Close()
	meta, err := store.OpenMetadataStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer meta.Close()
	lex := lexical.NewIndex()

	svc := NewService(&hashEmbedder{fail: true}, vs, meta, lex, nil)

	_, err = svc.Ingest(context.Background(), sampleInput())
	require.Error(t, err)
	assert.Equal(t, sageerrors.ErrCodeEmbeddingFailed, sageerrors.GetCode(err))

	count, err := vs.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	docs, err := meta.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Equal(t, 0, lex.Len())
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	svc, vs, meta, lex := newFixture(t)
	ctx := context.Background()

	doc, err := svc.Ingest(ctx, sampleInput())
	require.NoError(t, err)

	removed, err := svc.Delete(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err := vs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, lex.Len())

	got, err := meta.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteUnknownDocument(t *testing.T) {
	svc, _, _, _ := newFixture(t)

	removed, err := svc.Delete(context.Background(), "absent")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRebuildLexicalFromMetadata(t *testing.T) {
	svc, _, meta, _ := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		in := sampleInput()
		in.Filename = fmt.Sprintf("doc-%d.pdf", i)
		_, err := svc.Ingest(ctx, in)
		require.NoError(t, err)
	}

	// A fresh index simulates a restart: lazy rebuild restores it.
	fresh := lexical.NewIndex()
	vs2, err := store.NewMemoryVectorStore(testDims)
	require.NoError(t, err)
	defer vs2.Close()
	restarted := NewService(&hashEmbedder{}, vs2, meta, fresh, nil)

	require.NoError(t, restarted.RebuildLexical(ctx))
	assert.Equal(t, 6, fresh.Len())

	hits := fresh.Search("firewall ports", 3)
	require.NotEmpty(t, hits)
	assert.NotEmpty(t, hits[0].Payload[store.PayloadSource], "rebuilt entries carry provenance")
}
