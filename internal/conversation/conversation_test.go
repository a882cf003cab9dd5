package conversation

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsage/docsage/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	meta, err := store.OpenMetadataStore(filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	s, err := NewStore(meta.DB())
	require.NoError(t, err)
	return s
}

func TestAppendAndLastTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "conv-1", "user", "My device is RNI 4.16", nil))
	require.NoError(t, s.Append(ctx, "conv-1", "assistant", "Noted.", nil))
	require.NoError(t, s.Append(ctx, "conv-1", "user", "How do I configure its firewall?", nil))
	require.NoError(t, s.Append(ctx, "conv-2", "user", "unrelated conversation", nil))

	turns, err := s.LastTurns(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)

	assert.Equal(t, "My device is RNI 4.16", turns[0].Content, "oldest first")
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "How do I configure its firewall?", turns[2].Content)
}

func TestLastTurnsHonorsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(ctx, "conv-1", "user", fmt.Sprintf("turn %d", i), nil))
	}

	turns, err := s.LastTurns(ctx, "conv-1", 6)
	require.NoError(t, err)
	require.Len(t, turns, 6)
	assert.Equal(t, "turn 4", turns[0].Content, "limit keeps the newest turns")
	assert.Equal(t, "turn 9", turns[5].Content)
}

func TestLastTurnsEmptyConversation(t *testing.T) {
	s := openTestStore(t)

	turns, err := s.LastTurns(context.Background(), "absent", 6)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestSimilarTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "conv-1", "user", "firewall question", []float32{1, 0, 0}))
	require.NoError(t, s.Append(ctx, "conv-1", "user", "printing question", []float32{0, 1, 0}))
	require.NoError(t, s.Append(ctx, "conv-1", "user", "no embedding", nil))
	require.NoError(t, s.Append(ctx, "conv-2", "user", "other conversation", []float32{1, 0, 0}))

	turns, err := s.SimilarTurns(ctx, "conv-1", []float32{0.9, 0.1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "firewall question", turns[0].Content)
	assert.Equal(t, "conv-1", turns[0].ConversationID, "similarity stays within the conversation")
}

func TestSimilarTurnsSkipsMismatchedDimensions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "conv-1", "user", "short vector", []float32{1, 0}))
	require.NoError(t, s.Append(ctx, "conv-1", "user", "full vector", []float32{1, 0, 0}))

	turns, err := s.SimilarTurns(ctx, "conv-1", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "full vector", turns[0].Content)
}

func TestCountTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "conv-1", "user", "a", nil))
	require.NoError(t, s.Append(ctx, "conv-1", "assistant", "b", nil))

	count, err := s.CountTurns(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75, 0}
	assert.Equal(t, vec, decodeVector(encodeVector(vec)))
	assert.Nil(t, decodeVector(nil))
	assert.Nil(t, decodeVector([]byte{1, 2, 3}))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float32{0, 0}, []float32{1, 0}))
}
