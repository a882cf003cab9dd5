// Package conversation persists per-session turns and recalls recent
// or semantically similar history.
package conversation

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"sort"
	"time"

	sageerrors "github.com/docsage/docsage/internal/errors"
)

// Turn is one persisted conversation exchange half.
type Turn struct {
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // user or assistant
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`

	embedding []float32
}

const turnsSchema = `
CREATE TABLE IF NOT EXISTS turns (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	embedding       BLOB,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id);
`

// Store persists turns in SQLite. It shares the metadata database.
type Store struct {
	db *sql.DB
}

// NewStore initializes the turns schema on the given database.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(turnsSchema); err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeConversationStore,
			"failed to initialize turns schema", err)
	}
	return &Store{db: db}, nil
}

// Append persists one turn. The embedding is optional and enables
// similarity recall later.
func (s *Store) Append(ctx context.Context, conversationID, role, content string, embedding []float32) error {
	var blob []byte
	if len(embedding) > 0 {
		blob = encodeVector(embedding)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (conversation_id, role, content, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
		conversationID, role, content, blob, time.Now().UTC().Unix())
	if err != nil {
		return sageerrors.New(sageerrors.ErrCodeConversationStore, "append turn", err)
	}
	return nil
}

// LastTurns returns the newest n turns of a conversation, oldest first.
func (s *Store) LastTurns(ctx context.Context, conversationID string, n int) ([]Turn, error) {
	if n <= 0 {
		return []Turn{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, role, content, created_at
		 FROM turns WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`,
		conversationID, n)
	if err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "query turns", err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var t Turn
		var createdAt int64
		if err := rows.Scan(&t.ConversationID, &t.Role, &t.Content, &createdAt); err != nil {
			return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "scan turn", err)
		}
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "iterate turns", err)
	}

	// Reverse the DESC scan into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// SimilarTurns returns up to n turns of the conversation ranked by
// cosine similarity to the query embedding. Turns stored without an
// embedding are skipped.
func (s *Store) SimilarTurns(ctx context.Context, conversationID string, query []float32, n int) ([]Turn, error) {
	if n <= 0 || len(query) == 0 {
		return []Turn{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, role, content, embedding, created_at
		 FROM turns WHERE conversation_id = ? AND embedding IS NOT NULL`,
		conversationID)
	if err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "query embedded turns", err)
	}
	defer rows.Close()

	type scored struct {
		turn Turn
		sim  float64
	}
	var candidates []scored
	for rows.Next() {
		var t Turn
		var blob []byte
		var createdAt int64
		if err := rows.Scan(&t.ConversationID, &t.Role, &t.Content, &blob, &createdAt); err != nil {
			return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "scan turn", err)
		}
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		t.embedding = decodeVector(blob)
		if len(t.embedding) != len(query) {
			continue
		}
		candidates = append(candidates, scored{turn: t, sim: cosine(query, t.embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "iterate turns", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	turns := make([]Turn, len(candidates))
	for i, c := range candidates {
		turns[i] = c.turn
	}
	return turns, nil
}

// CountTurns returns the number of turns in a conversation.
func (s *Store) CountTurns(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE conversation_id = ?`, conversationID).Scan(&count)
	if err != nil {
		return 0, sageerrors.New(sageerrors.ErrCodeConversationStore, "count turns", err)
	}
	return count, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
