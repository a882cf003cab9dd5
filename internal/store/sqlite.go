package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	sageerrors "github.com/docsage/docsage/internal/errors"
)

// MetadataStore persists documents and chunks in SQLite. It is the
// durable record behind the vector store: after a restart the lexical
// index is rebuilt from it.
type MetadataStore struct {
	db *sql.DB
}

const metadataSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	filename   TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id           TEXT PRIMARY KEY,
	document_id  TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	ordinal      INTEGER NOT NULL,
	content      TEXT NOT NULL,
	section      TEXT NOT NULL DEFAULT '',
	page         INTEGER NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL DEFAULT 'text',
	tags         TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, ordinal);
`

// OpenMetadataStore opens (creating if needed) the SQLite database at
// path. Use ":memory:" for tests.
func OpenMetadataStore(path string) (*MetadataStore, error) {
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeConversationStore,
			fmt.Sprintf("failed to open database at %s", path), err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(metadataSchema); err != nil {
		_ = db.Close()
		return nil, sageerrors.New(sageerrors.ErrCodeConversationStore,
			"failed to initialize schema", err)
	}

	return &MetadataStore{db: db}, nil
}

// DB exposes the underlying handle so the conversation store can share
// the same database file.
func (m *MetadataStore) DB() *sql.DB {
	return m.db
}

// SaveDocument writes a document and its chunks in one transaction.
func (m *MetadataStore) SaveDocument(ctx context.Context, doc Document, chunks []Chunk) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return sageerrors.New(sageerrors.ErrCodeConversationStore, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	docTags, err := json.Marshal(doc.Tags)
	if err != nil {
		return sageerrors.New(sageerrors.ErrCodeInternal, "marshal document tags", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents (id, filename, tags, created_at) VALUES (?, ?, ?, ?)`,
		doc.ID, doc.Filename, string(docTags), doc.CreatedAt.Unix())
	if err != nil {
		return sageerrors.New(sageerrors.ErrCodeConversationStore, "insert document", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO chunks (id, document_id, ordinal, content, section, page, content_type, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return sageerrors.New(sageerrors.ErrCodeConversationStore, "prepare chunk insert", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		chunkTags, err := json.Marshal(c.Tags)
		if err != nil {
			return sageerrors.New(sageerrors.ErrCodeInternal, "marshal chunk tags", err)
		}
		_, err = stmt.ExecContext(ctx,
			c.ID, c.DocumentID, c.Ordinal, c.Content, c.Section, c.Page,
			string(c.ContentType), string(chunkTags), c.CreatedAt.Unix())
		if err != nil {
			return sageerrors.New(sageerrors.ErrCodeConversationStore,
				fmt.Sprintf("insert chunk %s", c.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sageerrors.New(sageerrors.ErrCodeConversationStore, "commit document", err)
	}
	return nil
}

// GetDocument returns a document by ID, or nil if absent.
func (m *MetadataStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, filename, tags, created_at FROM documents WHERE id = ?`, id)

	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "query document", err)
	}
	return doc, nil
}

// ListDocuments returns all documents, newest first.
func (m *MetadataStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, filename, tags, created_at FROM documents ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "list documents", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "scan document", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var tags string
	var createdAt int64
	if err := row.Scan(&doc.ID, &doc.Filename, &tags, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
		return nil, err
	}
	doc.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &doc, nil
}

// DeleteDocument removes a document and its chunks, returning the chunk
// IDs so the caller can clear the vector store. Deleting a missing
// document returns an empty slice.
func (m *MetadataStore) DeleteDocument(ctx context.Context, id string) ([]string, error) {
	chunkIDs := []string{}
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM chunks WHERE document_id = ?`, id)
	if err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "list document chunks", err)
	}
	for rows.Next() {
		var chunkID string
		if err := rows.Scan(&chunkID); err != nil {
			rows.Close()
			return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "scan chunk id", err)
		}
		chunkIDs = append(chunkIDs, chunkID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "iterate chunk ids", err)
	}

	if _, err := m.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "delete document", err)
	}
	return chunkIDs, nil
}

// GetChunks returns a document's chunks in ordinal order.
func (m *MetadataStore) GetChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, document_id, ordinal, content, section, page, content_type, tags, created_at
		 FROM chunks WHERE document_id = ? ORDER BY ordinal`, documentID)
	if err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "query chunks", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// AllChunks streams every chunk; the lexical index rebuilds from this
// after a restart.
func (m *MetadataStore) AllChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, document_id, ordinal, content, section, page, content_type, tags, created_at
		 FROM chunks ORDER BY document_id, ordinal`)
	if err != nil {
		return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "query all chunks", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	chunks := []Chunk{}
	for rows.Next() {
		var c Chunk
		var contentType, tags string
		var createdAt int64
		err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Content,
			&c.Section, &c.Page, &contentType, &tags, &createdAt)
		if err != nil {
			return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "scan chunk", err)
		}
		c.ContentType = ContentType(contentType)
		if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
			return nil, sageerrors.New(sageerrors.ErrCodeConversationStore, "unmarshal chunk tags", err)
		}
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunks returns the total number of stored chunks.
func (m *MetadataStore) CountChunks(ctx context.Context) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	if err != nil {
		return 0, sageerrors.New(sageerrors.ErrCodeConversationStore, "count chunks", err)
	}
	return count, nil
}

// Close closes the database.
func (m *MetadataStore) Close() error {
	return m.db.Close()
}
