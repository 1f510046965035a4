// Package knowledge retrieves reference passages (laws, bylaws, guidance)
// by vector similarity to ground reasoning prompts.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// Dimensions of text-embedding-3-small.
const Dimensions = 1536

// ErrDocumentExists is returned by Insert when a document with the same
// title is already stored.
var ErrDocumentExists = errors.New("knowledge document already exists")

type Document struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Content  string `json:"content"`
	// Similarity is 1 - cosine distance; set by Search.
	Similarity float64 `json:"similarity"`
}

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store keeps documents and their embeddings in a pgvector table. Pools
// from Connect are ready for it.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Init creates the vector extension, table and index if missing.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS knowledge_documents (
			id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			title      TEXT NOT NULL UNIQUE,
			category   TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, Dimensions))
	if err != nil {
		return fmt.Errorf("create knowledge table: %w", err)
	}

	// tables created before titles were unique may hold repeats
	_, err = s.db.Exec(ctx, `
		DELETE FROM knowledge_documents a
		USING knowledge_documents b
		WHERE a.title = b.title AND a.ctid > b.ctid
	`)
	if err != nil {
		return fmt.Errorf("dedupe knowledge titles: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_title
		ON knowledge_documents (title)
	`)
	if err != nil {
		return fmt.Errorf("create title index: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_knowledge_hnsw
		ON knowledge_documents
		USING hnsw (embedding vector_cosine_ops)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("knowledge store initialized")
	return nil
}

// Insert stores doc. Titles are unique; a repeat leaves the stored
// document untouched and returns ErrDocumentExists.
func (s *Store) Insert(ctx context.Context, doc Document, embedding []float32) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO knowledge_documents (title, category, content, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (title) DO NOTHING
	`, doc.Title, doc.Category, doc.Content, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("insert knowledge %q: %w", doc.Title, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrDocumentExists, doc.Title)
	}
	return nil
}

// Search returns up to count documents whose similarity exceeds threshold,
// most similar first.
func (s *Store) Search(ctx context.Context, embedding []float32, threshold float64, count int) ([]Document, error) {
	vec := pgvector.NewVector(embedding)
	rows, err := s.db.Query(ctx, `
		SELECT id, title, category, content, 1 - (embedding <=> $1) AS similarity
		FROM knowledge_documents
		WHERE 1 - (embedding <=> $1) > $2
		ORDER BY embedding <=> $1
		LIMIT $3
	`, vec, threshold, count)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Title, &d.Category, &d.Content, &d.Similarity); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
