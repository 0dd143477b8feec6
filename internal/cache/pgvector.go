package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const semanticTable = "semantic_cache"

// PGVectorIndex is a VectorIndex stored in PostgreSQL with the pgvector
// extension. Similarity is 1 - cosine distance (the <=> operator).
type PGVectorIndex struct {
	db  *sql.DB
	dim int
}

// NewPGVectorIndex wraps an open database handle. The caller owns db.
func NewPGVectorIndex(db *sql.DB, dim int) *PGVectorIndex {
	return &PGVectorIndex{db: db, dim: dim}
}

// OpenPGVectorIndex connects to dsn with the lib/pq driver and pings it.
func OpenPGVectorIndex(ctx context.Context, dsn string, dim int) (*PGVectorIndex, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: l3: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: l3: ping: %w", err)
	}
	return NewPGVectorIndex(db, dim), nil
}

// EnsureSchema creates the extension, table and HNSW index when missing.
func (x *PGVectorIndex) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			embedding  vector(%d) NOT NULL,
			response   JSONB NOT NULL,
			model      TEXT NOT NULL,
			bucket     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`, semanticTable, x.dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`,
			semanticTable, semanticTable),
	}

	for _, s := range stmts {
		if _, err := x.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("cache: l3: ensure schema: %w", err)
		}
	}
	return nil
}

func (x *PGVectorIndex) Nearest(ctx context.Context, vec []float32) (*Match, error) {
	query := fmt.Sprintf(`SELECT id, response, model, 1 - (embedding <=> $1::vector) AS similarity
		FROM %s
		ORDER BY embedding <=> $1::vector
		LIMIT 1`, semanticTable)

	var m Match
	err := x.db.QueryRowContext(ctx, query, formatVector(vec)).Scan(&m.ID, &m.Payload, &m.Model, &m.Score)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nearest: %w", err)
	}
	return &m, nil
}

func (x *PGVectorIndex) Upsert(ctx context.Context, p Point) error {
	if x.dim > 0 && len(p.Vector) != x.dim {
		return fmt.Errorf("upsert: vector has %d dimensions, index expects %d", len(p.Vector), x.dim)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, embedding, response, model, bucket, created_at)
		VALUES ($1, $2::vector, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			embedding  = EXCLUDED.embedding,
			response   = EXCLUDED.response,
			model      = EXCLUDED.model,
			bucket     = EXCLUDED.bucket,
			created_at = EXCLUDED.created_at`, semanticTable)

	_, err := x.db.ExecContext(ctx, query, p.ID, formatVector(p.Vector), p.Payload, p.Model, p.Bucket, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

func (x *PGVectorIndex) Ping(ctx context.Context) error {
	return x.db.PingContext(ctx)
}

// Close closes the database handle.
func (x *PGVectorIndex) Close() error {
	return x.db.Close()
}

// formatVector renders vec in pgvector text form: [0.1,0.2,...].
func formatVector(vec []float32) string {
	var sb strings.Builder
	sb.Grow(len(vec)*10 + 2)
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
