// Package pgvector implements the context retriever against a PostgreSQL
// snippets table with a pgvector index.
//
// The table is expected to exist already, populated by an external ingestion
// pipeline:
//
//	CREATE TABLE snippets (
//	    id        TEXT PRIMARY KEY,
//	    content   TEXT NOT NULL,
//	    source    TEXT NOT NULL DEFAULT '',
//	    embedding vector(<dims>) NOT NULL
//	);
//	CREATE INDEX ON snippets USING hnsw (embedding vector_cosine_ops);
package pgvector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvec "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/wallbounce/wallbounce/pkg/embeddings"
	"github.com/wallbounce/wallbounce/pkg/retriever"
)

// DefaultLimit is the snippet count returned when the caller passes 0.
const DefaultLimit = 5

var _ retriever.Retriever = (*Retriever)(nil)

// Retriever ranks snippets by cosine distance between the query embedding
// and the stored vectors. Safe for concurrent use.
type Retriever struct {
	pool     *pgxpool.Pool
	embedder embeddings.Embedder
	table    string
}

// Config configures a [Retriever].
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// Embedder embeds the incoming query. Required.
	Embedder embeddings.Embedder

	// Table is the snippets table name. Defaults to "snippets".
	Table string
}

// New connects to PostgreSQL and verifies the connection. The pgvector types
// are registered on every pooled connection.
func New(ctx context.Context, cfg Config) (*Retriever, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("pgvector retriever: embedder is required")
	}
	table := cfg.Table
	if table == "" {
		table = "snippets"
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvector retriever: parse dsn: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgvector retriever: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector retriever: ping: %w", err)
	}

	return &Retriever{pool: pool, embedder: cfg.Embedder, table: table}, nil
}

// Retrieve implements retriever.Retriever. Results come back most similar
// first; Score is 1 minus the cosine distance.
func (r *Retriever) Retrieve(ctx context.Context, query string, limit int) ([]retriever.Snippet, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgvector retriever: embed query: %w", err)
	}

	q := fmt.Sprintf(`
		SELECT content, source, embedding <=> $1 AS distance
		FROM   %s
		ORDER  BY distance
		LIMIT  $2`, r.table)

	rows, err := r.pool.Query(ctx, q, pgvec.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("pgvector retriever: query: %w", err)
	}

	snippets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (retriever.Snippet, error) {
		var (
			s        retriever.Snippet
			distance float64
		)
		if err := row.Scan(&s.Text, &s.Source, &distance); err != nil {
			return retriever.Snippet{}, err
		}
		s.Score = 1 - distance
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector retriever: scan rows: %w", err)
	}
	return snippets, nil
}

// Ping verifies the backend is reachable. Used by readiness checks.
func (r *Retriever) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the connection pool.
func (r *Retriever) Close() {
	r.pool.Close()
}
