package schemaindex

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/schemapilot/schemapilot/internal/log"
)

// DB is the pgx surface the pgvector backend needs. *pgxpool.Pool satisfies
// it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGVectorIndex stores embedded snippets in the schema_embeddings table of
// the service's own database, namespaced by tenant database name. Rebuilds
// are delete-then-insert in one transaction, so concurrent searches see the
// old rows until commit.
type PGVectorIndex struct {
	db     DB
	embed  EmbedFunc
	logger log.Logger
}

// NewPGVectorIndex creates a Postgres-backed index on db.
func NewPGVectorIndex(db DB, embed EmbedFunc, logger log.Logger) *PGVectorIndex {
	return &PGVectorIndex{db: db, embed: embed, logger: logger}
}

const insertEmbeddingQuery = `
INSERT INTO schema_embeddings (db_name, table_schema, table_name, content, embedding)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (db_name, table_schema, table_name)
DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding, updated_at = now()`

const searchEmbeddingsQuery = `
SELECT table_schema, table_name, content, embedding <=> $1 AS distance
FROM schema_embeddings
WHERE db_name = $2
ORDER BY embedding <=> $1
LIMIT $3`

func (x *PGVectorIndex) Build(ctx context.Context, dbName string, docs []Document) error {
	vectors, err := x.embedDocs(ctx, docs)
	if err != nil {
		return err
	}

	tx, err := x.db.Begin(ctx)
	if err != nil {
		return x.wrap("build", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM schema_embeddings WHERE db_name = $1`, dbName); err != nil {
		return x.wrap("build", err)
	}
	for i, d := range docs {
		if _, err := tx.Exec(ctx, insertEmbeddingQuery,
			dbName, d.Schema, d.Table, d.Text, vectors[i]); err != nil {
			return x.wrap("build", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return x.wrap("build", err)
	}

	x.analyze(ctx)
	x.logger.Info("schema index built", "backend", "pgvector", "db", dbName, "tables", len(docs))
	return nil
}

func (x *PGVectorIndex) Search(ctx context.Context, dbName, query string, topK int) ([]Hit, error) {
	ready, err := x.Ready(ctx, dbName)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, ErrIndexNotFound
	}

	vec, err := x.embed(ctx, query)
	if err != nil {
		return nil, x.wrap("search", err)
	}

	rows, err := x.db.Query(ctx, searchEmbeddingsQuery, pgvector.NewVector(vec), dbName, topK)
	if err != nil {
		return nil, x.wrap("search", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var schema, table, content string
		var distance float64
		if err := rows.Scan(&schema, &table, &content, &distance); err != nil {
			return nil, x.wrap("search", err)
		}
		// Cosine distance is in [0,2]; map to a [0,1] score.
		hits = append(hits, Hit{
			Table: schema + "." + table,
			Score: normalizeScore(1 - distance/2),
			Text:  content,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, x.wrap("search", err)
	}
	sortHits(hits)
	return hits, nil
}

func (x *PGVectorIndex) UpsertTable(ctx context.Context, dbName string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	vectors, err := x.embedDocs(ctx, docs)
	if err != nil {
		return err
	}

	tx, err := x.db.Begin(ctx)
	if err != nil {
		return x.wrap("upsert", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for i, d := range docs {
		if _, err := tx.Exec(ctx, insertEmbeddingQuery,
			dbName, d.Schema, d.Table, d.Text, vectors[i]); err != nil {
			return x.wrap("upsert", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return x.wrap("upsert", err)
	}

	x.analyze(ctx)
	return nil
}

func (x *PGVectorIndex) DeleteTable(ctx context.Context, dbName, schema, table string) error {
	_, err := x.db.Exec(ctx,
		`DELETE FROM schema_embeddings WHERE db_name = $1 AND table_schema = $2 AND table_name = $3`,
		dbName, schema, table)
	if err != nil {
		return x.wrap("delete", err)
	}
	return nil
}

func (x *PGVectorIndex) Ready(ctx context.Context, dbName string) (bool, error) {
	rows, err := x.db.Query(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_embeddings WHERE db_name = $1)`, dbName)
	if err != nil {
		return false, x.wrap("ready", err)
	}
	defer rows.Close()

	var exists bool
	if rows.Next() {
		if err := rows.Scan(&exists); err != nil {
			return false, x.wrap("ready", err)
		}
	}
	return exists, rows.Err()
}

func (x *PGVectorIndex) embedDocs(ctx context.Context, docs []Document) ([]pgvector.Vector, error) {
	vectors := make([]pgvector.Vector, len(docs))
	for i, d := range docs {
		vec, err := x.embed(ctx, d.Text)
		if err != nil {
			return nil, x.wrap("embed", fmt.Errorf("table %s: %w", d.ID(), err))
		}
		vectors[i] = pgvector.NewVector(vec)
	}
	return vectors, nil
}

// analyze refreshes planner statistics after a bulk change. Failure is only
// a lost optimization, never a lost write.
func (x *PGVectorIndex) analyze(ctx context.Context) {
	if _, err := x.db.Exec(ctx, `ANALYZE schema_embeddings`); err != nil {
		x.logger.Warn("analyze after index write failed", "error", err)
	}
}

func (x *PGVectorIndex) wrap(op string, err error) error {
	return &BackendError{Backend: "pgvector", Op: op, Err: err}
}
