package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresIndex is an Index backed by PostgreSQL with the pgvector
// extension. Each logical store gets its own table, and ranking happens in
// SQL using the cosine distance operator. Postgres handles concurrent
// readers and writers itself, so no additional locking is needed here.
type PostgresIndex struct {
	pool  *pgxpool.Pool
	table string
	dim   int
}

// OpenPostgres connects to dsn and ensures the table for this store exists.
// Table is an identifier chosen by the caller (one per store), and dim fixes
// the vector column's dimensionality at creation.
func OpenPostgres(ctx context.Context, dsn, table string, dim int) (*PostgresIndex, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrStorageIO, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrStorageIO, err)
	}

	p := &PostgresIndex{pool: pool, table: table, dim: dim}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresIndex) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id            TEXT PRIMARY KEY,
			kind          TEXT NOT NULL,
			text          TEXT NOT NULL,
			metadata      JSONB NOT NULL,
			embedding     vector(%d) NOT NULL,
			model_version TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		)`, p.table, p.dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_kind ON %s(kind)`, p.table, p.table),
	}
	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: apply schema for %s: %v", ErrStorageIO, p.table, err)
		}
	}
	return nil
}

// Upsert writes entries in one transaction, replacing rows with matching IDs.
func (p *PostgresIndex) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		if len(e.Vector) != p.dim {
			return fmt.Errorf("%w: index dimension %d, entry %s has %d",
				ErrModelMismatch, p.dim, e.ID, len(e.Vector))
		}
	}
	if err := p.checkModel(ctx, entries); err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrStorageIO, err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		INSERT INTO %s (id, kind, text, metadata, embedding, model_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			text = EXCLUDED.text,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			model_version = EXCLUDED.model_version`, p.table)

	for _, e := range entries {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("%w: encode metadata for %s: %v", ErrStorageIO, e.ID, err)
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, query,
			e.ID, string(e.Kind), e.Text, meta,
			pgvector.NewVector(e.Vector), e.ModelVersion, createdAt,
		); err != nil {
			return fmt.Errorf("%w: upsert %s: %v", ErrStorageIO, e.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorageIO, err)
	}
	return nil
}

func (p *PostgresIndex) checkModel(ctx context.Context, entries []Entry) error {
	var version string
	query := fmt.Sprintf(`SELECT model_version FROM %s LIMIT 1`, p.table)
	err := p.pool.QueryRow(ctx, query).Scan(&version)
	if err != nil {
		// Empty table: the first write establishes the version.
		version = entries[0].ModelVersion
	}
	for _, e := range entries {
		if e.ModelVersion != version {
			return fmt.Errorf("%w: index holds %q, entry %s has %q",
				ErrModelMismatch, version, e.ID, e.ModelVersion)
		}
	}
	return nil
}

// Search ranks entries by cosine similarity in SQL. The secondary ORDER BY
// on id keeps results deterministic when similarities tie.
func (p *PostgresIndex) Search(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT id, kind, text, metadata, embedding, model_version, created_at,
		       1 - (embedding <=> $1) AS similarity
		FROM %s
		ORDER BY embedding <=> $1, id ASC
		LIMIT $2`, p.table)

	rows, err := p.pool.Query(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrStorageIO, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var e Entry
		var kind string
		var meta []byte
		var embedding pgvector.Vector
		var similarity float64
		if err := rows.Scan(&e.ID, &kind, &e.Text, &meta, &embedding,
			&e.ModelVersion, &e.CreatedAt, &similarity); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", ErrStorageIO, err)
		}
		e.Kind = Kind(kind)
		e.Vector = embedding.Slice()
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("%w: decode metadata for %s: %v", ErrStorageIO, e.ID, err)
		}
		matches = append(matches, Match{Entry: e, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rows: %v", ErrStorageIO, err)
	}
	return matches, nil
}

// Status reports the entry count and a breakdown by source type.
func (p *PostgresIndex) Status(ctx context.Context) (Status, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(metadata->>'%s', ''), COUNT(*)
		FROM %s GROUP BY 1`, MetaSourceType, p.table)

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return Status{}, fmt.Errorf("%w: status: %v", ErrStorageIO, err)
	}
	defer rows.Close()

	st := Status{BySourceType: make(map[string]int)}
	for rows.Next() {
		var src string
		var count int
		if err := rows.Scan(&src, &count); err != nil {
			return Status{}, fmt.Errorf("%w: scan row: %v", ErrStorageIO, err)
		}
		st.Count += count
		if src != "" {
			st.BySourceType[src] = count
		}
	}
	if err := rows.Err(); err != nil {
		return Status{}, fmt.Errorf("%w: iterate rows: %v", ErrStorageIO, err)
	}
	return st, nil
}

// List returns up to limit entries of the given kind, ordered by ID.
func (p *PostgresIndex) List(ctx context.Context, kind Kind, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT id, kind, text, metadata, embedding, model_version, created_at
		FROM %s WHERE kind = $1 ORDER BY id LIMIT $2`, p.table)

	rows, err := p.pool.Query(ctx, query, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStorageIO, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var k string
		var meta []byte
		var embedding pgvector.Vector
		if err := rows.Scan(&e.ID, &k, &e.Text, &meta, &embedding,
			&e.ModelVersion, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", ErrStorageIO, err)
		}
		e.Kind = Kind(k)
		e.Vector = embedding.Slice()
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("%w: decode metadata for %s: %v", ErrStorageIO, e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rows: %v", ErrStorageIO, err)
	}
	return entries, nil
}

// DeleteAll removes every entry.
func (p *PostgresIndex) DeleteAll(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, p.table)); err != nil {
		return fmt.Errorf("%w: delete all: %v", ErrStorageIO, err)
	}
	return nil
}

// Close releases the connection pool.
func (p *PostgresIndex) Close() error {
	p.pool.Close()
	return nil
}
