package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteIndex is a file-backed Index. Vectors are stored as JSON arrays and
// similarity search is a brute-force scan, which stays fast well past the
// corpus sizes a single assistant instance handles. A RWMutex on top of the
// database serializes writers while letting searches proceed concurrently.
type SQLiteIndex struct {
	mu sync.RWMutex
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	text          TEXT NOT NULL,
	metadata      TEXT NOT NULL,
	vector        TEXT NOT NULL,
	dim           INTEGER NOT NULL,
	model_version TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_kind ON entries(kind);
`

// OpenSQLite opens (creating if needed) a SQLite index at path.
func OpenSQLite(path string) (*SQLiteIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create index directory: %v", ErrStorageIO, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageIO, path, err)
	}
	// modernc.org/sqlite handles one writer at a time; a single connection
	// avoids SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", ErrStorageIO, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enable WAL: %v", ErrStorageIO, err)
	}
	return &SQLiteIndex{db: db}, nil
}

// Upsert writes entries in a single transaction. Re-inserting an existing ID
// replaces the stored row, so repeated ingestion of the same content is a
// no-op in effect.
func (s *SQLiteIndex) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		if len(e.Vector) == 0 {
			return fmt.Errorf("%w: entry %s has no vector", ErrInvalidEntry, e.ID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkModel(ctx, entries); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrStorageIO, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entries (id, kind, text, metadata, vector, dim, model_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			text = excluded.text,
			metadata = excluded.metadata,
			vector = excluded.vector,
			dim = excluded.dim,
			model_version = excluded.model_version`)
	if err != nil {
		return fmt.Errorf("%w: prepare upsert: %v", ErrStorageIO, err)
	}
	defer stmt.Close()

	for _, e := range entries {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("%w: encode metadata for %s: %v", ErrStorageIO, e.ID, err)
		}
		vec, err := json.Marshal(e.Vector)
		if err != nil {
			return fmt.Errorf("%w: encode vector for %s: %v", ErrStorageIO, e.ID, err)
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, string(e.Kind), e.Text, string(meta), string(vec),
			len(e.Vector), e.ModelVersion, createdAt,
		); err != nil {
			return fmt.Errorf("%w: upsert %s: %v", ErrStorageIO, e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorageIO, err)
	}
	return nil
}

// checkModel rejects writes whose model version or dimensionality differs
// from what the index already holds. Mixing embedding spaces would make
// similarity scores meaningless.
func (s *SQLiteIndex) checkModel(ctx context.Context, entries []Entry) error {
	var version string
	var dim int
	err := s.db.QueryRowContext(ctx,
		`SELECT model_version, dim FROM entries LIMIT 1`).Scan(&version, &dim)
	switch {
	case err == sql.ErrNoRows:
		version, dim = entries[0].ModelVersion, len(entries[0].Vector)
	case err != nil:
		return fmt.Errorf("%w: read model version: %v", ErrStorageIO, err)
	}
	for _, e := range entries {
		if e.ModelVersion != version {
			return fmt.Errorf("%w: index holds %q, entry %s has %q",
				ErrModelMismatch, version, e.ID, e.ModelVersion)
		}
		if len(e.Vector) != dim {
			return fmt.Errorf("%w: index dimension %d, entry %s has %d",
				ErrModelMismatch, dim, e.ID, len(e.Vector))
		}
	}
	return nil
}

// Search scans every entry and ranks by cosine similarity. Ties are broken
// by ascending ID so identical state always yields identical results.
func (s *SQLiteIndex) Search(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, text, metadata, vector, model_version, created_at FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("%w: scan entries: %v", ErrStorageIO, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{Entry: e, Similarity: CosineSimilarity(vector, e.Vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate entries: %v", ErrStorageIO, err)
	}
	return rankMatches(matches, k), nil
}

// Status reports the entry count and a breakdown by source type.
func (s *SQLiteIndex) Status(ctx context.Context) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{BySourceType: make(map[string]int)}
	rows, err := s.db.QueryContext(ctx, `SELECT metadata FROM entries`)
	if err != nil {
		return Status{}, fmt.Errorf("%w: scan metadata: %v", ErrStorageIO, err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return Status{}, fmt.Errorf("%w: scan row: %v", ErrStorageIO, err)
		}
		var meta map[string]string
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return Status{}, fmt.Errorf("%w: decode metadata: %v", ErrStorageIO, err)
		}
		st.Count++
		if src := meta[MetaSourceType]; src != "" {
			st.BySourceType[src]++
		}
	}
	if err := rows.Err(); err != nil {
		return Status{}, fmt.Errorf("%w: iterate metadata: %v", ErrStorageIO, err)
	}
	return st, nil
}

// List returns up to limit entries of the given kind, ordered by ID.
func (s *SQLiteIndex) List(ctx context.Context, kind Kind, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, text, metadata, vector, model_version, created_at
		 FROM entries WHERE kind = ? ORDER BY id LIMIT ?`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries: %v", ErrStorageIO, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate entries: %v", ErrStorageIO, err)
	}
	return entries, nil
}

// DeleteAll removes every entry.
func (s *SQLiteIndex) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("%w: delete all: %v", ErrStorageIO, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var kind, meta, vec string
	if err := rows.Scan(&e.ID, &kind, &e.Text, &meta, &vec, &e.ModelVersion, &e.CreatedAt); err != nil {
		return Entry{}, fmt.Errorf("%w: scan row: %v", ErrStorageIO, err)
	}
	e.Kind = Kind(kind)
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
		return Entry{}, fmt.Errorf("%w: decode metadata for %s: %v", ErrStorageIO, e.ID, err)
	}
	if err := json.Unmarshal([]byte(vec), &e.Vector); err != nil {
		return Entry{}, fmt.Errorf("%w: decode vector for %s: %v", ErrStorageIO, e.ID, err)
	}
	return e, nil
}
