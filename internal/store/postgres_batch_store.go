package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/diptych/internal/domain"
	_ "github.com/lib/pq"
)

const batchSchemaSQL = `
CREATE TABLE IF NOT EXISTS diptych_batches (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	total INTEGER NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	cache_hits INTEGER NOT NULL DEFAULT 0,
	output_dir TEXT NOT NULL DEFAULT '',
	zip_requested BOOLEAN NOT NULL DEFAULT FALSE,
	final_paths JSONB NOT NULL DEFAULT '[]',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

type PostgresBatchStore struct {
	db *sql.DB
}

func NewPostgresBatchStore(ctx context.Context, dsn string) (*PostgresBatchStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresBatchStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresBatchStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, batchSchemaSQL); err != nil {
		return fmt.Errorf("ensure diptych_batches schema: %w", err)
	}
	return nil
}

func (s *PostgresBatchStore) Close() error {
	return s.db.Close()
}

// Save inserts the record or overwrites its progress; created_at is kept from
// the first insert.
func (s *PostgresBatchStore) Save(ctx context.Context, rec domain.BatchRecord) error {
	paths := rec.FinalPaths
	if paths == nil {
		paths = []string{}
	}
	pathsJSON, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("marshal final paths: %w", err)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO diptych_batches
		   (id, status, total, processed, failed, cache_hits, output_dir, zip_requested, final_paths, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   total = EXCLUDED.total,
		   processed = EXCLUDED.processed,
		   failed = EXCLUDED.failed,
		   cache_hits = EXCLUDED.cache_hits,
		   output_dir = EXCLUDED.output_dir,
		   zip_requested = EXCLUDED.zip_requested,
		   final_paths = EXCLUDED.final_paths,
		   error = EXCLUDED.error,
		   updated_at = EXCLUDED.updated_at`,
		rec.ID,
		rec.Status,
		rec.Total,
		rec.Processed,
		rec.Failed,
		rec.CacheHits,
		rec.OutputDir,
		rec.ZipRequested,
		pathsJSON,
		rec.Error,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

func (s *PostgresBatchStore) Get(ctx context.Context, id string) (domain.BatchRecord, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, status, total, processed, failed, cache_hits, output_dir, zip_requested, final_paths, error, created_at, updated_at
		 FROM diptych_batches
		 WHERE id = $1`,
		id,
	)

	var (
		rec       domain.BatchRecord
		pathsJSON []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Status,
		&rec.Total,
		&rec.Processed,
		&rec.Failed,
		&rec.CacheHits,
		&rec.OutputDir,
		&rec.ZipRequested,
		&pathsJSON,
		&rec.Error,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BatchRecord{}, false, nil
		}
		return domain.BatchRecord{}, false, fmt.Errorf("query batch: %w", err)
	}

	if err := json.Unmarshal(pathsJSON, &rec.FinalPaths); err != nil {
		return domain.BatchRecord{}, false, fmt.Errorf("unmarshal final paths: %w", err)
	}
	return rec, true, nil
}
