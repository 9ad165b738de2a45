// Package sqlite provides a durable storage provider so job state and
// CSV artifacts survive process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/scrapeworks/harvester/internal/scrape"
	"github.com/scrapeworks/harvester/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	snapshot   TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	job_id          TEXT PRIMARY KEY,
	parent_csv      BLOB NOT NULL,
	variation_csv   BLOB,
	product_count   INTEGER NOT NULL,
	variation_count INTEGER NOT NULL,
	generated_at    TEXT NOT NULL,
	metadata        TEXT
);
`

// Store implements storage.Provider on a local SQLite file. Job
// snapshots are stored as JSON; CSVs as blobs keyed by job ID.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &scrape.StorageError{Op: "open", Err: err}
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent job updates.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, &scrape.StorageError{Op: "migrate", Err: err}
	}
	return &Store{db: db}, nil
}

// SaveJob upserts a job snapshot.
func (s *Store) SaveJob(ctx context.Context, job scrape.Job) error {
	snapshot, err := json.Marshal(job)
	if err != nil {
		return &scrape.StorageError{Op: "marshal job", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		job.ID, string(snapshot), job.CreatedAt.Format(timeLayout), job.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return &scrape.StorageError{Op: "save job", Err: err}
	}
	return nil
}

const timeLayout = time.RFC3339Nano

// GetJob fetches a job snapshot by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM jobs WHERE id = ?`, jobID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return scrape.Job{}, &scrape.NotFoundError{Kind: "job", ID: jobID}
	}
	if err != nil {
		return scrape.Job{}, &scrape.StorageError{Op: "get job", Err: err}
	}
	var job scrape.Job
	if err := json.Unmarshal([]byte(snapshot), &job); err != nil {
		return scrape.Job{}, &scrape.StorageError{Op: "unmarshal job", Err: err}
	}
	return job, nil
}

// ListJobs returns all job snapshots, most recently created first.
func (s *Store) ListJobs(ctx context.Context) ([]scrape.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, &scrape.StorageError{Op: "list jobs", Err: err}
	}
	defer rows.Close()
	var jobs []scrape.Job
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, &scrape.StorageError{Op: "scan job", Err: err}
		}
		var job scrape.Job
		if err := json.Unmarshal([]byte(snapshot), &job); err != nil {
			return nil, &scrape.StorageError{Op: "unmarshal job", Err: err}
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, &scrape.StorageError{Op: "iterate jobs", Err: err}
	}
	return jobs, nil
}

// SaveResult upserts a job's CSV artifacts.
func (s *Store) SaveResult(ctx context.Context, result storage.JobResult) error {
	meta, err := json.Marshal(result.Metadata)
	if err != nil {
		return &scrape.StorageError{Op: "marshal result metadata", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (job_id, parent_csv, variation_csv, product_count, variation_count, generated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			parent_csv = excluded.parent_csv,
			variation_csv = excluded.variation_csv,
			product_count = excluded.product_count,
			variation_count = excluded.variation_count,
			generated_at = excluded.generated_at,
			metadata = excluded.metadata`,
		result.JobID, result.ParentCSV, result.VariationCSV,
		result.ProductCount, result.VariationCount,
		result.GeneratedAt.Format(timeLayout), string(meta),
	)
	if err != nil {
		return &scrape.StorageError{Op: "save result", Err: err}
	}
	return nil
}

// GetResult fetches a job's CSV artifacts.
func (s *Store) GetResult(ctx context.Context, jobID string) (storage.JobResult, error) {
	var (
		result    storage.JobResult
		generated string
		meta      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, parent_csv, variation_csv, product_count, variation_count, generated_at, metadata
		FROM results WHERE job_id = ?`, jobID,
	).Scan(&result.JobID, &result.ParentCSV, &result.VariationCSV,
		&result.ProductCount, &result.VariationCount, &generated, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.JobResult{}, &scrape.NotFoundError{Kind: "result", ID: jobID}
	}
	if err != nil {
		return storage.JobResult{}, &scrape.StorageError{Op: "get result", Err: err}
	}
	if t, perr := time.Parse(timeLayout, generated); perr == nil {
		result.GeneratedAt = t
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &result.Metadata); err != nil {
			return storage.JobResult{}, &scrape.StorageError{Op: "unmarshal result metadata", Err: err}
		}
	}
	return result, nil
}

// Stats summarizes stored state.
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&stats.TotalJobs); err != nil {
		return storage.Stats{}, &scrape.StorageError{Op: "count jobs", Err: err}
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(parent_csv) + COALESCE(LENGTH(variation_csv), 0)), 0)
		FROM results`,
	).Scan(&stats.TotalResults, &stats.TotalCSVBytes)
	if err != nil {
		return storage.Stats{}, &scrape.StorageError{Op: "count results", Err: err}
	}
	return stats, nil
}

// Clear wipes all jobs and results.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM results`); err != nil {
		return &scrape.StorageError{Op: "clear results", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return &scrape.StorageError{Op: "clear jobs", Err: err}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
