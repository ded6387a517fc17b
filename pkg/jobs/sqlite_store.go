package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/fabula/pkg/errors"
)

const jobTable = "fabula_jobs"

// SQLiteStore persists jobs in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed job store and ensures its schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "job store: db is nil")
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ` + jobTable + ` (
			id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			status TEXT NOT NULL,
			artifacts_json TEXT,
			error_text TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_fabula_jobs_pipeline ON ` + jobTable + `(pipeline);
		CREATE INDEX IF NOT EXISTS idx_fabula_jobs_status ON ` + jobTable + `(status);
	`); err != nil {
		return nil, errors.New(errors.CodeInternal, "job store: create schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Create inserts a new queued job.
func (s *SQLiteStore) Create(ctx context.Context, pipeline string) (*Job, error) {
	job := newJob(pipeline)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+jobTable+` (id, pipeline, status, artifacts_json, error_text, created_at, updated_at)
		VALUES (?, ?, ?, NULL, '', ?, ?)
	`, job.ID, job.Pipeline, string(job.Status), job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Update overwrites status, artifacts and error of an existing job.
func (s *SQLiteStore) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.Newf(errors.CodeInvalidInput, "job is nil")
	}
	var artifacts any
	if job.Artifacts != nil {
		raw, err := json.Marshal(job.Artifacts)
		if err != nil {
			return errors.New(errors.CodeInvalidInput, "encode job artifacts", err)
		}
		artifacts = string(raw)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+jobTable+` SET status = ?, artifacts_json = ?, error_text = ?, updated_at = ?
		WHERE id = ?
	`, string(job.Status), artifacts, job.Error, time.Now().UTC().UnixMilli(), job.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(job.ID)
	}
	return nil
}

// Get loads one job.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline, status, artifacts_json, error_text, created_at, updated_at
		FROM `+jobTable+` WHERE id = ?
	`, id)
	job, err := scanJob(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return job, err
}

// List returns matching jobs, oldest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Job, error) {
	query := `SELECT id, pipeline, status, artifacts_json, error_text, created_at, updated_at FROM ` + jobTable
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.Pipeline != "" {
		addFilter("pipeline = ?", filter.Pipeline)
	}
	if filter.Status != "" {
		addFilter("status = ?", string(filter.Status))
	}
	query += where + " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job       Job
		status    string
		artifacts sql.NullString
		created   int64
		updated   int64
	)
	if err := row.Scan(&job.ID, &job.Pipeline, &status, &artifacts, &job.Error, &created, &updated); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.CreatedAt = time.UnixMilli(created).UTC()
	job.UpdatedAt = time.UnixMilli(updated).UTC()
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &job.Artifacts); err != nil {
			return nil, errors.New(errors.CodeInternal, "decode job artifacts", err).WithContext("job_id", job.ID)
		}
	}
	return &job, nil
}
