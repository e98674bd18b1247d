package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"gameforge/internal/core/domain"
	"gameforge/internal/core/ports"
)

// JobStore persists jobs in DuckDB. One database file per deployment; job
// rows survive restarts so clients can still query terminal jobs.
type JobStore struct {
	db *sql.DB
}

var _ ports.JobStore = (*JobStore)(nil)

// NewJobStore opens (or creates) the database at path and migrates the
// schema. Pass "" for an in-memory database.
func NewJobStore(path string) (*JobStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	s := &JobStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *JobStore) Close() error { return s.db.Close() }

func (s *JobStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		id               VARCHAR PRIMARY KEY,
		user_id          VARCHAR NOT NULL,
		project_id       VARCHAR NOT NULL,
		status           VARCHAR NOT NULL,
		progress         INTEGER NOT NULL DEFAULT 0,
		progress_message VARCHAR NOT NULL DEFAULT '',
		result           VARCHAR,
		error            VARCHAR,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("migrate jobs table: %w", err)
	}
	return nil
}

// ResetOrphaned fails jobs a previous run left pending or processing. Their
// slots and provider processes died with that process, so the records would
// otherwise stay active forever.
func (s *JobStore) ResetOrphaned(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error = 'interrupted by service restart', updated_at = ?
		WHERE status IN ('pending', 'processing')`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("reset orphaned jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *JobStore) Create(ctx context.Context, job domain.Job) error {
	resultJSON, err := marshalResult(job.Result)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, project_id, status, progress, progress_message, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(job.ID), string(job.UserID), string(job.ProjectID),
		string(job.Status), job.Progress, job.ProgressMessage,
		resultJSON, job.Error, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *JobStore) Update(ctx context.Context, job domain.Job) error {
	resultJSON, err := marshalResult(job.Result)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, progress = ?, progress_message = ?,
			result = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(job.Status), job.Progress, job.ProgressMessage,
		resultJSON, job.Error, job.UpdatedAt, string(job.ID),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

const jobColumns = `id, user_id, project_id, status, progress, progress_message, result, error, created_at, updated_at`

func (s *JobStore) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetActiveByProject returns the single pending or processing job for the
// project, or nil when none is active. Admission keeps at most one active job
// per project, so newest-first LIMIT 1 is exact.
func (s *JobStore) GetActiveByProject(ctx context.Context, projectID domain.ProjectID) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE project_id = ? AND status IN ('pending', 'processing')
		ORDER BY created_at DESC
		LIMIT 1`, string(projectID))

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return &job, nil
}

func (s *JobStore) ListByProject(ctx context.Context, projectID domain.ProjectID) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE project_id = ?
		ORDER BY created_at DESC`, string(projectID))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if out == nil {
		out = []domain.Job{}
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var job domain.Job
	var idStr, userIDStr, projectIDStr, statusStr string
	var resultJSON, errStr *string

	err := row.Scan(
		&idStr, &userIDStr, &projectIDStr, &statusStr,
		&job.Progress, &job.ProgressMessage,
		&resultJSON, &errStr, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}

	job.ID = domain.JobID(idStr)
	job.UserID = domain.UserID(userIDStr)
	job.ProjectID = domain.ProjectID(projectIDStr)
	job.Status = domain.JobStatus(statusStr)
	job.Error = errStr
	if resultJSON != nil && *resultJSON != "" {
		var result domain.GenerationResult
		if err := json.Unmarshal([]byte(*resultJSON), &result); err != nil {
			return domain.Job{}, fmt.Errorf("failed to unmarshal result for job %s: %w", idStr, err)
		}
		job.Result = &result
	}
	return job, nil
}

func marshalResult(result *domain.GenerationResult) (*string, error) {
	if result == nil {
		return nil, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	s := string(raw)
	return &s, nil
}
