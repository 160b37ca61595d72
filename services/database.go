package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"fileconverter/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              VARCHAR(36) PRIMARY KEY,
	session_id      VARCHAR(64) NOT NULL,
	filename        VARCHAR(255) NOT NULL,
	original_size   BIGINT NOT NULL,
	input_format    VARCHAR(16) NOT NULL,
	conversion_type VARCHAR(32) NOT NULL,
	status          VARCHAR(16) NOT NULL,
	input_key       VARCHAR(500) NOT NULL,
	output_key      VARCHAR(500),
	error_message   TEXT,
	attempt_count   INTEGER NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_session_created ON jobs (session_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at);
`

const jobColumns = `id, session_id, filename, original_size, input_format, conversion_type,
	status, input_key, COALESCE(output_key, ''), COALESCE(error_message, ''),
	attempt_count, created_at, started_at, completed_at`

// JobStore is the durable record of every job. All concurrent mutation
// goes through UpdateStatus, a conditional write that serializes racing
// workers without any additional locking.
type JobStore struct {
	db *sql.DB
}

func NewJobStore(databaseURL string) (*JobStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &JobStore{db: db}, nil
}

// Init creates the jobs table and indexes if they do not exist.
func (s *JobStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreateJob assigns a fresh id and inserts the record with status pending.
// The insert commits before any queue publish is attempted, so a queue
// message can never reference a job the store does not know about.
func (s *JobStore) CreateJob(ctx context.Context, sessionID, filename string, size int64, inputFormat string, ct models.ConversionType) (*models.Job, error) {
	id := uuid.NewString()
	job := &models.Job{
		ID:             id,
		SessionID:      sessionID,
		Filename:       filename,
		OriginalSize:   size,
		InputFormat:    inputFormat,
		ConversionType: ct,
		Status:         models.StatusPending,
		InputKey:       InputKey(id),
		AttemptCount:   1,
		CreatedAt:      time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, session_id, filename, original_size, input_format,
			conversion_type, status, input_key, attempt_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.SessionID, job.Filename, job.OriginalSize, job.InputFormat,
		job.ConversionType, job.Status, job.InputKey, job.AttemptCount, job.CreatedAt,
	)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("failed to insert job: %w", err))
	}
	return job, nil
}

// UpdateStatus transitions a job from expected to next, writing the given
// fields in the same statement. It reports whether the transition was
// applied; false means the current status did not match expected, which
// signals a lost race rather than corruption and is a safe no-op.
func (s *JobStore) UpdateStatus(ctx context.Context, jobID string, expected, next models.Status, fields models.StatusUpdate) (bool, error) {
	query, args := buildStatusUpdate(jobID, expected, next, fields)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, models.Transient(fmt.Errorf("failed to update job status: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func buildStatusUpdate(jobID string, expected, next models.Status, fields models.StatusUpdate) (string, []interface{}) {
	query := `UPDATE jobs SET status = $1`
	args := []interface{}{next}
	argIndex := 2

	if fields.StartedAt != nil {
		query += fmt.Sprintf(`, started_at = $%d`, argIndex)
		args = append(args, *fields.StartedAt)
		argIndex++
	}
	if fields.CompletedAt != nil {
		query += fmt.Sprintf(`, completed_at = $%d`, argIndex)
		args = append(args, *fields.CompletedAt)
		argIndex++
	}
	if fields.OutputKey != "" {
		query += fmt.Sprintf(`, output_key = $%d`, argIndex)
		args = append(args, fields.OutputKey)
		argIndex++
	}
	if fields.ErrorMessage != "" {
		query += fmt.Sprintf(`, error_message = $%d`, argIndex)
		args = append(args, fields.ErrorMessage)
		argIndex++
	}
	if fields.AttemptCount > 0 {
		query += fmt.Sprintf(`, attempt_count = $%d`, argIndex)
		args = append(args, fields.AttemptCount)
		argIndex++
	}

	query += fmt.Sprintf(` WHERE id = $%d AND status = $%d`, argIndex, argIndex+1)
	args = append(args, jobID, expected)

	return query, args
}

// GetJob returns the job or models.ErrJobNotFound.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, models.Transient(fmt.Errorf("failed to get job: %w", err))
	}
	return job, nil
}

// ListBySession returns the session's jobs most-recent-first plus the
// total count across all pages.
func (s *JobStore) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.Job, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE session_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, 0, models.Transient(fmt.Errorf("failed to list session jobs: %w", err))
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, models.Transient(fmt.Errorf("failed to list session jobs: %w", err))
	}

	var total int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE session_id = $1`, sessionID,
	).Scan(&total)
	if err != nil {
		return nil, 0, models.Transient(fmt.Errorf("failed to count session jobs: %w", err))
	}
	return jobs, total, nil
}

// ListStalePending returns pending jobs created before cutoff. The
// dispatcher's redispatch pass republishes those with no in-flight
// message.
func (s *JobStore) ListStalePending(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	return s.listByStatusBefore(ctx, models.StatusPending, "created_at", cutoff)
}

// ListStaleProcessing returns processing jobs whose started_at is before
// cutoff, i.e. stuck far beyond the conversion budget.
func (s *JobStore) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	return s.listByStatusBefore(ctx, models.StatusProcessing, "started_at", cutoff)
}

func (s *JobStore) listByStatusBefore(ctx context.Context, status models.Status, column string, cutoff time.Time) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND `+column+` < $2`,
		status, cutoff,
	)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("failed to list %s jobs: %w", status, err))
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListExpired returns jobs eligible for reaping: completed past ttl,
// failed past failedTTL, and pending past ttl plus a generous grace so a
// redispatch still in progress is never reaped out from under a worker.
func (s *JobStore) ListExpired(ctx context.Context, now time.Time, ttl, failedTTL, pendingGrace time.Duration) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE (status = $1 AND created_at < $2)
		    OR (status = $3 AND created_at < $4)
		    OR (status = $5 AND created_at < $6)`,
		models.StatusCompleted, now.Add(-ttl),
		models.StatusFailed, now.Add(-failedTTL),
		models.StatusPending, now.Add(-ttl-pendingGrace),
	)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("failed to list expired jobs: %w", err))
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJob removes the record. Storage objects are deleted first by the
// caller.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, jobID); err != nil {
		return models.Transient(fmt.Errorf("failed to delete job: %w", err))
	}
	return nil
}

func (s *JobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *JobStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&job.ID, &job.SessionID, &job.Filename, &job.OriginalSize, &job.InputFormat,
		&job.ConversionType, &job.Status, &job.InputKey, &job.OutputKey,
		&job.ErrorMessage, &job.AttemptCount, &job.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}
