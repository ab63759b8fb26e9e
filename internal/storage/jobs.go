package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// RunnablePolicy controls which jobs ClaimNextRunnable may pick up.
type RunnablePolicy struct {
	// StaleRunning reclaims PROCESSING jobs whose last heartbeat is
	// older than this, covering workers that died mid-job.
	StaleRunning time.Duration
}

// JobRepository is the persistence layer of the background queue. Jobs
// survive restarts; claiming is safe across concurrent workers on both
// engines.
type JobRepository struct {
	db      DB
	dialect Dialect
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db DB, dialect Dialect) *JobRepository {
	return &JobRepository{db: db, dialect: dialect}
}

// Enqueue inserts a new PENDING job.
func (r *JobRepository) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now()
	job.State = JobStatePending
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO jobs (id, task, state, progress_percent, message, payload, result,
			error, owner, kb_id, attempts, max_attempts, cancel_requested,
			next_run_at, started_at, finished_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.Task, job.State, job.ProgressPercent, job.Message,
		string(job.Payload), rawText(job.Result), job.Error, job.Owner, job.KBID,
		job.Attempts, job.MaxAttempts, job.CancelRequested,
		job.NextRunAt, job.StartedAt, job.FinishedAt, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

const jobColumns = `id, task, state, progress_percent, message, payload, result,
	error, owner, kb_id, attempts, max_attempts, cancel_requested,
	next_run_at, started_at, finished_at, created_at, updated_at`

func scanJob(scan func(...interface{}) error) (*Job, error) {
	job := &Job{}
	var payload string
	var result sql.NullString
	err := scan(
		&job.ID, &job.Task, &job.State, &job.ProgressPercent, &job.Message,
		&payload, &result, &job.Error, &job.Owner, &job.KBID,
		&job.Attempts, &job.MaxAttempts, &job.CancelRequested,
		&job.NextRunAt, &job.StartedAt, &job.FinishedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	return job, nil
}

// Get retrieves a job by ID without owner scoping. Workers use it.
func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// GetOwned retrieves a job by ID and verifies ownership.
func (r *JobRepository) GetOwned(ctx context.Context, owner string, id uuid.UUID) (*Job, error) {
	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Owner != owner {
		return nil, ErrNotOwner
	}
	return job, nil
}

// ClaimNextRunnable atomically claims the oldest runnable job and moves
// it to PROCESSING, incrementing its attempt counter. Runnable means
// PENDING or RETRY with next_run_at due, or PROCESSING with a heartbeat
// older than policy.StaleRunning. Returns (nil, nil) when the queue has
// no runnable work.
func (r *JobRepository) ClaimNextRunnable(ctx context.Context, policy RunnablePolicy) (*Job, error) {
	now := time.Now()
	staleBefore := now.Add(-policy.StaleRunning)
	if policy.StaleRunning <= 0 {
		// Never reclaim when the policy is unset.
		staleBefore = now.Add(-100 * 365 * 24 * time.Hour)
	}

	if r.dialect == DialectPostgres {
		return r.claimPostgres(ctx, now, staleBefore)
	}
	return r.claimSQLite(ctx, now, staleBefore)
}

func (r *JobRepository) claimPostgres(ctx context.Context, now, staleBefore time.Time) (*Job, error) {
	// SKIP LOCKED lets concurrent workers race without blocking; each
	// claims a distinct row.
	query := `
		UPDATE jobs
		SET state = $1, attempts = attempts + 1, started_at = $2, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE ((state = $3 OR state = $4) AND next_run_at <= $2)
			   OR (state = $1 AND updated_at <= $5)
			ORDER BY next_run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	job, err := scanJob(r.db.QueryRowContext(ctx, query,
		JobStateProcessing, now, JobStatePending, JobStateRetry, staleBefore,
	).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (r *JobRepository) claimSQLite(ctx context.Context, now, staleBefore time.Time) (*Job, error) {
	// Select a candidate, then claim with a compare-and-swap on
	// (state, attempts). Losing the race just means the next poll tick
	// finds other work.
	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE ((state = $1 OR state = $2) AND next_run_at <= $3)
		   OR (state = $4 AND updated_at <= $5)
		ORDER BY next_run_at
		LIMIT 1
	`
	job, err := scanJob(r.db.QueryRowContext(ctx, query,
		JobStatePending, JobStateRetry, now, JobStateProcessing, staleBefore,
	).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = $1, attempts = attempts + 1, started_at = $2, updated_at = $2
		WHERE id = $3 AND state = $4 AND attempts = $5
	`, JobStateProcessing, now, job.ID, job.State, job.Attempts)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, nil
	}

	job.State = JobStateProcessing
	job.Attempts++
	job.StartedAt = &now
	job.UpdatedAt = now
	return job, nil
}

// UpdateProgress records stage progress and doubles as the heartbeat
// that keeps a PROCESSING job from being reclaimed as stale.
func (r *JobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, percent int, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET progress_percent = $1, message = $2, updated_at = $3
		WHERE id = $4
	`, percent, message, time.Now(), id)
	return err
}

// Heartbeat refreshes a PROCESSING job's claim timestamp without
// touching its progress fields. Keeps long stages from looking stale.
func (r *JobRepository) Heartbeat(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET updated_at = $1 WHERE id = $2 AND state = $3
	`, time.Now(), id, JobStateProcessing)
	return err
}

// MarkSuccess finalizes a job with its result document.
func (r *JobRepository) MarkSuccess(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = $1, progress_percent = 100, result = $2, error = NULL,
			finished_at = $3, updated_at = $3
		WHERE id = $4
	`, JobStateSuccess, rawText(result), now, id)
	return err
}

// MarkFailure finalizes a job with an error message.
func (r *JobRepository) MarkFailure(ctx context.Context, id uuid.UUID, errText string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = $1, error = $2, finished_at = $3, updated_at = $3
		WHERE id = $4
	`, JobStateFailure, errText, now, id)
	return err
}

// Reschedule parks a job in RETRY until runAt after a transient failure.
func (r *JobRepository) Reschedule(ctx context.Context, id uuid.UUID, errText string, runAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = $1, error = $2, next_run_at = $3, updated_at = $4
		WHERE id = $5
	`, JobStateRetry, errText, runAt, time.Now(), id)
	return err
}

// RequestCancel cancels a job with owner scoping. Jobs that have not
// started are deleted outright; a PROCESSING job gets its cancel flag
// set, observed by the worker at the next stage boundary. Terminal jobs
// return ErrConflict. The returned flag reports whether the row was
// deleted.
func (r *JobRepository) RequestCancel(ctx context.Context, owner string, id uuid.UUID) (deleted bool, err error) {
	job, err := r.GetOwned(ctx, owner, id)
	if err != nil {
		return false, err
	}
	if job.Terminal() {
		return false, ErrConflict
	}

	if job.State == JobStatePending || job.State == JobStateRetry {
		result, err := r.db.ExecContext(ctx, `
			DELETE FROM jobs WHERE id = $1 AND (state = $2 OR state = $3)
		`, id, JobStatePending, JobStateRetry)
		if err != nil {
			return false, err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		if rows > 0 {
			return true, nil
		}
		// A worker claimed it between the read and the delete; fall
		// through to flagging.
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = $1 WHERE id = $2
	`, time.Now(), id)
	return false, err
}

// CancelRequested reports the job's cancel flag. Workers poll it at
// stage boundaries.
func (r *JobRepository) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var flag bool
	err := r.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = $1`, id,
	).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return flag, err
}

// Depth counts outstanding (non-terminal) jobs, the backpressure signal.
func (r *JobRepository) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE state = $1 OR state = $2 OR state = $3
	`, JobStatePending, JobStateRetry, JobStateProcessing).Scan(&n)
	return n, err
}

// ListByOwner lists a user's jobs, newest first.
func (r *JobRepository) ListByOwner(ctx context.Context, owner string, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByState tallies jobs per state for metrics and analytics.
func (r *JobRepository) CountByState(ctx context.Context) (map[JobState]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[JobState]int64)
	for rows.Next() {
		var state JobState
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
