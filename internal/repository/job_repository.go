// internal/repository/job_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	cr "github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// jobColumns is the column list for SELECT/RETURNING on dispatch_jobs
const jobColumns = `id, campaign_id, user_id, status, scheduled_at, started_at, completed_at,
	total_recipients, sent_count, delivered_count, failed_count, progress, batches_completed,
	retry_count, max_retries, error_message, created_at, updated_at`

const pqUniqueViolation = "23505"

// JobRepository is the Postgres job registry. Several worker processes may
// share it; ClaimDue hands each pending job to exactly one of them.
type JobRepository struct {
	DB *sqlx.DB
}

func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{DB: db}
}

func (r *JobRepository) Create(ctx context.Context, job *model.Job) error {
	query := `
		INSERT INTO dispatch_jobs (` + jobColumns + `)
		VALUES (:id, :campaign_id, :user_id, :status, :scheduled_at, :started_at, :completed_at,
			:total_recipients, :sent_count, :delivered_count, :failed_count, :progress, :batches_completed,
			:retry_count, :max_retries, :error_message, :created_at, :updated_at)`

	if _, err := r.DB.NamedExecContext(ctx, query, job); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return cr.Mark(fmt.Errorf("job %s already exists: %w", job.ID, err), appErrors.ErrPrecondition)
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM dispatch_jobs WHERE id=$1`

	var job model.Job
	if err := r.DB.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewJobNotFound(id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List filters by user and status; empty values match everything.
func (r *JobRepository) List(ctx context.Context, userID string, status *model.JobStatus) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM dispatch_jobs WHERE 1=1`
	args := []any{}
	argPos := 1

	if userID != "" {
		query += fmt.Sprintf(" AND user_id=$%d", argPos)
		args = append(args, userID)
		argPos++
	}
	if status != nil {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, string(*status))
	}
	query += " ORDER BY created_at DESC"

	jobs := []*model.Job{}
	if err := r.DB.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Update locks the row, applies fn and writes the result back in one
// transaction. An error from fn rolls back and is returned unchanged.
func (r *JobRepository) Update(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin job update: %w", err)
	}
	defer tx.Rollback()

	var job model.Job
	query := `SELECT ` + jobColumns + ` FROM dispatch_jobs WHERE id=$1 FOR UPDATE`
	if err := tx.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewJobNotFound(id)
		}
		return nil, fmt.Errorf("lock job: %w", err)
	}

	if err := fn(&job); err != nil {
		return nil, err
	}

	update := `
		UPDATE dispatch_jobs SET
			status=:status, scheduled_at=:scheduled_at, started_at=:started_at, completed_at=:completed_at,
			sent_count=:sent_count, delivered_count=:delivered_count, failed_count=:failed_count,
			progress=:progress, batches_completed=:batches_completed, retry_count=:retry_count,
			error_message=:error_message, updated_at=:updated_at
		WHERE id=:id`
	if _, err := tx.NamedExecContext(ctx, update, &job); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit job update: %w", err)
	}
	return &job, nil
}

// ClaimDue moves the earliest due pending job to running and returns it.
// It returns (nil, nil) when nothing is due.
func (r *JobRepository) ClaimDue(ctx context.Context, now time.Time) (*model.Job, error) {
	query := `
		UPDATE dispatch_jobs
		SET status = 'running',
		    started_at = COALESCE(started_at, $1),
		    updated_at = $1
		WHERE id = (
			SELECT id FROM dispatch_jobs
			WHERE status = 'pending'
			  AND scheduled_at <= $1
			ORDER BY scheduled_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var job model.Job
	if err := r.DB.QueryRowxContext(ctx, query, now).StructScan(&job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim due job: %w", err)
	}
	return &job, nil
}
