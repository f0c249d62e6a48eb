package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/StoryForge/internal/models"
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) DB() *sql.DB {
	return r.db
}

const jobColumns = `id, user_id, kind, status, progress, payload, result_asset_id, result_book_id, reserved_credits, error, created_at, started_at, finished_at, updated_at, attempt`

// runningStatuses are the states a worker writes from after a successful claim.
const runningStatuses = `('generating', 'generating_images')`

// claimGuard restricts a worker write to the attempt it was claimed under.
const claimGuard = `id = ? AND attempt = ? AND status IN ` + runningStatuses

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                 models.Job
		payload             []byte
		assetID, bookID     sql.NullString
		errMsg              sql.NullString
		startedAt, finished sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.UserID, &job.Kind, &job.Status, &job.Progress, &payload, &assetID, &bookID, &job.ReservedCredits, &errMsg, &job.CreatedAt, &startedAt, &finished, &job.UpdatedAt, &job.Attempt); err != nil {
		return nil, err
	}
	p, err := models.DecodePayload(job.Kind, payload)
	if err != nil {
		return nil, err
	}
	job.Payload = p
	job.ResultAssetID = assetID.String
	job.ResultBookID = bookID.String
	job.Error = errMsg.String
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finished)
	return &job, nil
}

func scanOptionalJob(row *sql.Row) (*models.Job, error) {
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job list: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) Insert(ctx context.Context, q DBTX, job *models.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	const query = `
INSERT INTO generation_jobs (id, user_id, kind, status, progress, payload, reserved_credits, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := q.ExecContext(ctx, query, job.ID, job.UserID, job.Kind, job.Status, job.Progress, payload, job.ReservedCredits, job.CreatedAt, job.UpdatedAt); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = ?`
	return scanOptionalJob(r.db.QueryRowContext(ctx, query, id))
}

func (r *JobRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id string) (*models.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = ? FOR UPDATE`
	return scanOptionalJob(tx.QueryRowContext(ctx, query, id))
}

// LockMascotJobs returns the user's complete and active mascot jobs, newest
// first, locking the (user_id, kind) index range so concurrent queue calls
// for the same user serialize.
func (r *JobRepository) LockMascotJobs(ctx context.Context, tx *sql.Tx, userID string) ([]*models.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM generation_jobs
WHERE user_id = ? AND kind = 'mascot' AND status IN ('complete', 'queued', 'generating')
ORDER BY created_at DESC FOR UPDATE`
	rows, err := tx.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("lock mascot jobs: %w", err)
	}
	return scanJobs(rows)
}

func (r *JobRepository) LatestCompleteMascot(ctx context.Context, userID string) (*models.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM generation_jobs
WHERE user_id = ? AND kind = 'mascot' AND status = 'complete'
ORDER BY finished_at DESC LIMIT 1`
	return scanOptionalJob(r.db.QueryRowContext(ctx, query, userID))
}

// LatestByUser returns the user's most recent job, optionally of one kind.
func (r *JobRepository) LatestByUser(ctx context.Context, userID string, kind models.JobKind) (*models.Job, error) {
	if kind == "" {
		const query = `SELECT ` + jobColumns + ` FROM generation_jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT 1`
		return scanOptionalJob(r.db.QueryRowContext(ctx, query, userID))
	}
	const query = `SELECT ` + jobColumns + ` FROM generation_jobs WHERE user_id = ? AND kind = ? ORDER BY created_at DESC LIMIT 1`
	return scanOptionalJob(r.db.QueryRowContext(ctx, query, userID, kind))
}

func (r *JobRepository) ListActiveByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM generation_jobs
WHERE user_id = ? AND status IN ('queued', 'generating', 'generating_images')
ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return scanJobs(rows)
}

// ClaimProgress returns the progress a freshly claimed job of kind starts at.
type ClaimProgress func(kind models.JobKind) int

// Claim atomically moves a queued job to generating. It reports false, with
// no side effects, when the job is missing or in any other status.
func (r *JobRepository) Claim(ctx context.Context, id string, progressFor ClaimProgress, now time.Time) (*models.Job, bool, error) {
	var claimed *models.Job
	err := WithTx(ctx, r.db, func(tx *sql.Tx) error {
		job, err := r.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if job == nil || job.Status != models.JobStatusQueued {
			return nil
		}
		progress := progressFor(job.Kind)
		const query = `
UPDATE generation_jobs
SET status = 'generating', progress = ?, attempt = attempt + 1, started_at = ?, updated_at = ?
WHERE id = ? AND status = 'queued'`
		if _, err := tx.ExecContext(ctx, query, progress, now, now, id); err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		job.Status = models.JobStatusGenerating
		job.Progress = progress
		job.StartedAt = &now
		job.UpdatedAt = now
		job.Attempt++
		claimed = job
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return claimed, claimed != nil, nil
}

func affectedOrInactive(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job rows affected: %w", err)
	}
	if n == 0 {
		return ErrJobNotActive
	}
	return nil
}

// Advance records forward progress of a running job. Progress never moves
// backwards, and nothing is written once the job has left the running states.
func (r *JobRepository) Advance(ctx context.Context, id string, attempt int, status models.JobStatus, progress int, now time.Time) error {
	const query = `
UPDATE generation_jobs
SET status = ?, progress = GREATEST(progress, ?), updated_at = ?
WHERE ` + claimGuard
	res, err := r.db.ExecContext(ctx, query, status, progress, now, id, attempt)
	if err != nil {
		return fmt.Errorf("advance job: %w", err)
	}
	return affectedOrInactive(res)
}

func (r *JobRepository) AttachBook(ctx context.Context, id string, attempt int, bookID string, progress int, now time.Time) error {
	const query = `
UPDATE generation_jobs
SET result_book_id = ?, progress = GREATEST(progress, ?), updated_at = ?
WHERE ` + claimGuard
	res, err := r.db.ExecContext(ctx, query, bookID, progress, now, id, attempt)
	if err != nil {
		return fmt.Errorf("attach book: %w", err)
	}
	return affectedOrInactive(res)
}

func (r *JobRepository) CompleteMascot(ctx context.Context, id string, attempt int, assetID string, now time.Time) error {
	const query = `
UPDATE generation_jobs
SET status = 'complete', progress = 100, result_asset_id = ?, error = NULL, finished_at = ?, updated_at = ?
WHERE ` + claimGuard
	res, err := r.db.ExecContext(ctx, query, assetID, now, now, id, attempt)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return affectedOrInactive(res)
}

// CompleteStory finishes the job and publishes its book in one transaction.
func (r *JobRepository) CompleteStory(ctx context.Context, id string, attempt int, bookID string, now time.Time) error {
	return WithTx(ctx, r.db, func(tx *sql.Tx) error {
		const query = `
UPDATE generation_jobs
SET status = 'complete', progress = 100, error = NULL, finished_at = ?, updated_at = ?
WHERE ` + claimGuard
		res, err := tx.ExecContext(ctx, query, now, now, id, attempt)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		if err := affectedOrInactive(res); err != nil {
			return err
		}
		const publish = `UPDATE books SET status = 'ready', updated_at = ? WHERE id = ?`
		if _, err := tx.ExecContext(ctx, publish, now, bookID); err != nil {
			return fmt.Errorf("publish book: %w", err)
		}
		return nil
	})
}

func (r *JobRepository) Fail(ctx context.Context, id string, attempt int, message string, now time.Time) error {
	const query = `
UPDATE generation_jobs
SET status = 'failed', error = ?, finished_at = ?, updated_at = ?
WHERE ` + claimGuard
	res, err := r.db.ExecContext(ctx, query, message, now, now, id, attempt)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return affectedOrInactive(res)
}

// FailStale fails a running job only if it has not been touched since before.
func (r *JobRepository) FailStale(ctx context.Context, id, message string, before, now time.Time) (bool, error) {
	const query = `
UPDATE generation_jobs
SET status = 'failed', error = ?, finished_at = ?, updated_at = ?
WHERE id = ? AND updated_at < ? AND status IN ` + runningStatuses
	res, err := r.db.ExecContext(ctx, query, message, now, now, id, before)
	if err != nil {
		return false, fmt.Errorf("fail stale job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stale rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *JobRepository) MarkCanceled(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	const query = `
UPDATE generation_jobs
SET status = 'canceled', finished_at = ?, updated_at = ?
WHERE id = ? AND status IN ('queued', 'generating')`
	res, err := tx.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return affectedOrInactive(res)
}

func (r *JobRepository) ResetForRetry(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	const query = `
UPDATE generation_jobs
SET status = 'queued', progress = 0, error = NULL, started_at = NULL, finished_at = NULL, updated_at = ?
WHERE id = ? AND status = 'failed'`
	res, err := tx.ExecContext(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// StaleJob is a lightweight row used by the sweeper.
type StaleJob struct {
	ID        string
	Kind      models.JobKind
	Status    models.JobStatus
	Progress  int
	UpdatedAt time.Time
}

func (r *JobRepository) ListStale(ctx context.Context, status models.JobStatus, before time.Time, limit int) ([]StaleJob, error) {
	const query = `
SELECT id, kind, status, progress, updated_at FROM generation_jobs
WHERE status = ? AND updated_at < ?
ORDER BY updated_at ASC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, status, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var out []StaleJob
	for rows.Next() {
		var s StaleJob
		if err := rows.Scan(&s.ID, &s.Kind, &s.Status, &s.Progress, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TouchQueued bumps updated_at of a still-queued job so a re-enqueued job is
// not picked up again by the next sweep.
func (r *JobRepository) TouchQueued(ctx context.Context, id string, now time.Time) error {
	const query = `UPDATE generation_jobs SET updated_at = ? WHERE id = ? AND status = 'queued'`
	if _, err := r.db.ExecContext(ctx, query, now, id); err != nil {
		return fmt.Errorf("touch queued job: %w", err)
	}
	return nil
}
