package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/StoryForge/internal/events"
	"github.com/digkill/StoryForge/internal/metrics"
	"github.com/digkill/StoryForge/internal/models"
	"github.com/digkill/StoryForge/internal/repository"
)

// AssetOwner tells whether a stored asset belongs to a user.
type AssetOwner interface {
	OwnedBy(key, userID string) bool
}

// ProgressPublisher receives job snapshots after status changes.
type ProgressPublisher interface {
	Publish(ctx context.Context, ev events.JobEvent)
}

// JobService holds the queueing mutations of generation jobs and the cancel
// and retry transitions that may race with a running worker.
type JobService struct {
	db       *sql.DB
	jobs     *repository.JobRepository
	profiles *repository.ProfileRepository
	ledger   *LedgerService
	assets   AssetOwner
	queue    Enqueuer
	events   ProgressPublisher
	metrics  *metrics.Collector
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

func NewJobService(jobs *repository.JobRepository, profiles *repository.ProfileRepository, ledger *LedgerService, assets AssetOwner, queue Enqueuer, pub ProgressPublisher, m *metrics.Collector, log *slog.Logger) *JobService {
	return &JobService{
		db:       jobs.DB(),
		jobs:     jobs,
		profiles: profiles,
		ledger:   ledger,
		assets:   assets,
		queue:    queue,
		events:   pub,
		metrics:  m,
		log:      log,
		now:      ledger.now,
		newID:    uuid.NewString,
	}
}

type MascotRequest struct {
	Description      string `json:"description"`
	ReferenceImageID string `json:"reference_image_id"`
}

type QueueResult struct {
	JobID    string `json:"job_id"`
	Existing bool   `json:"existing"`
	Cost     int    `json:"cost,omitempty"`
}

// QueueMascotJob returns the user's complete or in-flight mascot job when one
// exists; otherwise it queues a new one.
func (s *JobService) QueueMascotJob(ctx context.Context, userID string, req MascotRequest) (QueueResult, error) {
	payload, err := s.mascotPayload(userID, req)
	if err != nil {
		return QueueResult{}, err
	}

	now := s.now()
	var result QueueResult
	err = repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := s.jobs.LockMascotJobs(ctx, tx, userID)
		if err != nil {
			return err
		}
		if job := pickExistingMascot(existing); job != nil {
			result = QueueResult{JobID: job.ID, Existing: true}
			return nil
		}
		job := &models.Job{
			ID:        s.newID(),
			UserID:    userID,
			Kind:      models.JobKindMascot,
			Status:    models.JobStatusQueued,
			Payload:   payload,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.jobs.Insert(ctx, tx, job); err != nil {
			return err
		}
		result = QueueResult{JobID: job.ID}
		return nil
	})
	if err != nil {
		return QueueResult{}, err
	}
	if result.Existing {
		return result, nil
	}

	s.metrics.JobQueued(string(models.JobKindMascot))
	s.log.Info("mascot job queued", "job_id", result.JobID, "user_id", userID)
	s.enqueue(ctx, result.JobID)
	return result, nil
}

func (s *JobService) mascotPayload(userID string, req MascotRequest) (models.MascotPayload, error) {
	description := strings.TrimSpace(req.Description)
	if len(description) > maxPromptLength {
		return models.MascotPayload{}, fmt.Errorf("%w: description too long", ErrInvalidInput)
	}
	if req.ReferenceImageID != "" {
		if !s.assets.OwnedBy(req.ReferenceImageID, userID) {
			return models.MascotPayload{}, fmt.Errorf("%w: unknown reference image", ErrInvalidInput)
		}
		return models.MascotPayload{Source: models.MascotFromImage, Description: description, ReferenceImageID: req.ReferenceImageID}, nil
	}
	if description == "" {
		return models.MascotPayload{}, fmt.Errorf("%w: description or reference image is required", ErrInvalidInput)
	}
	return models.MascotPayload{Source: models.MascotFromText, Description: description}, nil
}

// pickExistingMascot prefers a complete job over an in-flight one; jobs are
// ordered newest first.
func pickExistingMascot(jobs []*models.Job) *models.Job {
	for _, job := range jobs {
		if job.Status == models.JobStatusComplete {
			return job
		}
	}
	for _, job := range jobs {
		if job.Status == models.JobStatusQueued || job.Status == models.JobStatusGenerating {
			return job
		}
	}
	return nil
}

// QueueStoryJob prices the request, debits the ledger and inserts the job in
// one transaction. When the debit fails nothing is written.
func (s *JobService) QueueStoryJob(ctx context.Context, userID string, req StoryRequest) (QueueResult, error) {
	if err := req.Validate(); err != nil {
		return QueueResult{}, err
	}
	price := Quote(req)
	if req.ExpectedCost != nil && *req.ExpectedCost != price.Total {
		return QueueResult{}, ErrPriceChanged
	}

	profile, err := s.profiles.Get(ctx, userID)
	if err != nil {
		return QueueResult{}, fmt.Errorf("load profile: %w", err)
	}
	var mascotImage string
	mascot, err := s.jobs.LatestCompleteMascot(ctx, userID)
	if err != nil {
		return QueueResult{}, fmt.Errorf("load mascot: %w", err)
	}
	if mascot != nil {
		mascotImage = mascot.ResultAssetID
	}
	cfg := ResolveStoryConfig(req, profile, mascotImage)

	now := s.now()
	job := &models.Job{
		ID:              s.newID(),
		UserID:          userID,
		Kind:            models.JobKindStory,
		Status:          models.JobStatusQueued,
		Payload:         cfg,
		ReservedCredits: price.Total,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := s.ledger.spendIn(ctx, tx, userID, price.Total, now); err != nil {
			return err
		}
		return s.jobs.Insert(ctx, tx, job)
	})
	if err != nil {
		return QueueResult{}, err
	}

	s.metrics.CreditsSpent(price.Total)
	s.metrics.JobQueued(string(models.JobKindStory))
	s.log.Info("story job queued", "job_id", job.ID, "user_id", userID, "cost", price.Total, "moral", cfg.Moral, "pages", cfg.PageCount)
	s.enqueue(ctx, job.ID)
	return QueueResult{JobID: job.ID, Cost: price.Total}, nil
}

// CancelJob cancels a queued or generating job owned by userID and refunds
// its reserved credits in the same transaction. It reports false for any
// other status or owner.
func (s *JobService) CancelJob(ctx context.Context, userID, jobID string) (bool, error) {
	now := s.now()
	var canceled *models.Job
	err := repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		job, err := s.jobs.GetForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil || job.UserID != userID || !job.Status.Cancelable() {
			return nil
		}
		if err := s.jobs.MarkCanceled(ctx, tx, jobID, now); err != nil {
			return err
		}
		if job.ReservedCredits > 0 {
			if _, err := s.ledger.grantIn(ctx, tx, userID, job.ReservedCredits, now); err != nil {
				return fmt.Errorf("refund reserved credits: %w", err)
			}
		}
		job.Status = models.JobStatusCanceled
		job.FinishedAt = &now
		canceled = job
		return nil
	})
	if err != nil {
		return false, err
	}
	if canceled == nil {
		return false, nil
	}

	s.metrics.JobFinished(string(canceled.Kind), string(models.JobStatusCanceled))
	s.metrics.CreditsGranted("refund", canceled.ReservedCredits)
	s.events.Publish(ctx, events.FromJob(canceled))
	s.log.Info("job canceled", "job_id", jobID, "user_id", userID, "refunded", canceled.ReservedCredits)
	return true, nil
}

// RetryJob puts a failed job back in the queue. Reserved credits stay with
// the job; nothing is charged again.
func (s *JobService) RetryJob(ctx context.Context, userID, jobID string) error {
	now := s.now()
	err := repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		job, err := s.jobs.GetForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil || job.UserID != userID {
			return ErrJobNotFound
		}
		if job.Status != models.JobStatusFailed {
			return ErrWrongState
		}
		if err := s.jobs.ResetForRetry(ctx, tx, jobID, now); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrWrongState
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Publish(ctx, events.JobEvent{JobID: jobID, Status: models.JobStatusQueued})
	s.log.Info("job requeued", "job_id", jobID, "user_id", userID)
	s.enqueue(ctx, jobID)
	return nil
}

// enqueue hands the job to the dispatcher. A failed publish leaves the job
// queued for the sweeper to pick up, so it is not reported to the caller.
func (s *JobService) enqueue(ctx context.Context, jobID string) {
	if err := s.queue.Enqueue(ctx, jobID); err != nil {
		s.log.Warn("enqueue job failed; sweeper will retry", "job_id", jobID, "err", err)
	}
}
