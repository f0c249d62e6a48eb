package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/StoryForge/internal/credits"
	"github.com/digkill/StoryForge/internal/models"
	"github.com/digkill/StoryForge/internal/repository"
)

// URLResolver turns a storage id into a URL the client can fetch.
type URLResolver interface {
	URL(ctx context.Context, key string) (string, error)
}

// JobView is the client projection of a job: status, progress, error and a
// resolved result pointer.
type JobView struct {
	ID         string           `json:"id"`
	Kind       models.JobKind   `json:"kind"`
	Status     models.JobStatus `json:"status"`
	Progress   int              `json:"progress"`
	Error      string           `json:"error,omitempty"`
	ImageURL   string           `json:"image_url,omitempty"`
	BookID     string           `json:"book_id,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// QueryService serves the ownership-checked job and credit reads the client
// polls. Jobs owned by someone else read as absent.
type QueryService struct {
	jobs   *repository.JobRepository
	ledger *LedgerService
	urls   URLResolver
	log    *slog.Logger
}

func NewQueryService(jobs *repository.JobRepository, ledger *LedgerService, urls URLResolver, log *slog.Logger) *QueryService {
	return &QueryService{jobs: jobs, ledger: ledger, urls: urls, log: log}
}

func (s *QueryService) GetJob(ctx context.Context, userID, jobID string) (*JobView, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.UserID != userID {
		return nil, nil
	}
	return s.view(ctx, job)
}

// GetLatestJob returns the user's most recent job, optionally of one kind.
func (s *QueryService) GetLatestJob(ctx context.Context, userID string, kind models.JobKind) (*JobView, error) {
	switch kind {
	case "", models.JobKindMascot, models.JobKindStory:
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrInvalidInput, kind)
	}
	job, err := s.jobs.LatestByUser(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	return s.view(ctx, job)
}

func (s *QueryService) GetActiveJobs(ctx context.Context, userID string) ([]JobView, error) {
	jobs, err := s.jobs.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		v, err := s.view(ctx, job)
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

func (s *QueryService) GetCreditState(ctx context.Context, userID string) (credits.State, error) {
	return s.ledger.GetState(ctx, userID)
}

func (s *QueryService) view(ctx context.Context, job *models.Job) (*JobView, error) {
	v := &JobView{
		ID:         job.ID,
		Kind:       job.Kind,
		Status:     job.Status,
		Progress:   job.Progress,
		Error:      job.Error,
		BookID:     job.ResultBookID,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}
	if job.ResultAssetID != "" {
		url, err := s.urls.URL(ctx, job.ResultAssetID)
		if err != nil {
			return nil, fmt.Errorf("resolve job result: %w", err)
		}
		v.ImageURL = url
	}
	return v, nil
}
