package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/digkill/StoryForge/internal/events"
	"github.com/digkill/StoryForge/internal/metrics"
	"github.com/digkill/StoryForge/internal/models"
	"github.com/digkill/StoryForge/internal/repository"
)

const (
	TimedOutMessage = "generation timed out"
	sweepBatchSize  = 100
)

type SweepStore interface {
	ListStale(ctx context.Context, status models.JobStatus, before time.Time, limit int) ([]repository.StaleJob, error)
	TouchQueued(ctx context.Context, id string, now time.Time) error
	FailStale(ctx context.Context, id, message string, before, now time.Time) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

type SweeperConfig struct {
	Schedule          string
	StaleQueuedAfter  time.Duration
	StaleRunningAfter time.Duration
}

// Sweeper recovers jobs the queue lost track of: queued jobs whose message
// never arrived are published again, and running jobs with no progress write
// for too long are failed.
type Sweeper struct {
	jobs    SweepStore
	queue   Enqueuer
	events  ProgressPublisher
	metrics *metrics.Collector
	log     *slog.Logger
	cfg     SweeperConfig
	cron    *cron.Cron
	now     func() time.Time
}

type SweepResult struct {
	Requeued int
	TimedOut int
}

func NewSweeper(jobs SweepStore, queue Enqueuer, pub ProgressPublisher, m *metrics.Collector, cfg SweeperConfig, log *slog.Logger) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	return &Sweeper{
		jobs:    jobs,
		queue:   queue,
		events:  pub,
		metrics: m,
		log:     log,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules Sweep on the configured cron spec. Runs never overlap.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", s.cfg.Schedule, err)
	}
	s.cron = c
	c.Start()
	s.log.Info("sweeper started", "schedule", s.cfg.Schedule)
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.now()

	if s.cfg.StaleQueuedAfter > 0 {
		stale, err := s.jobs.ListStale(ctx, models.JobStatusQueued, now.Add(-s.cfg.StaleQueuedAfter), sweepBatchSize)
		if err != nil {
			s.log.Error("list stale queued jobs", "err", err)
		}
		for _, job := range stale {
			if err := s.queue.Enqueue(ctx, job.ID); err != nil {
				s.log.Warn("re-enqueue stale job", "job_id", job.ID, "err", err)
				continue
			}
			if err := s.jobs.TouchQueued(ctx, job.ID, now); err != nil {
				s.log.Warn("touch re-enqueued job", "job_id", job.ID, "err", err)
			}
			s.log.Warn("re-enqueued stale queued job", "job_id", job.ID, "queued_since", job.UpdatedAt)
			res.Requeued++
		}
	}

	if s.cfg.StaleRunningAfter > 0 {
		before := now.Add(-s.cfg.StaleRunningAfter)
		for _, status := range []models.JobStatus{models.JobStatusGenerating, models.JobStatusGeneratingImages} {
			stale, err := s.jobs.ListStale(ctx, status, before, sweepBatchSize)
			if err != nil {
				s.log.Error("list stuck jobs", "status", status, "err", err)
				continue
			}
			for _, job := range stale {
				failed, err := s.jobs.FailStale(ctx, job.ID, TimedOutMessage, before, now)
				if err != nil {
					s.log.Warn("fail stuck job", "job_id", job.ID, "err", err)
					continue
				}
				if !failed {
					continue
				}
				s.log.Warn("failed stuck job", "job_id", job.ID, "status", status, "last_update", job.UpdatedAt)
				if s.events != nil {
					s.events.Publish(ctx, events.JobEvent{JobID: job.ID, Status: models.JobStatusFailed, Progress: job.Progress, Error: TimedOutMessage})
				}
				s.metrics.JobFinished(string(job.Kind), string(models.JobStatusFailed))
				res.TimedOut++
			}
		}
	}
	return res
}
