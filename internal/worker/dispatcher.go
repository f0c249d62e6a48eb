package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/StoryForge/internal/events"
	"github.com/digkill/StoryForge/internal/kie"
	"github.com/digkill/StoryForge/internal/llm"
	"github.com/digkill/StoryForge/internal/metrics"
	"github.com/digkill/StoryForge/internal/models"
	"github.com/digkill/StoryForge/internal/repository"
	"github.com/digkill/StoryForge/internal/storage"
)

const (
	MascotClaimProgress     = 10
	MascotImageProgress     = 30
	MascotStoredProgress    = 70
	StoryClaimProgress      = 5
	StoryBookProgress       = 20
	StoryImagesProgress     = 25
	storyImagesProgressSpan = 70

	failWriteTimeout = 10 * time.Second
)

type JobStore interface {
	Claim(ctx context.Context, id string, progressFor repository.ClaimProgress, now time.Time) (*models.Job, bool, error)
	Advance(ctx context.Context, id string, attempt int, status models.JobStatus, progress int, now time.Time) error
	AttachBook(ctx context.Context, id string, attempt int, bookID string, progress int, now time.Time) error
	CompleteMascot(ctx context.Context, id string, attempt int, assetID string, now time.Time) error
	CompleteStory(ctx context.Context, id string, attempt int, bookID string, now time.Time) error
	Fail(ctx context.Context, id string, attempt int, message string, now time.Time) error
}

type BookStore interface {
	CreateWithPages(ctx context.Context, book *models.Book, pages []models.BookPage) error
	DiscardPending(ctx context.Context, jobID string) error
	SetPageImage(ctx context.Context, pageID, imageID string) error
	SetCover(ctx context.Context, bookID, imageID string, now time.Time) error
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req kie.ImageRequest) (string, error)
}

type TextGenerator interface {
	GenerateText(ctx context.Context, messages []llm.Message) (string, error)
}

type BlobStore interface {
	Upload(ctx context.Context, scope, userID string, data []byte, contentType string) (string, error)
	URL(ctx context.Context, key string) (string, error)
}

type ImageFetcher interface {
	Download(ctx context.Context, url string) ([]byte, string, error)
}

type ProgressPublisher interface {
	Publish(ctx context.Context, ev events.JobEvent)
}

// Dispatcher runs the generation pipeline of one claimed job at a time.
// Every write it makes is conditional on the job still being active, so a
// redelivered or canceled job is never moved forward twice.
type Dispatcher struct {
	jobs    JobStore
	books   BookStore
	images  ImageGenerator
	text    TextGenerator
	blobs   BlobStore
	fetcher ImageFetcher
	events  ProgressPublisher
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time
	newID   func() string
}

type Deps struct {
	Jobs    JobStore
	Books   BookStore
	Images  ImageGenerator
	Text    TextGenerator
	Blobs   BlobStore
	Fetcher ImageFetcher
	Events  ProgressPublisher
	Metrics *metrics.Collector
}

func NewDispatcher(deps Deps, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		jobs:    deps.Jobs,
		books:   deps.Books,
		images:  deps.Images,
		text:    deps.Text,
		blobs:   deps.Blobs,
		fetcher: deps.Fetcher,
		events:  deps.Events,
		metrics: deps.Metrics,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

func claimProgress(kind models.JobKind) int {
	if kind == models.JobKindMascot {
		return MascotClaimProgress
	}
	return StoryClaimProgress
}

// Run claims the job and executes its pipeline. It returns an error only when
// the claim itself could not be performed; pipeline failures are recorded on
// the job.
func (d *Dispatcher) Run(ctx context.Context, jobID string) error {
	job, claimed, err := d.jobs.Claim(ctx, jobID, claimProgress, d.now())
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		d.log.Info("job not claimable, skipping delivery", "job_id", jobID)
		return nil
	}
	d.publish(ctx, job)
	d.execute(ctx, job)
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, job *models.Job) {
	log := d.log.With("job_id", job.ID, "user_id", job.UserID, "kind", job.Kind)
	start := time.Now()

	err := d.runPipeline(ctx, job, log)
	switch {
	case err == nil:
		job.Status = models.JobStatusComplete
		job.Progress = 100
		d.publish(ctx, job)
		d.metrics.JobFinished(string(job.Kind), string(models.JobStatusComplete))
		d.metrics.ObserveStage(string(job.Kind), "total", start)
		log.Info("job complete", "duration", time.Since(start))
	case errors.Is(err, repository.ErrJobNotActive):
		log.Info("job left the active state, abandoning pipeline")
	default:
		log.Error("job failed", "err", err)
		d.fail(ctx, job, err.Error(), log)
	}
}

func (d *Dispatcher) runPipeline(ctx context.Context, job *models.Job, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	switch job.Kind {
	case models.JobKindMascot:
		return d.runMascot(ctx, job)
	case models.JobKindStory:
		return d.runStory(ctx, job, log)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (d *Dispatcher) fail(ctx context.Context, job *models.Job, message string, log *slog.Logger) {
	// the delivery context may already be canceled; the failure must still land
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()

	if err := d.jobs.Fail(writeCtx, job.ID, job.Attempt, message, d.now()); err != nil {
		if errors.Is(err, repository.ErrJobNotActive) {
			log.Info("job left the active state before failure was recorded")
			return
		}
		log.Error("record job failure", "err", err)
		return
	}
	job.Status = models.JobStatusFailed
	job.Error = message
	d.publish(writeCtx, job)
	d.metrics.JobFinished(string(job.Kind), string(models.JobStatusFailed))
}

func (d *Dispatcher) advance(ctx context.Context, job *models.Job, status models.JobStatus, progress int) error {
	if err := d.jobs.Advance(ctx, job.ID, job.Attempt, status, progress, d.now()); err != nil {
		return err
	}
	job.Status = status
	if progress > job.Progress {
		job.Progress = progress
	}
	d.publish(ctx, job)
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, job *models.Job) {
	if d.events == nil {
		return
	}
	d.events.Publish(ctx, events.FromJob(job))
}

// persistImage downloads a provider result and stores it under scope.
func (d *Dispatcher) persistImage(ctx context.Context, scope, userID, imageURL string) (string, error) {
	data, contentType, err := d.fetcher.Download(ctx, imageURL)
	if err != nil {
		return "", fmt.Errorf("download generated image: %w", err)
	}
	key, err := d.blobs.Upload(ctx, scope, userID, data, contentType)
	if err != nil {
		return "", fmt.Errorf("store generated image: %w", err)
	}
	return key, nil
}

func (d *Dispatcher) runMascot(ctx context.Context, job *models.Job) error {
	payload, ok := job.Mascot()
	if !ok {
		return errors.New("mascot job has no mascot payload")
	}

	req := kie.ImageRequest{
		Prompt:         MascotPrompt(payload),
		NegativePrompt: MascotNegativePrompt,
		AspectRatio:    "1:1",
	}
	if payload.Source == models.MascotFromImage {
		refURL, err := d.blobs.URL(ctx, payload.ReferenceImageID)
		if err != nil {
			return fmt.Errorf("resolve reference image: %w", err)
		}
		req.ReferenceURLs = []string{refURL}
	}

	stage := time.Now()
	imageURL, err := d.images.GenerateImage(ctx, req)
	if err != nil {
		return fmt.Errorf("generate mascot image: %w", err)
	}
	d.metrics.ObserveStage(string(job.Kind), "image", stage)
	if err := d.advance(ctx, job, models.JobStatusGenerating, MascotImageProgress); err != nil {
		return err
	}

	key, err := d.persistImage(ctx, storage.ScopeMascots, job.UserID, imageURL)
	if err != nil {
		return err
	}
	if err := d.advance(ctx, job, models.JobStatusGenerating, MascotStoredProgress); err != nil {
		return err
	}

	if err := d.jobs.CompleteMascot(ctx, job.ID, job.Attempt, key, d.now()); err != nil {
		return err
	}
	job.ResultAssetID = key
	return nil
}

func (d *Dispatcher) runStory(ctx context.Context, job *models.Job, log *slog.Logger) error {
	cfg, ok := job.Story()
	if !ok {
		return errors.New("story job has no story payload")
	}

	stage := time.Now()
	raw, err := d.text.GenerateText(ctx, StoryMessages(cfg))
	if err != nil {
		return fmt.Errorf("generate story text: %w", err)
	}
	story, err := ParseStory(raw, cfg.PageCount)
	if err != nil {
		return err
	}
	d.metrics.ObserveStage(string(job.Kind), "text", stage)

	// A retried job may still own the pending book of an earlier attempt.
	if job.Attempt > 1 {
		if err := d.books.DiscardPending(ctx, job.ID); err != nil {
			return fmt.Errorf("discard previous book: %w", err)
		}
	}
	book, pages := d.newBook(job, cfg, story)
	if err := d.books.CreateWithPages(ctx, book, pages); err != nil {
		return fmt.Errorf("save book: %w", err)
	}
	if err := d.jobs.AttachBook(ctx, job.ID, job.Attempt, book.ID, StoryBookProgress, d.now()); err != nil {
		return err
	}
	job.ResultBookID = book.ID
	job.Progress = StoryBookProgress
	d.publish(ctx, job)

	if err := d.advance(ctx, job, models.JobStatusGeneratingImages, StoryImagesProgress); err != nil {
		return err
	}

	mascotURL := ""
	if cfg.MascotReferenceImage != "" {
		if mascotURL, err = d.blobs.URL(ctx, cfg.MascotReferenceImage); err != nil {
			log.Warn("mascot reference unavailable, illustrating without it", "err", err)
			mascotURL = ""
		}
	}

	stage = time.Now()
	for i := range pages {
		key, err := d.pageImage(ctx, job, cfg, &pages[i], mascotURL)
		if err != nil {
			log.Warn("page image failed, skipping", "page_index", pages[i].PageIndex, "err", err)
			d.metrics.PageImageFailed()
		} else {
			pages[i].ImageID = key
		}
		progress := StoryImagesProgress + (i+1)*storyImagesProgressSpan/len(pages)
		if err := d.advance(ctx, job, models.JobStatusGeneratingImages, progress); err != nil {
			return err
		}
	}
	d.metrics.ObserveStage(string(job.Kind), "pages", stage)

	stage = time.Now()
	coverKey, err := d.coverImage(ctx, job, cfg, story, mascotURL)
	if err != nil {
		log.Warn("cover image failed", "err", err)
		coverKey = pages[0].ImageID
		if coverKey != "" {
			log.Warn("using first page image as cover")
			d.metrics.CoverFallback()
		}
	}
	if coverKey != "" {
		if err := d.books.SetCover(ctx, book.ID, coverKey, d.now()); err != nil {
			return fmt.Errorf("set cover: %w", err)
		}
	}
	d.metrics.ObserveStage(string(job.Kind), "cover", stage)

	return d.jobs.CompleteStory(ctx, job.ID, job.Attempt, book.ID, d.now())
}

func (d *Dispatcher) newBook(job *models.Job, cfg models.StoryConfig, story *Story) (*models.Book, []models.BookPage) {
	now := d.now()
	moralDescription := story.MoralDescription
	if moralDescription == "" {
		moralDescription = cfg.MoralDescription
	}
	book := &models.Book{
		ID:               d.newID(),
		UserID:           job.UserID,
		JobID:            job.ID,
		Title:            story.Title,
		Description:      story.Description,
		Moral:            cfg.Moral,
		MoralDescription: moralDescription,
		PageCount:        len(story.Pages),
		Status:           models.BookStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	pages := make([]models.BookPage, 0, len(story.Pages))
	for _, p := range story.Pages {
		pages = append(pages, models.BookPage{
			ID:                d.newID(),
			BookID:            book.ID,
			PageIndex:         p.PageIndex,
			Text:              p.Text,
			ImagePrompt:       p.ImagePrompt,
			HasMascot:         p.HasMascot,
			HasExtraCharacter: p.HasExtraCharacter,
		})
	}
	return book, pages
}

func (d *Dispatcher) pageImage(ctx context.Context, job *models.Job, cfg models.StoryConfig, page *models.BookPage, mascotURL string) (string, error) {
	req := kie.ImageRequest{
		Prompt:         PagePrompt(cfg, *page),
		NegativePrompt: IllustrationNegativePrompt,
		AspectRatio:    "4:3",
	}
	if page.HasMascot && mascotURL != "" {
		req.ReferenceURLs = []string{mascotURL}
	}
	imageURL, err := d.images.GenerateImage(ctx, req)
	if err != nil {
		return "", fmt.Errorf("generate page image: %w", err)
	}
	key, err := d.persistImage(ctx, storage.ScopePages, job.UserID, imageURL)
	if err != nil {
		return "", err
	}
	if err := d.books.SetPageImage(ctx, page.ID, key); err != nil {
		return "", err
	}
	return key, nil
}

func (d *Dispatcher) coverImage(ctx context.Context, job *models.Job, cfg models.StoryConfig, story *Story, mascotURL string) (string, error) {
	req := kie.ImageRequest{
		Prompt:         CoverPrompt(cfg, story),
		NegativePrompt: IllustrationNegativePrompt,
		AspectRatio:    "3:4",
	}
	if mascotURL != "" {
		req.ReferenceURLs = []string{mascotURL}
	}
	imageURL, err := d.images.GenerateImage(ctx, req)
	if err != nil {
		return "", fmt.Errorf("generate cover image: %w", err)
	}
	return d.persistImage(ctx, storage.ScopeCovers, job.UserID, imageURL)
}
