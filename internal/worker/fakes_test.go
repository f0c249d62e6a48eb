package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/digkill/StoryForge/internal/events"
	"github.com/digkill/StoryForge/internal/kie"
	"github.com/digkill/StoryForge/internal/llm"
	"github.com/digkill/StoryForge/internal/models"
	"github.com/digkill/StoryForge/internal/repository"
)

var testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memJobs mimics the conditional writes of the job repository.
type memJobs struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	progress map[string][]int
	claimErr error
	// onWrite runs before every worker write, under no lock.
	onWrite func(id string)
}

func newMemJobs(jobs ...*models.Job) *memJobs {
	m := &memJobs{jobs: map[string]*models.Job{}, progress: map[string][]int{}}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *memJobs) get(id string) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memJobs) history(id string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.progress[id]...)
}

func (m *memJobs) cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = models.JobStatusCanceled
}

// timeOutAndRetry fails the job as the sweeper would and puts it back in the
// queue as a user retry would.
func (m *memJobs) timeOutAndRetry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.Status = models.JobStatusQueued
	job.Progress = 0
	job.Error = ""
	job.StartedAt = nil
}

func (m *memJobs) Claim(_ context.Context, id string, progressFor repository.ClaimProgress, now time.Time) (*models.Job, bool, error) {
	if m.claimErr != nil {
		return nil, false, m.claimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.JobStatusQueued {
		return nil, false, nil
	}
	job.Status = models.JobStatusGenerating
	job.Progress = progressFor(job.Kind)
	job.StartedAt = &now
	job.Attempt++
	m.progress[id] = append(m.progress[id], job.Progress)
	cp := *job
	return &cp, true, nil
}

// running returns the job with the lock held, or ErrJobNotActive unlocked
// when the job left the running states or was claimed again since attempt.
func (m *memJobs) running(id string, attempt int) (*models.Job, error) {
	if m.onWrite != nil {
		m.onWrite(id)
	}
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok || job.Attempt != attempt || (job.Status != models.JobStatusGenerating && job.Status != models.JobStatusGeneratingImages) {
		m.mu.Unlock()
		return nil, repository.ErrJobNotActive
	}
	return job, nil
}

func (m *memJobs) setProgress(job *models.Job, progress int) {
	if progress > job.Progress {
		job.Progress = progress
	}
	m.progress[job.ID] = append(m.progress[job.ID], job.Progress)
}

func (m *memJobs) Advance(_ context.Context, id string, attempt int, status models.JobStatus, progress int, _ time.Time) error {
	job, err := m.running(id, attempt)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	job.Status = status
	m.setProgress(job, progress)
	return nil
}

func (m *memJobs) AttachBook(_ context.Context, id string, attempt int, bookID string, progress int, _ time.Time) error {
	job, err := m.running(id, attempt)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	job.ResultBookID = bookID
	m.setProgress(job, progress)
	return nil
}

func (m *memJobs) CompleteMascot(_ context.Context, id string, attempt int, assetID string, _ time.Time) error {
	job, err := m.running(id, attempt)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	job.Status = models.JobStatusComplete
	job.ResultAssetID = assetID
	m.setProgress(job, 100)
	return nil
}

func (m *memJobs) CompleteStory(_ context.Context, id string, attempt int, bookID string, _ time.Time) error {
	job, err := m.running(id, attempt)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	job.Status = models.JobStatusComplete
	job.ResultBookID = bookID
	m.setProgress(job, 100)
	return nil
}

func (m *memJobs) Fail(ctx context.Context, id string, attempt int, message string, _ time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := m.running(id, attempt)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	job.Status = models.JobStatusFailed
	job.Error = message
	return nil
}

type memBooks struct {
	mu        sync.Mutex
	book      *models.Book
	pages     []models.BookPage
	images    map[string]string
	cover     string
	created   int
	discarded []string
}

func (b *memBooks) CreateWithPages(_ context.Context, book *models.Book, pages []models.BookPage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.book != nil && b.book.JobID == book.JobID {
		return errors.New("duplicate book for job")
	}
	b.book = book
	b.pages = pages
	b.images = map[string]string{}
	b.created++
	return nil
}

func (b *memBooks) DiscardPending(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.book != nil && b.book.JobID == jobID && b.book.Status == models.BookStatusPending {
		b.discarded = append(b.discarded, b.book.ID)
		b.book = nil
		b.pages = nil
	}
	return nil
}

func (b *memBooks) SetPageImage(_ context.Context, pageID, imageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.images[pageID] = imageID
	return nil
}

func (b *memBooks) SetCover(_ context.Context, _ string, imageID string, _ time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cover = imageID
	return nil
}

// fakeImages returns a distinct URL per call and fails requests matched by failOn.
type fakeImages struct {
	mu       sync.Mutex
	requests []kie.ImageRequest
	failOn   func(req kie.ImageRequest) bool
}

func (f *fakeImages) GenerateImage(_ context.Context, req kie.ImageRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.failOn != nil && f.failOn(req) {
		return "", errors.New("kie: task failed")
	}
	return fmt.Sprintf("https://provider.test/img-%d.png", len(f.requests)), nil
}

type fakeText struct {
	reply string
	err   error
	calls int
}

func (f *fakeText) GenerateText(_ context.Context, messages []llm.Message) (string, error) {
	f.calls++
	if len(messages) == 0 {
		return "", errors.New("no messages")
	}
	return f.reply, f.err
}

type fakeBlobs struct {
	mu      sync.Mutex
	uploads []string
}

func (f *fakeBlobs) Upload(_ context.Context, scope, userID string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s/%s/%d.png", scope, userID, len(f.uploads))
	f.uploads = append(f.uploads, key)
	return key, nil
}

func (f *fakeBlobs) URL(_ context.Context, key string) (string, error) {
	return "https://cdn.test/" + key, nil
}

type fakeFetcher struct{}

func (fakeFetcher) Download(_ context.Context, url string) ([]byte, string, error) {
	if !strings.HasPrefix(url, "https://provider.test/") {
		return nil, "", errors.New("unexpected url")
	}
	return []byte("\x89PNG"), "image/png", nil
}

type recordedEvents struct {
	mu  sync.Mutex
	all []events.JobEvent
}

func (r *recordedEvents) Publish(_ context.Context, ev events.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, ev)
}

func (r *recordedEvents) last() events.JobEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.all[len(r.all)-1]
}

type fixture struct {
	jobs   *memJobs
	books  *memBooks
	images *fakeImages
	text   *fakeText
	blobs  *fakeBlobs
	events *recordedEvents
	d      *Dispatcher
}

func newFixture(jobs ...*models.Job) *fixture {
	f := &fixture{
		jobs:   newMemJobs(jobs...),
		books:  &memBooks{},
		images: &fakeImages{},
		text:   &fakeText{},
		blobs:  &fakeBlobs{},
		events: &recordedEvents{},
	}
	f.d = NewDispatcher(Deps{
		Jobs:    f.jobs,
		Books:   f.books,
		Images:  f.images,
		Text:    f.text,
		Blobs:   f.blobs,
		Fetcher: fakeFetcher{},
		Events:  f.events,
	}, discardLogger())
	f.d.now = func() time.Time { return testNow }
	n := 0
	f.d.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return f
}

func queuedStory(id string, cfg models.StoryConfig) *models.Job {
	return &models.Job{ID: id, UserID: "user-1", Kind: models.JobKindStory, Status: models.JobStatusQueued, Payload: cfg, ReservedCredits: 10, CreatedAt: testNow}
}

func queuedMascot(id string, p models.MascotPayload) *models.Job {
	return &models.Job{ID: id, UserID: "user-1", Kind: models.JobKindMascot, Status: models.JobStatusQueued, Payload: p, CreatedAt: testNow}
}

func storyReply(pages int) string {
	var b strings.Builder
	b.WriteString(`{"title":"Fox Finds a Friend","description":"A shy fox learns to say hello.","moralDescription":"Friends are made by being kind.","pages":[`)
	for i := 0; i < pages; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"pageIndex":%d,"text":"Page %d text.","imagePrompt":"scene %d","hasMascot":%t,"hasExtraCharacter":false}`, i, i, i, i%2 == 0)
	}
	b.WriteString("]}")
	return b.String()
}
