package service

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/digkill/StoryForge/internal/events"
	"github.com/digkill/StoryForge/internal/repository"
)

var (
	testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	creditColumns = []string{"user_id", "balance", "last_regen_at", "is_premium_tier", "premium_expires_at", "has_paid_entitlement", "created_at", "updated_at"}
	jobColumns    = []string{"id", "user_id", "kind", "status", "progress", "payload", "result_asset_id", "result_book_id", "reserved_credits", "error", "created_at", "started_at", "finished_at", "updated_at", "attempt"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Enqueue(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, jobID)
	return q.err
}

type fakeAssets struct{}

func (fakeAssets) OwnedBy(key, userID string) bool {
	return key == "uploads/"+userID+"/ref.png"
}

func (fakeAssets) URL(_ context.Context, key string) (string, error) {
	return "https://cdn.test/" + key, nil
}

type recordedEvents struct {
	mu     sync.Mutex
	events []events.JobEvent
}

func (r *recordedEvents) Publish(_ context.Context, ev events.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type fixture struct {
	mock    sqlmock.Sqlmock
	ledger  *LedgerService
	jobs    *JobService
	queries *QueryService
	queue   *fakeQueue
	events  *recordedEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock := newMockDB(t)
	log := discardLogger()

	ledger := NewLedgerService(repository.NewCreditRepository(db), nil, log)
	ledger.now = func() time.Time { return testNow }

	queue := &fakeQueue{}
	rec := &recordedEvents{}
	jobRepo := repository.NewJobRepository(db)
	jobs := NewJobService(jobRepo, repository.NewProfileRepository(db), ledger, fakeAssets{}, queue, rec, nil, log)
	jobs.newID = func() string { return "job-new" }

	return &fixture{
		mock:    mock,
		ledger:  ledger,
		jobs:    jobs,
		queries: NewQueryService(jobRepo, ledger, fakeAssets{}, log),
		queue:   queue,
		events:  rec,
	}
}

// expectLockAccount expects the lazy create and row lock of a credit account.
func expectLockAccount(mock sqlmock.Sqlmock, userID string, balance int, lastRegen time.Time) {
	mock.ExpectExec(`INSERT IGNORE INTO credit_accounts`).
		WithArgs(userID, 150, testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM credit_accounts WHERE user_id = \? FOR UPDATE`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(creditColumns).AddRow(userID, balance, lastRegen, false, nil, false, lastRegen, lastRegen))
}

func expectSaveAccount(mock sqlmock.Sqlmock, userID string, balance int) {
	mock.ExpectExec(`UPDATE credit_accounts`).
		WithArgs(balance, testNow, false, nil, false, userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func jobRow(id, userID, kind, status string, reserved int) *sqlmock.Rows {
	payload := `{"mode":"creative","moral":"kindness","page_count":6}`
	if kind == "mascot" {
		payload = `{"source":"text","description":"a fox"}`
	}
	created := testNow.Add(-time.Minute)
	return sqlmock.NewRows(jobColumns).
		AddRow(id, userID, kind, status, 0, payload, nil, nil, reserved, nil, created, nil, nil, created, 0)
}
