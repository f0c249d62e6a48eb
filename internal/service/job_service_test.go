package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/StoryForge/internal/events"
	"github.com/digkill/StoryForge/internal/models"
)

func expectStoryLookups(mock sqlmock.Sqlmock, userID string) {
	mock.ExpectQuery(`FROM user_profiles WHERE user_id = \?`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "child_name", "child_age", "skill_scores", "updated_at"}).
			AddRow(userID, "Mia", 6, `{"bravery":40,"empathy":20}`, testNow))
	mock.ExpectQuery(`kind = 'mascot' AND status = 'complete'`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(jobColumns))
}

func TestQueueStoryJobDebitsAndQueues(t *testing.T) {
	f := newFixture(t)

	expectStoryLookups(f.mock, "user-1")
	f.mock.ExpectBegin()
	expectLockAccount(f.mock, "user-1", 150, testNow)
	expectSaveAccount(f.mock, "user-1", 140)
	f.mock.ExpectExec(`INSERT INTO generation_jobs`).
		WithArgs("job-new", "user-1", "story", "queued", 0, sqlmock.AnyArg(), 10, testNow, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	res, err := f.jobs.QueueStoryJob(context.Background(), "user-1", StoryRequest{
		Location:       "the moon",
		ExtraCharacter: "a robot",
		Voice:          "grandma",
	})
	require.NoError(t, err)
	assert.Equal(t, QueueResult{JobID: "job-new", Cost: 10}, res)
	assert.Equal(t, []string{"job-new"}, f.queue.ids)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestQueueStoryJobInsufficientCreditsCreatesNothing(t *testing.T) {
	f := newFixture(t)

	expectStoryLookups(f.mock, "user-1")
	f.mock.ExpectBegin()
	expectLockAccount(f.mock, "user-1", 3, testNow)
	f.mock.ExpectRollback()

	_, err := f.jobs.QueueStoryJob(context.Background(), "user-1", StoryRequest{})
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Empty(t, f.queue.ids)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestQueueStoryJobRejectsStalePrice(t *testing.T) {
	f := newFixture(t)
	shown := 5

	_, err := f.jobs.QueueStoryJob(context.Background(), "user-1", StoryRequest{Location: "forest", ExpectedCost: &shown})
	assert.ErrorIs(t, err, ErrPriceChanged)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestQueueStoryJobEnqueueFailureStillSucceeds(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("broker down")

	expectStoryLookups(f.mock, "user-1")
	f.mock.ExpectBegin()
	expectLockAccount(f.mock, "user-1", 150, testNow)
	expectSaveAccount(f.mock, "user-1", 145)
	f.mock.ExpectExec(`INSERT INTO generation_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	res, err := f.jobs.QueueStoryJob(context.Background(), "user-1", StoryRequest{})
	require.NoError(t, err)
	assert.Equal(t, "job-new", res.JobID)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestQueueMascotJobReturnsInFlightJob(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`kind = 'mascot' AND status IN \('complete', 'queued', 'generating'\)`).
		WithArgs("user-1").
		WillReturnRows(jobRow("job-old", "user-1", "mascot", "generating", 0))
	f.mock.ExpectCommit()

	res, err := f.jobs.QueueMascotJob(context.Background(), "user-1", MascotRequest{Description: "a brave fox"})
	require.NoError(t, err)
	assert.Equal(t, QueueResult{JobID: "job-old", Existing: true}, res)
	assert.Empty(t, f.queue.ids)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestQueueMascotJobCreatesFromReferenceImage(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`kind = 'mascot'`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(jobColumns))
	f.mock.ExpectExec(`INSERT INTO generation_jobs`).
		WithArgs("job-new", "user-1", "mascot", "queued", 0, []byte(`{"source":"image","reference_image_id":"uploads/user-1/ref.png"}`), 0, testNow, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	res, err := f.jobs.QueueMascotJob(context.Background(), "user-1", MascotRequest{ReferenceImageID: "uploads/user-1/ref.png"})
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.Equal(t, []string{"job-new"}, f.queue.ids)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestQueueMascotJobValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.jobs.QueueMascotJob(context.Background(), "user-1", MascotRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.jobs.QueueMascotJob(context.Background(), "user-1", MascotRequest{ReferenceImageID: "uploads/user-2/ref.png"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCancelQueuedStoryRefundsReservedCredits(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM generation_jobs WHERE id = \? FOR UPDATE`).
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", "user-1", "story", "queued", 12))
	f.mock.ExpectExec(`SET status = 'canceled'`).
		WithArgs(testNow, testNow, "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLockAccount(f.mock, "user-1", 138, testNow)
	expectSaveAccount(f.mock, "user-1", 150)
	f.mock.ExpectCommit()

	ok, err := f.jobs.CancelJob(context.Background(), "user-1", "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, events.JobEvent{JobID: "job-1", Status: models.JobStatusCanceled}, f.events.events[0])
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCancelTwiceDoesNotRefundAgain(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM generation_jobs WHERE id = \? FOR UPDATE`).
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", "user-1", "story", "canceled", 12))
	f.mock.ExpectCommit()

	ok, err := f.jobs.CancelJob(context.Background(), "user-1", "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCancelByOtherUserIsNoop(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM generation_jobs WHERE id = \? FOR UPDATE`).
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", "user-1", "story", "queued", 12))
	f.mock.ExpectCommit()

	ok, err := f.jobs.CancelJob(context.Background(), "intruder", "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRetryJob(t *testing.T) {
	t.Run("failed job is requeued", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(`FOR UPDATE`).WithArgs("job-1").
			WillReturnRows(jobRow("job-1", "user-1", "story", "failed", 10))
		f.mock.ExpectExec(`SET status = 'queued', progress = 0, error = NULL`).
			WithArgs(testNow, "job-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectCommit()

		require.NoError(t, f.jobs.RetryJob(context.Background(), "user-1", "job-1"))
		assert.Equal(t, []string{"job-1"}, f.queue.ids)
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("wrong state", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(`FOR UPDATE`).WithArgs("job-1").
			WillReturnRows(jobRow("job-1", "user-1", "story", "complete", 10))
		f.mock.ExpectRollback()

		assert.ErrorIs(t, f.jobs.RetryJob(context.Background(), "user-1", "job-1"), ErrWrongState)
		assert.Empty(t, f.queue.ids)
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("not owner", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(`FOR UPDATE`).WithArgs("job-1").
			WillReturnRows(jobRow("job-1", "user-1", "story", "failed", 10))
		f.mock.ExpectRollback()

		assert.ErrorIs(t, f.jobs.RetryJob(context.Background(), "intruder", "job-1"), ErrJobNotFound)
		require.NoError(t, f.mock.ExpectationsWereMet())
	})
}

func TestGetJobHidesOtherUsersJobs(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`FROM generation_jobs WHERE id = \?`).
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", "user-1", "story", "generating", 10))

	view, err := f.queries.GetJob(context.Background(), "intruder", "job-1")
	require.NoError(t, err)
	assert.Nil(t, view)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetJobResolvesMascotImage(t *testing.T) {
	f := newFixture(t)

	created := testNow.Add(-time.Minute)
	f.mock.ExpectQuery(`FROM generation_jobs WHERE id = \?`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow("job-1", "user-1", "mascot", "complete", 100, `{"source":"text","description":"a fox"}`, "mascots/user-1/a.png", nil, 0, nil, created, created, testNow, testNow, 1))

	view, err := f.queries.GetJob(context.Background(), "user-1", "job-1")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, "https://cdn.test/mascots/user-1/a.png", view.ImageURL)
	assert.Equal(t, 100, view.Progress)
	require.NoError(t, f.mock.ExpectationsWereMet())
}
