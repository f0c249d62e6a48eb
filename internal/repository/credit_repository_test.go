package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/StoryForge/internal/models"
)

var creditColumnNames = []string{"user_id", "balance", "last_regen_at", "is_premium_tier", "premium_expires_at", "has_paid_entitlement", "created_at", "updated_at"}

func TestEnsureAndLockCreditAccount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCreditRepository(db)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT IGNORE INTO credit_accounts`)).
		WithArgs("user-1", 150, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM credit_accounts WHERE user_id = ? FOR UPDATE`)).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(creditColumnNames).AddRow("user-1", 42, now.Add(-time.Hour), true, nil, false, now, now))
	mock.ExpectCommit()

	var acc *models.CreditAccount
	err := WithTx(context.Background(), db, func(tx *sql.Tx) error {
		var err error
		acc, err = repo.EnsureAndLock(context.Background(), tx, "user-1", 150, now)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 42, acc.Balance)
	assert.True(t, acc.IsPremiumTier)
	assert.Nil(t, acc.PremiumExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingCreditAccount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCreditRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM credit_accounts WHERE user_id = ?`)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(creditColumnNames))

	acc, err := repo.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, acc)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := WithTx(context.Background(), db, func(tx *sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetRatingOnForeignBook(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookRepository(db)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE books SET rating = ?, updated_at = ? WHERE id = ? AND user_id = ?`)).
		WithArgs(5, now, "book-1", "intruder").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetRating(context.Background(), "book-1", "intruder", 5, now)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePurchaseDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPurchaseRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO purchases`)).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := repo.Create(context.Background(), db, &models.Purchase{UserID: "user-1", PackageID: 1, Provider: "store", ProviderCharge: "ch_1", Credits: 100})
	assert.ErrorIs(t, err, ErrDuplicatePurchase)
	require.NoError(t, mock.ExpectationsWereMet())
}
