package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/StoryForge/internal/models"
)

type CreditRepository struct {
	db *sql.DB
}

func NewCreditRepository(db *sql.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

func (r *CreditRepository) DB() *sql.DB {
	return r.db
}

const creditColumns = `user_id, balance, last_regen_at, is_premium_tier, premium_expires_at, has_paid_entitlement, created_at, updated_at`

func (r *CreditRepository) Get(ctx context.Context, userID string) (*models.CreditAccount, error) {
	const query = `SELECT ` + creditColumns + ` FROM credit_accounts WHERE user_id = ?`
	acc, err := scanCreditAccount(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		return nil, fmt.Errorf("get credit account: %w", err)
	}
	return acc, nil
}

// EnsureAndLock creates the account with the given opening balance if it does
// not exist yet and returns it locked for the rest of tx. Concurrent spenders
// of the same user serialize on this row lock.
func (r *CreditRepository) EnsureAndLock(ctx context.Context, tx *sql.Tx, userID string, openingBalance int, now time.Time) (*models.CreditAccount, error) {
	const insert = `
INSERT IGNORE INTO credit_accounts (user_id, balance, last_regen_at)
VALUES (?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, userID, openingBalance, now); err != nil {
		return nil, fmt.Errorf("ensure credit account: %w", err)
	}

	const query = `SELECT ` + creditColumns + ` FROM credit_accounts WHERE user_id = ? FOR UPDATE`
	acc, err := scanCreditAccount(tx.QueryRowContext(ctx, query, userID))
	if err != nil {
		return nil, fmt.Errorf("lock credit account: %w", err)
	}
	if acc == nil {
		return nil, fmt.Errorf("lock credit account: %w", ErrNotFound)
	}
	return acc, nil
}

// Save persists the mutable ledger fields of a locked account.
func (r *CreditRepository) Save(ctx context.Context, q DBTX, acc *models.CreditAccount) error {
	const query = `
UPDATE credit_accounts
SET balance = ?, last_regen_at = ?, is_premium_tier = ?, premium_expires_at = ?, has_paid_entitlement = ?
WHERE user_id = ?`
	var expires sql.NullTime
	if acc.PremiumExpiresAt != nil {
		expires = sql.NullTime{Time: *acc.PremiumExpiresAt, Valid: true}
	}
	if _, err := q.ExecContext(ctx, query, acc.Balance, acc.LastRegenAt, acc.IsPremiumTier, expires, acc.HasPaidEntitlement, acc.UserID); err != nil {
		return fmt.Errorf("save credit account: %w", err)
	}
	return nil
}

func scanCreditAccount(row *sql.Row) (*models.CreditAccount, error) {
	var acc models.CreditAccount
	var expires sql.NullTime
	if err := row.Scan(&acc.UserID, &acc.Balance, &acc.LastRegenAt, &acc.IsPremiumTier, &expires, &acc.HasPaidEntitlement, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan credit account: %w", err)
	}
	acc.PremiumExpiresAt = timePtr(expires)
	return &acc, nil
}
