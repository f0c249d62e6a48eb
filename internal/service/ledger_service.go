package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/StoryForge/internal/credits"
	"github.com/digkill/StoryForge/internal/metrics"
	"github.com/digkill/StoryForge/internal/models"
	"github.com/digkill/StoryForge/internal/repository"
)

// MaxPremiumDays bounds a single premium activation.
const MaxPremiumDays = 3650

// LedgerService owns every mutation of a user's credit account. Writes lock
// the account row for the duration of their transaction, so concurrent spends
// of the same user serialize and cannot both pass the balance check.
type LedgerService struct {
	db      *sql.DB
	credits *repository.CreditRepository
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time
}

func NewLedgerService(repo *repository.CreditRepository, m *metrics.Collector, log *slog.Logger) *LedgerService {
	return &LedgerService{
		db:      repo.DB(),
		credits: repo,
		metrics: m,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GetState is read-only: a missing account reports a full free-tier balance
// and nothing is created.
func (s *LedgerService) GetState(ctx context.Context, userID string) (credits.State, error) {
	acc, err := s.credits.Get(ctx, userID)
	if err != nil {
		return credits.State{}, err
	}
	return credits.StateOf(acc, s.now()), nil
}

func (s *LedgerService) Spend(ctx context.Context, userID string, amount int) (credits.State, error) {
	if !credits.ValidAmount(amount) {
		return credits.State{}, ErrInvalidAmount
	}
	now := s.now()
	var acc *models.CreditAccount
	err := repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		acc, err = s.spendIn(ctx, tx, userID, amount, now)
		return err
	})
	if err != nil {
		return credits.State{}, err
	}
	s.metrics.CreditsSpent(amount)
	return credits.StateOf(acc, now), nil
}

// Grant adds amount on top of the regenerated balance and returns the new
// balance. The result may exceed the cap.
func (s *LedgerService) Grant(ctx context.Context, userID string, amount int) (int, error) {
	if !credits.ValidAmount(amount) {
		return 0, ErrInvalidAmount
	}
	now := s.now()
	var balance int
	err := repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		balance, err = s.grantIn(ctx, tx, userID, amount, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.metrics.CreditsGranted("grant", amount)
	return balance, nil
}

func (s *LedgerService) ActivatePremium(ctx context.Context, userID string, durationDays int) error {
	if durationDays <= 0 || durationDays > MaxPremiumDays {
		return ErrInvalidDuration
	}
	now := s.now()
	return repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.activatePremiumIn(ctx, tx, userID, durationDays, now)
	})
}

// GrantEntitlement is idempotent. A new account opens at the free-tier cap.
func (s *LedgerService) GrantEntitlement(ctx context.Context, userID string) error {
	now := s.now()
	return repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		acc, err := s.credits.EnsureAndLock(ctx, tx, userID, credits.FreeCap, now)
		if err != nil {
			return err
		}
		if acc.HasPaidEntitlement {
			return nil
		}
		acc.HasPaidEntitlement = true
		return s.credits.Save(ctx, tx, acc)
	})
}

// spendIn debits amount inside tx. On insufficient balance nothing is written
// and the caller's transaction is expected to roll back.
func (s *LedgerService) spendIn(ctx context.Context, tx *sql.Tx, userID string, amount int, now time.Time) (*models.CreditAccount, error) {
	acc, err := s.credits.EnsureAndLock(ctx, tx, userID, credits.FreeCap, now)
	if err != nil {
		return nil, err
	}
	state := credits.StateOf(acc, now)
	if state.Balance < amount {
		return nil, ErrInsufficientCredits
	}
	// The regen anchor restarts at now; partial progress toward the next
	// credit is forfeited.
	acc.Balance = state.Balance - amount
	acc.LastRegenAt = now
	if err := s.credits.Save(ctx, tx, acc); err != nil {
		return nil, fmt.Errorf("debit credits: %w", err)
	}
	return acc, nil
}

func (s *LedgerService) grantIn(ctx context.Context, tx *sql.Tx, userID string, amount int, now time.Time) (int, error) {
	acc, err := s.credits.EnsureAndLock(ctx, tx, userID, credits.FreeCap, now)
	if err != nil {
		return 0, err
	}
	state := credits.StateOf(acc, now)
	acc.Balance = state.Balance + amount
	acc.LastRegenAt = now
	if err := s.credits.Save(ctx, tx, acc); err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return acc.Balance, nil
}

func (s *LedgerService) activatePremiumIn(ctx context.Context, tx *sql.Tx, userID string, durationDays int, now time.Time) error {
	acc, err := s.credits.EnsureAndLock(ctx, tx, userID, credits.FreeCap, now)
	if err != nil {
		return err
	}
	expires := now.Add(time.Duration(durationDays) * 24 * time.Hour)
	acc.IsPremiumTier = true
	acc.PremiumExpiresAt = &expires
	if err := s.credits.Save(ctx, tx, acc); err != nil {
		return fmt.Errorf("activate premium: %w", err)
	}
	return nil
}
