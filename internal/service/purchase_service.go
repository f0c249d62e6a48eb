package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/digkill/StoryForge/internal/credits"
	"github.com/digkill/StoryForge/internal/metrics"
	"github.com/digkill/StoryForge/internal/models"
	"github.com/digkill/StoryForge/internal/repository"
)

// MaxGrant is the largest credit amount a package or grant may carry.
const MaxGrant = credits.MaxAmount

// PurchaseService applies the ledger effects of a completed purchase. The
// payment itself happens elsewhere; a purchase arrives here already paid.
type PurchaseService struct {
	db        *sql.DB
	purchases *repository.PurchaseRepository
	packages  *repository.PackageRepository
	ledger    *LedgerService
	metrics   *metrics.Collector
	log       *slog.Logger
}

func NewPurchaseService(purchases *repository.PurchaseRepository, packages *repository.PackageRepository, ledger *LedgerService, m *metrics.Collector, log *slog.Logger) *PurchaseService {
	return &PurchaseService{
		db:        ledger.db,
		purchases: purchases,
		packages:  packages,
		ledger:    ledger,
		metrics:   m,
		log:       log,
	}
}

type PurchaseInput struct {
	UserID           string `json:"user_id"`
	PackageID        int64  `json:"package_id"`
	Provider         string `json:"provider"`
	ProviderChargeID string `json:"provider_charge_id"`
}

// ApplyPurchase records the purchase and grants its credits and premium days
// in one transaction. It is idempotent on (provider, charge id): a replay
// returns the recorded purchase with replayed set and grants nothing.
func (s *PurchaseService) ApplyPurchase(ctx context.Context, in PurchaseInput) (purchase *models.Purchase, replayed bool, err error) {
	in.Provider = strings.TrimSpace(in.Provider)
	in.ProviderChargeID = strings.TrimSpace(in.ProviderChargeID)
	if in.UserID == "" || in.Provider == "" || in.ProviderChargeID == "" {
		return nil, false, fmt.Errorf("%w: user, provider and charge id are required", ErrInvalidInput)
	}

	now := s.ledger.now()
	var applied *models.Purchase
	err = repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		pkg, err := s.packages.GetByID(ctx, tx, in.PackageID)
		if err != nil {
			return err
		}
		if pkg == nil || !pkg.IsActive {
			return fmt.Errorf("package %d: %w", in.PackageID, ErrNotFound)
		}
		p := &models.Purchase{
			UserID:         in.UserID,
			PackageID:      pkg.ID,
			Provider:       in.Provider,
			ProviderCharge: in.ProviderChargeID,
			Credits:        pkg.Credits,
			PremiumDays:    pkg.PremiumDays,
			CreatedAt:      now,
		}
		if err := s.purchases.Create(ctx, tx, p); err != nil {
			return err
		}
		if pkg.Credits > 0 {
			if _, err := s.ledger.grantIn(ctx, tx, in.UserID, pkg.Credits, now); err != nil {
				return err
			}
		}
		if pkg.PremiumDays > 0 {
			if err := s.ledger.activatePremiumIn(ctx, tx, in.UserID, pkg.PremiumDays, now); err != nil {
				return err
			}
		}
		applied = p
		return nil
	})
	if errors.Is(err, repository.ErrDuplicatePurchase) {
		existing, findErr := s.purchases.FindByProviderCharge(ctx, in.Provider, in.ProviderChargeID)
		if findErr != nil {
			return nil, false, fmt.Errorf("find recorded purchase: %w", findErr)
		}
		if existing == nil {
			return nil, false, err
		}
		if existing.UserID != in.UserID {
			return nil, false, fmt.Errorf("%w: charge belongs to another user", ErrInvalidInput)
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.metrics.CreditsGranted("purchase", applied.Credits)
	s.log.Info("purchase applied", "user_id", in.UserID, "package_id", applied.PackageID, "credits", applied.Credits, "premium_days", applied.PremiumDays)
	return applied, false, nil
}
