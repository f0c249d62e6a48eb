package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/digkill/StoryForge/internal/models"
)

// ErrDuplicatePurchase is returned when a provider charge was already recorded.
var ErrDuplicatePurchase = errors.New("purchase already recorded")

const mysqlDuplicateEntry = 1062

type PurchaseRepository struct {
	db *sql.DB
}

func NewPurchaseRepository(db *sql.DB) *PurchaseRepository {
	return &PurchaseRepository{db: db}
}

func (r *PurchaseRepository) Create(ctx context.Context, q DBTX, p *models.Purchase) error {
	const query = `
INSERT INTO purchases (user_id, package_id, provider, provider_charge_id, credits, premium_days)
VALUES (?, ?, ?, ?, ?, ?)`
	res, err := q.ExecContext(ctx, query, p.UserID, p.PackageID, p.Provider, p.ProviderCharge, p.Credits, p.PremiumDays)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return ErrDuplicatePurchase
		}
		return fmt.Errorf("insert purchase: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	p.ID = id
	return nil
}

func (r *PurchaseRepository) FindByProviderCharge(ctx context.Context, provider, chargeID string) (*models.Purchase, error) {
	const query = `
SELECT id, user_id, package_id, provider, provider_charge_id, credits, premium_days, created_at
FROM purchases WHERE provider = ? AND provider_charge_id = ? LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, provider, chargeID)
	var p models.Purchase
	if err := row.Scan(&p.ID, &p.UserID, &p.PackageID, &p.Provider, &p.ProviderCharge, &p.Credits, &p.PremiumDays, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan purchase: %w", err)
	}
	return &p, nil
}
