package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/StoryForge/internal/models"
)

type PackageRepository struct {
	db *sql.DB
}

func NewPackageRepository(db *sql.DB) *PackageRepository {
	return &PackageRepository{db: db}
}

const packageColumns = `id, title, COALESCE(description, ''), credits, premium_days, is_active, created_at, updated_at`

func scanPackage(row rowScanner) (*models.CreditPackage, error) {
	var p models.CreditPackage
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Credits, &p.PremiumDays, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PackageRepository) List(ctx context.Context) ([]models.CreditPackage, error) {
	const query = `SELECT ` + packageColumns + ` FROM credit_packages ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var packages []models.CreditPackage
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		packages = append(packages, *p)
	}
	return packages, rows.Err()
}

func (r *PackageRepository) GetDefault(ctx context.Context) (*models.CreditPackage, error) {
	const query = `SELECT ` + packageColumns + ` FROM credit_packages WHERE is_active = 1 ORDER BY id ASC LIMIT 1`
	p, err := scanPackage(r.db.QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get default package: %w", err)
	}
	return p, nil
}

func (r *PackageRepository) GetByID(ctx context.Context, q DBTX, id int64) (*models.CreditPackage, error) {
	const query = `SELECT ` + packageColumns + ` FROM credit_packages WHERE id = ?`
	p, err := scanPackage(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get package: %w", err)
	}
	return p, nil
}

func (r *PackageRepository) Create(ctx context.Context, p *models.CreditPackage) (*models.CreditPackage, error) {
	const query = `
INSERT INTO credit_packages (title, description, credits, premium_days, is_active)
VALUES (?, NULLIF(?, ''), ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, p.Title, p.Description, p.Credits, p.PremiumDays, p.IsActive)
	if err != nil {
		return nil, fmt.Errorf("create package: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("package last insert id: %w", err)
	}
	return r.GetByID(ctx, r.db, id)
}
