package service

import (
	"context"
	"fmt"

	"github.com/digkill/StoryForge/internal/config"
	"github.com/digkill/StoryForge/internal/models"
	"github.com/digkill/StoryForge/internal/repository"
)

type PackageService struct {
	cfg  config.Config
	repo *repository.PackageRepository
}

type CreatePackageInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Credits     int    `json:"credits"`
	PremiumDays int    `json:"premium_days"`
	IsActive    *bool  `json:"is_active"`
}

func NewPackageService(cfg config.Config, repo *repository.PackageRepository) *PackageService {
	return &PackageService{cfg: cfg, repo: repo}
}

// EnsureDefaultPackage seeds one active package when none exists.
func (s *PackageService) EnsureDefaultPackage(ctx context.Context) error {
	pkg, err := s.repo.GetDefault(ctx)
	if err != nil {
		return err
	}
	if pkg != nil {
		return nil
	}
	defaultPackage := &models.CreditPackage{
		Title:       s.cfg.DefaultPackageTitle,
		Description: "Credits for new stories and a month of premium regeneration",
		Credits:     s.cfg.DefaultPackageCredits,
		PremiumDays: s.cfg.DefaultPackagePremiumDays,
		IsActive:    true,
	}
	if _, err := s.repo.Create(ctx, defaultPackage); err != nil {
		return fmt.Errorf("create default package: %w", err)
	}
	return nil
}

func (s *PackageService) List(ctx context.Context) ([]models.CreditPackage, error) {
	return s.repo.List(ctx)
}

func (s *PackageService) Create(ctx context.Context, input CreatePackageInput) (*models.CreditPackage, error) {
	if input.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if input.Credits < 0 || input.Credits > MaxGrant {
		return nil, fmt.Errorf("%w: credits out of range", ErrInvalidInput)
	}
	if input.PremiumDays < 0 || input.PremiumDays > MaxPremiumDays {
		return nil, fmt.Errorf("%w: premium days out of range", ErrInvalidInput)
	}
	if input.Credits == 0 && input.PremiumDays == 0 {
		return nil, fmt.Errorf("%w: package grants nothing", ErrInvalidInput)
	}
	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}
	pkg := models.CreditPackage{
		Title:       input.Title,
		Description: input.Description,
		Credits:     input.Credits,
		PremiumDays: input.PremiumDays,
		IsActive:    isActive,
	}
	return s.repo.Create(ctx, &pkg)
}
