package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/digkill/StoryForge/internal/models"
	"github.com/digkill/StoryForge/internal/repository"
)

type ProfileService struct {
	profiles *repository.ProfileRepository
}

func NewProfileService(profiles *repository.ProfileRepository) *ProfileService {
	return &ProfileService{profiles: profiles}
}

type ProfileInput struct {
	ChildName   string         `json:"child_name"`
	ChildAge    int            `json:"child_age"`
	SkillScores map[string]int `json:"skill_scores"`
}

// Upsert stores the child profile used to derive story defaults.
func (s *ProfileService) Upsert(ctx context.Context, userID string, in ProfileInput) (*models.UserProfile, error) {
	name := strings.TrimSpace(in.ChildName)
	if len(name) > maxFieldLength {
		return nil, fmt.Errorf("%w: child name too long", ErrInvalidInput)
	}
	if in.ChildAge < 0 || in.ChildAge > maxChildAge {
		return nil, fmt.Errorf("%w: child age out of range", ErrInvalidInput)
	}
	for moral, score := range in.SkillScores {
		if _, ok := Morals[moral]; !ok {
			return nil, fmt.Errorf("%w: unknown skill %q", ErrInvalidInput, moral)
		}
		if score < 0 || score > 100 {
			return nil, fmt.Errorf("%w: skill score out of range", ErrInvalidInput)
		}
	}
	profile := &models.UserProfile{
		UserID:      userID,
		ChildName:   name,
		ChildAge:    in.ChildAge,
		SkillScores: in.SkillScores,
	}
	if profile.SkillScores == nil {
		profile.SkillScores = map[string]int{}
	}
	if err := s.profiles.Upsert(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

func (s *ProfileService) Get(ctx context.Context, userID string) (*models.UserProfile, error) {
	return s.profiles.Get(ctx, userID)
}
