package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/digkill/StoryForge/internal/models"
)

type ProfileRepository struct {
	db *sql.DB
}

func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) Get(ctx context.Context, userID string) (*models.UserProfile, error) {
	const query = `
SELECT user_id, COALESCE(child_name, ''), child_age, skill_scores, updated_at
FROM user_profiles WHERE user_id = ?`
	var p models.UserProfile
	var scores []byte
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&p.UserID, &p.ChildName, &p.ChildAge, &scores, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &p.SkillScores); err != nil {
			return nil, fmt.Errorf("decode skill scores: %w", err)
		}
	}
	return &p, nil
}

func (r *ProfileRepository) Upsert(ctx context.Context, p *models.UserProfile) error {
	scores, err := json.Marshal(p.SkillScores)
	if err != nil {
		return fmt.Errorf("encode skill scores: %w", err)
	}
	const query = `
INSERT INTO user_profiles (user_id, child_name, child_age, skill_scores)
VALUES (?, NULLIF(?, ''), ?, ?)
ON DUPLICATE KEY UPDATE child_name = VALUES(child_name), child_age = VALUES(child_age), skill_scores = VALUES(skill_scores)`
	if _, err := r.db.ExecContext(ctx, query, p.UserID, p.ChildName, p.ChildAge, scores); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}
