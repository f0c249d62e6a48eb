package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobKind string

const (
	JobKindMascot JobKind = "mascot"
	JobKindStory  JobKind = "story"
)

type JobStatus string

const (
	JobStatusQueued           JobStatus = "queued"
	JobStatusGenerating       JobStatus = "generating"
	JobStatusGeneratingImages JobStatus = "generating_images"
	JobStatusComplete         JobStatus = "complete"
	JobStatusFailed           JobStatus = "failed"
	JobStatusCanceled         JobStatus = "canceled"
)

// Active reports whether a worker may still move the job forward.
func (s JobStatus) Active() bool {
	switch s {
	case JobStatusQueued, JobStatusGenerating, JobStatusGeneratingImages:
		return true
	default:
		return false
	}
}

func (s JobStatus) Terminal() bool {
	return !s.Active()
}

// Cancelable mirrors the cancel rule: only queued and generating jobs may be canceled.
func (s JobStatus) Cancelable() bool {
	return s == JobStatusQueued || s == JobStatusGenerating
}

type CreditAccount struct {
	UserID             string
	Balance            int
	LastRegenAt        time.Time
	IsPremiumTier      bool
	PremiumExpiresAt   *time.Time
	HasPaidEntitlement bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// JobPayload is the kind-specific input of a generation job.
type JobPayload interface {
	Kind() JobKind
}

type MascotSource string

const (
	MascotFromText  MascotSource = "text"
	MascotFromImage MascotSource = "image"
)

type MascotPayload struct {
	Source           MascotSource `json:"source"`
	Description      string       `json:"description,omitempty"`
	ReferenceImageID string       `json:"reference_image_id,omitempty"`
}

func (MascotPayload) Kind() JobKind { return JobKindMascot }

type StoryMode string

const (
	StoryModeCreative  StoryMode = "creative"
	StoryModeSituation StoryMode = "situation"
	StoryModeSurprise  StoryMode = "surprise"
)

type StoryLength string

const (
	StoryLengthShort  StoryLength = "short"
	StoryLengthMedium StoryLength = "medium"
	StoryLengthLong   StoryLength = "long"
)

type Vibe string

const (
	VibeEnergizing Vibe = "energizing"
	VibeSoothing   Vibe = "soothing"
	VibeWhimsical  Vibe = "whimsical"
	VibeThoughtful Vibe = "thoughtful"
)

// StoryConfig is the fully resolved, immutable configuration of a story job.
type StoryConfig struct {
	Mode                 StoryMode   `json:"mode"`
	Prompt               string      `json:"prompt,omitempty"`
	Situation            string      `json:"situation,omitempty"`
	Moral                string      `json:"moral"`
	MoralDescription     string      `json:"moral_description"`
	ChildName            string      `json:"child_name,omitempty"`
	ChildAge             int         `json:"child_age"`
	VocabularyLevel      string      `json:"vocabulary_level"`
	Length               StoryLength `json:"length"`
	PageCount            int         `json:"page_count"`
	DurationMinutes      int         `json:"duration_minutes"`
	Vibe                 Vibe        `json:"vibe"`
	ExtraCharacter       string      `json:"extra_character,omitempty"`
	Location             string      `json:"location,omitempty"`
	Voice                string      `json:"voice,omitempty"`
	MascotReferenceImage string      `json:"mascot_reference_image,omitempty"`
}

func (StoryConfig) Kind() JobKind { return JobKindStory }

// Job is the shared envelope of every generation job. Payload holds the
// kind-specific input; ResultAssetID is set for mascot jobs and ResultBookID
// for story jobs.
type Job struct {
	ID              string
	UserID          string
	Kind            JobKind
	Status          JobStatus
	Progress        int
	Payload         JobPayload
	ResultAssetID   string
	ResultBookID    string
	ReservedCredits int
	Error           string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	UpdatedAt       time.Time
	// Attempt is bumped by every claim. Worker writes carry the attempt they
	// were claimed under and match nothing once a newer claim exists.
	Attempt int
}

func (j *Job) Mascot() (MascotPayload, bool) {
	p, ok := j.Payload.(MascotPayload)
	return p, ok
}

func (j *Job) Story() (StoryConfig, bool) {
	p, ok := j.Payload.(StoryConfig)
	return p, ok
}

// DecodePayload restores the typed payload of a job from its stored JSON.
func DecodePayload(kind JobKind, raw []byte) (JobPayload, error) {
	switch kind {
	case JobKindMascot:
		var p MascotPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode mascot payload: %w", err)
		}
		return p, nil
	case JobKindStory:
		var p StoryConfig
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode story payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job kind: %s", kind)
	}
}

type BookStatus string

const (
	BookStatusPending BookStatus = "pending"
	BookStatusReady   BookStatus = "ready"
)

type Book struct {
	ID               string
	UserID           string
	JobID            string
	Title            string
	Description      string
	Moral            string
	MoralDescription string
	PageCount        int
	CoverImageID     string
	ReadingProgress  int
	Rating           *int
	Status           BookStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type BookPage struct {
	ID                string
	BookID            string
	PageIndex         int
	Text              string
	ImagePrompt       string
	ImageID           string
	HasMascot         bool
	HasExtraCharacter bool
}

type UserProfile struct {
	UserID      string         `json:"user_id"`
	ChildName   string         `json:"child_name"`
	ChildAge    int            `json:"child_age"`
	SkillScores map[string]int `json:"skill_scores"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type CreditPackage struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Credits     int       `json:"credits"`
	PremiumDays int       `json:"premium_days"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Purchase struct {
	ID             int64     `json:"id"`
	UserID         string    `json:"user_id"`
	PackageID      int64     `json:"package_id"`
	Provider       string    `json:"provider"`
	ProviderCharge string    `json:"provider_charge_id"`
	Credits        int       `json:"credits"`
	PremiumDays    int       `json:"premium_days"`
	CreatedAt      time.Time `json:"created_at"`
}
