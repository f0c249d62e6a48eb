package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/digkill/StoryForge/internal/models"
)

const (
	DefaultMoral    = "kindness"
	defaultChildAge = 5
	maxChildAge     = 17
	maxPromptLength = 2000
	maxFieldLength  = 200
)

// Morals maps every supported moral theme to the description handed to the
// story writer.
var Morals = map[string]string{
	"kindness":       "Being gentle and helpful to others, even when nobody is watching.",
	"empathy":        "Noticing how others feel and imagining the world from their side.",
	"bravery":        "Doing the right thing even when you feel scared.",
	"honesty":        "Telling the truth, even when it is hard.",
	"patience":       "Waiting calmly and trying again without giving up.",
	"sharing":        "Letting others enjoy what you have and taking turns.",
	"gratitude":      "Noticing the good things and saying thank you.",
	"perseverance":   "Keeping going when something is difficult.",
	"responsibility": "Keeping promises and taking care of your things and friends.",
	"friendship":     "Making friends, including others and being a good friend.",
}

type lengthSpec struct {
	pages   int
	minutes int
}

var storyLengths = map[models.StoryLength]lengthSpec{
	models.StoryLengthShort:  {pages: 4, minutes: 3},
	models.StoryLengthMedium: {pages: 6, minutes: 5},
	models.StoryLengthLong:   {pages: 8, minutes: 8},
}

// StoryRequest is the caller's story configuration before server-side
// derivation. Empty fields are filled in by ResolveStoryConfig.
type StoryRequest struct {
	Mode            models.StoryMode   `json:"mode"`
	Prompt          string             `json:"prompt"`
	Situation       string             `json:"situation"`
	Moral           string             `json:"moral"`
	ChildName       string             `json:"child_name"`
	ChildAge        int                `json:"child_age"`
	VocabularyLevel string             `json:"vocabulary_level"`
	Length          models.StoryLength `json:"length"`
	Vibe            models.Vibe        `json:"vibe"`
	ExtraCharacter  string             `json:"extra_character"`
	Location        string             `json:"location"`
	Voice           string             `json:"voice"`
	// ExpectedCost is the total the caller was shown. When set it must match
	// the server-side quote.
	ExpectedCost *int `json:"expected_cost,omitempty"`
}

// Validate rejects malformed requests before any state is touched.
func (r StoryRequest) Validate() error {
	switch r.Mode {
	case "", models.StoryModeCreative, models.StoryModeSurprise:
	case models.StoryModeSituation:
		if strings.TrimSpace(r.Situation) == "" {
			return fmt.Errorf("%w: situation mode requires a situation", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, r.Mode)
	}
	if r.Length != "" {
		if _, ok := storyLengths[r.Length]; !ok {
			return fmt.Errorf("%w: unknown length %q", ErrInvalidInput, r.Length)
		}
	}
	switch r.Vibe {
	case "", models.VibeEnergizing, models.VibeSoothing, models.VibeWhimsical, models.VibeThoughtful:
	default:
		return fmt.Errorf("%w: unknown vibe %q", ErrInvalidInput, r.Vibe)
	}
	if r.Moral != "" {
		if _, ok := Morals[r.Moral]; !ok {
			return fmt.Errorf("%w: unknown moral %q", ErrInvalidInput, r.Moral)
		}
	}
	if r.VocabularyLevel != "" && !validVocabularyLevel(r.VocabularyLevel) {
		return fmt.Errorf("%w: unknown vocabulary level %q", ErrInvalidInput, r.VocabularyLevel)
	}
	if r.ChildAge < 0 || r.ChildAge > maxChildAge {
		return fmt.Errorf("%w: child age out of range", ErrInvalidInput)
	}
	if len(r.Prompt) > maxPromptLength || len(r.Situation) > maxPromptLength {
		return fmt.Errorf("%w: prompt too long", ErrInvalidInput)
	}
	for _, f := range []string{r.ChildName, r.ExtraCharacter, r.Location, r.Voice} {
		if len(f) > maxFieldLength {
			return fmt.Errorf("%w: field too long", ErrInvalidInput)
		}
	}
	return nil
}

var vocabularyLevels = []struct {
	maxAge int
	level  string
}{
	{3, "toddler"},
	{5, "preschool"},
	{7, "early_reader"},
	{9, "developing_reader"},
	{maxChildAge, "independent_reader"},
}

// VocabularyLevel derives the reading level from the child's age.
func VocabularyLevel(age int) string {
	for _, v := range vocabularyLevels {
		if age <= v.maxAge {
			return v.level
		}
	}
	return vocabularyLevels[len(vocabularyLevels)-1].level
}

func validVocabularyLevel(level string) bool {
	for _, v := range vocabularyLevels {
		if v.level == level {
			return true
		}
	}
	return false
}

// WeakestMoral returns the supported moral with the lowest skill score, or ""
// when no score is known. Ties resolve alphabetically.
func WeakestMoral(scores map[string]int) string {
	names := make([]string, 0, len(scores))
	for name := range scores {
		if _, ok := Morals[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	best := ""
	for _, name := range names {
		if best == "" || scores[name] < scores[best] {
			best = name
		}
	}
	return best
}

// ResolveStoryConfig fills every missing parameter once, at queue time.
// profile may be nil; mascotImage is the storage id of the user's mascot, if any.
func ResolveStoryConfig(req StoryRequest, profile *models.UserProfile, mascotImage string) models.StoryConfig {
	cfg := models.StoryConfig{
		Mode:                 req.Mode,
		Prompt:               strings.TrimSpace(req.Prompt),
		Situation:            strings.TrimSpace(req.Situation),
		Moral:                req.Moral,
		ChildName:            strings.TrimSpace(req.ChildName),
		ChildAge:             req.ChildAge,
		VocabularyLevel:      req.VocabularyLevel,
		Length:               req.Length,
		Vibe:                 req.Vibe,
		ExtraCharacter:       strings.TrimSpace(req.ExtraCharacter),
		Location:             strings.TrimSpace(req.Location),
		Voice:                strings.TrimSpace(req.Voice),
		MascotReferenceImage: mascotImage,
	}
	if cfg.Mode == "" {
		cfg.Mode = models.StoryModeCreative
	}
	if profile != nil {
		if cfg.ChildName == "" {
			cfg.ChildName = profile.ChildName
		}
		if cfg.ChildAge == 0 {
			cfg.ChildAge = profile.ChildAge
		}
		if cfg.Moral == "" {
			cfg.Moral = WeakestMoral(profile.SkillScores)
		}
	}
	if cfg.ChildAge == 0 {
		cfg.ChildAge = defaultChildAge
	}
	if cfg.VocabularyLevel == "" {
		cfg.VocabularyLevel = VocabularyLevel(cfg.ChildAge)
	}
	if cfg.Moral == "" {
		cfg.Moral = DefaultMoral
	}
	cfg.MoralDescription = Morals[cfg.Moral]
	if cfg.Length == "" {
		cfg.Length = models.StoryLengthMedium
	}
	spec := storyLengths[cfg.Length]
	cfg.PageCount = spec.pages
	cfg.DurationMinutes = spec.minutes
	if cfg.Vibe == "" {
		cfg.Vibe = models.VibeWhimsical
	}
	return cfg
}
