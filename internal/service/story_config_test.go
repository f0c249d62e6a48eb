package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/StoryForge/internal/models"
)

func TestQuote(t *testing.T) {
	assert.Equal(t, Price{Base: 5, Total: 5}, Quote(StoryRequest{}))
	assert.Equal(t, Price{Base: 5, Location: 2, ExtraCharacter: 2, Voice: 1, Total: 10}, Quote(StoryRequest{
		Location:       "castle",
		ExtraCharacter: "dragon",
		Voice:          "narrator",
	}))
	assert.Equal(t, 5, Quote(StoryRequest{Location: "   "}).Total)
}

func TestVocabularyLevel(t *testing.T) {
	cases := map[int]string{
		2:  "toddler",
		3:  "toddler",
		5:  "preschool",
		6:  "early_reader",
		9:  "developing_reader",
		12: "independent_reader",
	}
	for age, want := range cases {
		assert.Equal(t, want, VocabularyLevel(age), "age %d", age)
	}
}

func TestWeakestMoral(t *testing.T) {
	assert.Equal(t, "", WeakestMoral(nil))
	assert.Equal(t, "empathy", WeakestMoral(map[string]int{"bravery": 40, "empathy": 20, "kindness": 90}))
	assert.Equal(t, "bravery", WeakestMoral(map[string]int{"honesty": 10, "bravery": 10}))
	assert.Equal(t, "kindness", WeakestMoral(map[string]int{"juggling": 0, "kindness": 50}))
}

func TestResolveStoryConfigDerivesMissingFields(t *testing.T) {
	profile := &models.UserProfile{ChildName: "Mia", ChildAge: 8, SkillScores: map[string]int{"bravery": 40, "empathy": 20}}

	cfg := ResolveStoryConfig(StoryRequest{Length: models.StoryLengthLong}, profile, "mascots/u/m.png")

	assert.Equal(t, models.StoryModeCreative, cfg.Mode)
	assert.Equal(t, "Mia", cfg.ChildName)
	assert.Equal(t, 8, cfg.ChildAge)
	assert.Equal(t, "developing_reader", cfg.VocabularyLevel)
	assert.Equal(t, "empathy", cfg.Moral)
	assert.Equal(t, Morals["empathy"], cfg.MoralDescription)
	assert.Equal(t, 8, cfg.PageCount)
	assert.Equal(t, 8, cfg.DurationMinutes)
	assert.Equal(t, models.VibeWhimsical, cfg.Vibe)
	assert.Equal(t, "mascots/u/m.png", cfg.MascotReferenceImage)
}

func TestResolveStoryConfigKeepsExplicitChoices(t *testing.T) {
	profile := &models.UserProfile{ChildAge: 8, SkillScores: map[string]int{"empathy": 1}}

	cfg := ResolveStoryConfig(StoryRequest{
		Mode:            models.StoryModeSituation,
		Situation:       "  first day at school ",
		Moral:           "bravery",
		ChildAge:        4,
		VocabularyLevel: "toddler",
		Vibe:            models.VibeSoothing,
	}, profile, "")

	assert.Equal(t, "first day at school", cfg.Situation)
	assert.Equal(t, "bravery", cfg.Moral)
	assert.Equal(t, 4, cfg.ChildAge)
	assert.Equal(t, "toddler", cfg.VocabularyLevel)
	assert.Equal(t, 6, cfg.PageCount)
	assert.Equal(t, models.VibeSoothing, cfg.Vibe)
}

func TestResolveStoryConfigWithoutProfile(t *testing.T) {
	cfg := ResolveStoryConfig(StoryRequest{Mode: models.StoryModeSurprise, Length: models.StoryLengthShort}, nil, "")
	assert.Equal(t, DefaultMoral, cfg.Moral)
	assert.Equal(t, 5, cfg.ChildAge)
	assert.Equal(t, "preschool", cfg.VocabularyLevel)
	assert.Equal(t, 4, cfg.PageCount)
}

func TestStoryRequestValidate(t *testing.T) {
	require.NoError(t, StoryRequest{}.Validate())
	require.NoError(t, StoryRequest{Mode: models.StoryModeSituation, Situation: "moving house"}.Validate())

	bad := []StoryRequest{
		{Mode: "epic"},
		{Mode: models.StoryModeSituation},
		{Length: "novel"},
		{Vibe: "spooky"},
		{Moral: "greed"},
		{ChildAge: -1},
		{ChildAge: 30},
		{VocabularyLevel: "phd"},
	}
	for _, req := range bad {
		assert.ErrorIs(t, req.Validate(), ErrInvalidInput, "%+v", req)
	}
}
