package worker

import (
	"fmt"
	"strings"

	"github.com/digkill/StoryForge/internal/llm"
	"github.com/digkill/StoryForge/internal/models"
)

const mascotStyle = "Cute children's book mascot character, soft 3D cartoon style, big expressive eyes, " +
	"rounded friendly shapes, warm pastel palette, gentle studio lighting, full body, centered, " +
	"plain light background, no text."

const (
	MascotNegativePrompt       = "scary, realistic photo, gore, weapons, text, watermark, logo, multiple characters, cropped body"
	IllustrationNegativePrompt = "scary, violent, realistic photo, text, letters, watermark, logo, deformed hands, extra limbs"
)

var vibeStyles = map[models.Vibe]string{
	models.VibeEnergizing: "bright saturated colors, dynamic poses, sunny daylight",
	models.VibeSoothing:   "soft muted colors, calm composition, warm evening light",
	models.VibeWhimsical:  "playful magical details, swirling shapes, candy colors",
	models.VibeThoughtful: "gentle quiet atmosphere, cozy tones, thoughtful expressions",
}

var vibeTones = map[models.Vibe]string{
	models.VibeEnergizing: "upbeat and full of movement, great for the morning",
	models.VibeSoothing:   "calm and slow, ending peacefully so it works as a bedtime story",
	models.VibeWhimsical:  "playful, silly and full of surprises",
	models.VibeThoughtful: "gentle and reflective, inviting the child to think about feelings",
}

// MascotPrompt builds the image prompt for a mascot job. Image sourced
// mascots transform the attached reference instead of describing one.
func MascotPrompt(p models.MascotPayload) string {
	if p.Source == models.MascotFromImage {
		return "Transform the character in the reference image into a children's book mascot. " +
			"Keep its recognizable colors, shape and features. " + mascotStyle
	}
	return mascotStyle + " Character: " + strings.TrimSpace(p.Description)
}

const storySystemPrompt = `You write illustrated picture books for young children.
Reply with a single JSON object and nothing else, using exactly this shape:
{"title": string, "description": string, "moralDescription": string,
 "pages": [{"pageIndex": number, "text": string, "imagePrompt": string, "hasMascot": boolean, "hasExtraCharacter": boolean}]}
Every imagePrompt must show the same action, emotion and setting that its page text describes.`

// StoryMessages encodes the resolved story configuration as a chat request.
func StoryMessages(cfg models.StoryConfig) []llm.Message {
	var b strings.Builder

	switch cfg.Mode {
	case models.StoryModeSituation:
		fmt.Fprintf(&b, "Write a gentle, therapeutic story that helps the child with this situation: %s\n", cfg.Situation)
	case models.StoryModeSurprise:
		b.WriteString("Surprise the child with an original adventure of your own invention.\n")
	default:
		fmt.Fprintf(&b, "Write a story based on this idea: %s\n", cfg.Prompt)
	}

	fmt.Fprintf(&b, "Moral: %s. %s\n", cfg.Moral, cfg.MoralDescription)
	if cfg.ChildName != "" {
		fmt.Fprintf(&b, "The reader is %s, age %d.\n", cfg.ChildName, cfg.ChildAge)
	} else {
		fmt.Fprintf(&b, "The reader is %d years old.\n", cfg.ChildAge)
	}
	fmt.Fprintf(&b, "Vocabulary level: %s.\n", strings.ReplaceAll(cfg.VocabularyLevel, "_", " "))
	fmt.Fprintf(&b, "Write exactly %d pages, about %d minutes of reading aloud.\n", cfg.PageCount, cfg.DurationMinutes)
	if tone, ok := vibeTones[cfg.Vibe]; ok {
		fmt.Fprintf(&b, "Tone: %s.\n", tone)
	}
	b.WriteString("The hero is the child's mascot character. Set hasMascot on every page where the mascot appears.\n")
	if cfg.ExtraCharacter != "" {
		fmt.Fprintf(&b, "Include this extra character: %s. Set hasExtraCharacter on the pages where they appear.\n", cfg.ExtraCharacter)
	}
	if cfg.Location != "" {
		fmt.Fprintf(&b, "The story takes place in: %s.\n", cfg.Location)
	}
	if cfg.Voice != "" {
		fmt.Fprintf(&b, "The narration will be read aloud in the voice of: %s.\n", cfg.Voice)
	}

	return []llm.Message{
		{Role: "system", Content: storySystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// PagePrompt illustrates exactly the moment described by the page text.
func PagePrompt(cfg models.StoryConfig, page models.BookPage) string {
	var b strings.Builder
	b.WriteString("Children's picture book illustration. ")
	if page.ImagePrompt != "" {
		b.WriteString(page.ImagePrompt)
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "The scene must match this text: %q. ", page.Text)
	if page.HasMascot {
		b.WriteString("The mascot from the reference image is in the scene, same look as the reference. ")
	}
	if page.HasExtraCharacter && cfg.ExtraCharacter != "" {
		fmt.Fprintf(&b, "Also show %s. ", cfg.ExtraCharacter)
	}
	if cfg.Location != "" {
		fmt.Fprintf(&b, "Setting: %s. ", cfg.Location)
	}
	if style, ok := vibeStyles[cfg.Vibe]; ok {
		b.WriteString("Style: " + style + ".")
	}
	return strings.TrimSpace(b.String())
}

// CoverPrompt composes a book cover rather than another story scene.
func CoverPrompt(cfg models.StoryConfig, story *Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Picture book front cover for a story titled %q. ", story.Title)
	if story.Description != "" {
		fmt.Fprintf(&b, "The story: %s ", story.Description)
	}
	b.WriteString("Hero portrait composition, main character in the foreground looking at the viewer, ")
	b.WriteString("a hint of the story world behind, empty space at the top for the title. ")
	if cfg.Location != "" {
		fmt.Fprintf(&b, "World: %s. ", cfg.Location)
	}
	if style, ok := vibeStyles[cfg.Vibe]; ok {
		b.WriteString("Style: " + style + ".")
	}
	return strings.TrimSpace(b.String())
}
