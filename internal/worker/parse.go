package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

var ErrMalformedStory = errors.New("story response is malformed")

type StoryPage struct {
	PageIndex         int    `json:"pageIndex"`
	Text              string `json:"text"`
	ImagePrompt       string `json:"imagePrompt"`
	HasMascot         bool   `json:"hasMascot"`
	HasExtraCharacter bool   `json:"hasExtraCharacter"`
}

type Story struct {
	Title            string      `json:"title"`
	Description      string      `json:"description"`
	MoralDescription string      `json:"moralDescription"`
	Pages            []StoryPage `json:"pages"`
}

var outerObject = regexp.MustCompile(`(?s)\{.*\}`)

// ParseStory decodes the writer's reply. When the reply is not clean JSON
// the outermost {...} block is tried before giving up. Pages are ordered,
// renumbered from zero and capped at maxPages.
func ParseStory(raw string, maxPages int) (*Story, error) {
	var story Story
	if err := json.Unmarshal([]byte(raw), &story); err != nil {
		block := outerObject.FindString(raw)
		if block == "" || !gjson.Valid(block) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStory, err)
		}
		story = Story{}
		if err := json.Unmarshal([]byte(block), &story); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStory, err)
		}
	}

	story.Title = strings.TrimSpace(story.Title)
	story.Description = strings.TrimSpace(story.Description)
	story.MoralDescription = strings.TrimSpace(story.MoralDescription)
	if story.Title == "" {
		return nil, fmt.Errorf("%w: missing title", ErrMalformedStory)
	}

	pages := story.Pages[:0]
	for _, p := range story.Pages {
		p.Text = strings.TrimSpace(p.Text)
		p.ImagePrompt = strings.TrimSpace(p.ImagePrompt)
		if p.Text == "" {
			continue
		}
		pages = append(pages, p)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: no pages", ErrMalformedStory)
	}
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].PageIndex < pages[j].PageIndex })
	if maxPages > 0 && len(pages) > maxPages {
		pages = pages[:maxPages]
	}
	for i := range pages {
		pages[i].PageIndex = i
	}
	story.Pages = pages
	return &story, nil
}
