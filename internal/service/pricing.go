package service

import "strings"

const (
	StoryBaseCost           = 5
	LocationSurcharge       = 2
	ExtraCharacterSurcharge = 2
	VoiceSurcharge          = 1
)

// Price is the server-side cost breakdown of a story request.
type Price struct {
	Base           int `json:"base"`
	Location       int `json:"location"`
	ExtraCharacter int `json:"extra_character"`
	Voice          int `json:"voice"`
	Total          int `json:"total"`
}

// Quote prices a story request. Client supplied costs are never consulted.
func Quote(req StoryRequest) Price {
	p := Price{Base: StoryBaseCost}
	if strings.TrimSpace(req.Location) != "" {
		p.Location = LocationSurcharge
	}
	if strings.TrimSpace(req.ExtraCharacter) != "" {
		p.ExtraCharacter = ExtraCharacterSurcharge
	}
	if strings.TrimSpace(req.Voice) != "" {
		p.Voice = VoiceSurcharge
	}
	p.Total = p.Base + p.Location + p.ExtraCharacter + p.Voice
	return p
}
