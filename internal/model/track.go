package model

import "time"

// CanonicalTrack is the provider-agnostic view of one generated audio asset,
// produced by the normalizer from whichever payload shape the provider used.
type CanonicalTrack struct {
	ProviderTrackID string         `json:"id"`
	Title           string         `json:"title,omitempty"`
	AudioURL        string         `json:"audio,omitempty"`
	StreamURL       string         `json:"stream,omitempty"`
	ImageURL        string         `json:"image,omitempty"`
	DurationSec     int            `json:"duration,omitempty"`
	Lyrics          string         `json:"lyrics,omitempty"`
	Tags            string         `json:"tags,omitempty"`
	Raw             map[string]any `json:"-"`
}

// Track is the durable row for one generated audio asset, keyed by the
// provider track ID within its generation.
type Track struct {
	ID              string     `json:"id"`
	GenerationID    string     `json:"generationId"`
	ProviderTrackID string     `json:"providerTrackId"`
	Title           string     `json:"title"`
	AudioURL        string     `json:"audioUrl"`
	StreamURL       string     `json:"streamUrl,omitempty"`
	ImageURL        string     `json:"imageUrl,omitempty"`
	ArchiveURL      string     `json:"archiveUrl,omitempty"`
	DurationSec     int        `json:"duration"`
	Lyrics          string     `json:"lyrics,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	ModelName       string     `json:"modelName,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
}
