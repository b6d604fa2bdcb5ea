package model

// GenerateParams is the immutable parameter snapshot for one generation
// request. A retry replays it unchanged against the provider.
type GenerateParams struct {
	CustomMode   bool     `json:"customMode"`
	Title        string   `json:"title,omitempty" validate:"max=120"`
	Style        string   `json:"style,omitempty" validate:"required_if=CustomMode true,max=1000"`
	Prompt       string   `json:"prompt,omitempty" validate:"max=5000"`
	Instrumental bool     `json:"instrumental"`
	Model        string   `json:"model,omitempty" validate:"omitempty,max=32"`
	NegativeTags string   `json:"negativeTags,omitempty" validate:"max=500"`
	VocalGender  string   `json:"vocalGender,omitempty" validate:"omitempty,oneof=m f"`
	StyleWeight  *float64 `json:"styleWeight,omitempty" validate:"omitempty,gte=0,lte=1"`
	Weirdness    *float64 `json:"weirdnessConstraint,omitempty" validate:"omitempty,gte=0,lte=1"`
	AudioWeight  *float64 `json:"audioWeight,omitempty" validate:"omitempty,gte=0,lte=1"`
	CallBackURL  string   `json:"callBackUrl,omitempty" validate:"omitempty,url"`
}

// EnqueueRequest adds one or more variations of a request to the queue.
type EnqueueRequest struct {
	ProjectID  string         `json:"projectId" validate:"required"`
	Variations int            `json:"variations" validate:"omitempty,gte=1,lte=8"`
	Params     GenerateParams `json:"params" validate:"required"`
}

// EnqueueResponse returns the created queue items.
type EnqueueResponse struct {
	Items []QueueItem `json:"items"`
}

// QueueConfigRequest updates the queue runner configuration.
type QueueConfigRequest struct {
	MaxConcurrency int  `json:"maxConcurrency" validate:"required,gte=1,lte=8"`
	AutoRun        bool `json:"autoRun"`
}

// RetryResponse returns the reset queue item.
type RetryResponse struct {
	Item QueueItem `json:"item"`
}

// TaskStatusResponse is the direct provider status passthrough.
type TaskStatusResponse struct {
	TaskID string           `json:"taskId"`
	Status string           `json:"status"`
	Tracks []CanonicalTrack `json:"tracks"`
}

// RepairRequest bounds one repair batch.
type RepairRequest struct {
	Limit int `json:"limit" validate:"omitempty,gte=1,lte=200"`
}

// LyricsRequest asks the provider for lyric variants.
type LyricsRequest struct {
	Prompt string `json:"prompt" validate:"required,max=200"`
}

// LyricsVariant is one generated lyric candidate.
type LyricsVariant struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// LyricsResponse returns the generated lyric variants.
type LyricsResponse struct {
	TaskID   string          `json:"taskId"`
	Variants []LyricsVariant `json:"variants"`
}

// GenerationResponse returns a stored generation with its tracks.
type GenerationResponse struct {
	Generation Generation `json:"generation"`
	Tracks     []Track    `json:"tracks"`
}
