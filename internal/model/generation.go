package model

import (
	"encoding/json"
	"time"
)

// GenerationStatus is the durable generation record status
type GenerationStatus string

const (
	GenerationStatusPending   GenerationStatus = "pending"
	GenerationStatusCompleted GenerationStatus = "completed"
	GenerationStatusFailed    GenerationStatus = "failed"
)

// Generation is the durable record for one provider generation task.
// At most one exists per task ID; it is created lazily on first save
// since a task may predate any local record (callback-initiated tasks).
type Generation struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"taskId"`
	OwnerID     string           `json:"ownerId"`
	Status      GenerationStatus `json:"status"`
	Title       string           `json:"title,omitempty"`
	Style       string           `json:"style,omitempty"`
	Prompt      string           `json:"prompt,omitempty"`
	Model       string           `json:"model,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// GenerationMeta carries the submission metadata stored on lazy creation.
type GenerationMeta struct {
	Title  string `json:"title,omitempty"`
	Style  string `json:"style,omitempty"`
	Prompt string `json:"prompt,omitempty"`
	Model  string `json:"model,omitempty"`
}

// SaveStatus selects the acceptance rule for a persistence save.
type SaveStatus string

const (
	// SavePartial persists only tracks that already resolved an audio URL.
	SavePartial SaveStatus = "partial"
	// SaveCompleted accepts audio or stream URLs and marks the generation completed.
	SaveCompleted SaveStatus = "completed"
)

// TaskUpdate is the single message type flowing from polling loops to
// listeners. Consumers must silently discard updates for task IDs they
// no longer track.
type TaskUpdate struct {
	TaskID   string           `json:"taskId"`
	Status   string           `json:"status"`
	Tracks   []CanonicalTrack `json:"tracks,omitempty"`
	Progress int              `json:"progress"`
	Error    string           `json:"error,omitempty"`
	Raw      json.RawMessage  `json:"-"`
}

// Task statuses carried by TaskUpdate, normalized to lower case.
const (
	TaskStatusPending = "pending"
	TaskStatusFirst   = "first"
	TaskStatusSuccess = "success"
	TaskStatusError   = "error"
	TaskStatusTimeout = "timeout"
)

// RepairReport summarizes one repair batch. Per-item failures are
// collected here instead of aborting the batch.
type RepairReport struct {
	ScannedGenerations int      `json:"scannedGenerations"`
	UpdatedTracks      int      `json:"updatedTracks"`
	Errors             []string `json:"errors,omitempty"`
}
