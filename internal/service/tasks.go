package service

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Background task types handled by the asynq worker server.
const (
	TaskTypeRepair  = "repair:tracks"
	TaskTypeArchive = "archive:track"
)

// RepairTaskPayload bounds one repair batch.
type RepairTaskPayload struct {
	Limit int `json:"limit"`
}

// ArchiveTaskPayload identifies one track whose audio should be mirrored
// into local object storage.
type ArchiveTaskPayload struct {
	TaskID          string `json:"taskId"`
	ProviderTrackID string `json:"providerTrackId"`
	AudioURL        string `json:"audioUrl"`
}

// NewRepairTask builds the asynq task for a repair batch.
func NewRepairTask(limit int) (*asynq.Task, error) {
	data, err := json.Marshal(RepairTaskPayload{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal repair payload: %w", err)
	}
	return asynq.NewTask(TaskTypeRepair, data), nil
}

// NewArchiveTask builds the asynq task for mirroring one track's audio.
func NewArchiveTask(taskID, providerTrackID, audioURL string) (*asynq.Task, error) {
	data, err := json.Marshal(ArchiveTaskPayload{
		TaskID:          taskID,
		ProviderTrackID: providerTrackID,
		AudioURL:        audioURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal archive payload: %w", err)
	}
	return asynq.NewTask(TaskTypeArchive, data), nil
}
