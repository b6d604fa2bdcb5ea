package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/synaura/studio-api/internal/client"
	"github.com/synaura/studio-api/internal/service"
)

// ArchiveWorker mirrors provider audio into object storage before the
// provider's retention window expires.
type ArchiveWorker struct {
	storage           client.StorageClient
	generationService *service.GenerationService
}

// NewArchiveWorker creates a new archive worker
func NewArchiveWorker(storage client.StorageClient, generationService *service.GenerationService) *ArchiveWorker {
	return &ArchiveWorker{
		storage:           storage,
		generationService: generationService,
	}
}

// ProcessTask downloads one track's audio and re-uploads it under a stable
// key, then records the archive URL on the track.
func (w *ArchiveWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.ArchiveTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal archive payload: %w", err)
	}

	if w.storage == nil {
		log.Printf("[Worker] Storage not configured, skipping archive for track %s", payload.ProviderTrackID)
		return nil
	}

	key := fmt.Sprintf("archive/%s/%s.mp3", payload.TaskID, payload.ProviderTrackID)
	archiveURL, err := w.storage.MirrorURL(ctx, key, payload.AudioURL)
	if err != nil {
		return fmt.Errorf("failed to mirror track %s: %w", payload.ProviderTrackID, err)
	}

	if err := w.generationService.SetArchiveURL(ctx, payload.TaskID, payload.ProviderTrackID, archiveURL); err != nil {
		return fmt.Errorf("failed to record archive URL for track %s: %w", payload.ProviderTrackID, err)
	}

	log.Printf("[Worker] Archived track %s → %s", payload.ProviderTrackID, archiveURL)
	return nil
}
