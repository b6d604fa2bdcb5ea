package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/synaura/studio-api/internal/service"
)

// RepairWorker processes track repair batches
type RepairWorker struct {
	generationService *service.GenerationService
}

// NewRepairWorker creates a new repair worker
func NewRepairWorker(generationService *service.GenerationService) *RepairWorker {
	return &RepairWorker{generationService: generationService}
}

// ProcessTask re-fetches recent generations from the provider and fills in
// missing or dead media URLs.
func (w *RepairWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.RepairTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal repair payload: %w", err)
	}

	log.Printf("[Worker] Starting repair batch (limit %d)", payload.Limit)

	report, err := w.generationService.Repair(ctx, payload.Limit)
	if err != nil {
		return fmt.Errorf("repair batch failed: %w", err)
	}

	log.Printf("[Worker] Repair batch done: scanned %d generations, updated %d tracks, %d errors",
		report.ScannedGenerations, report.UpdatedTracks, len(report.Errors))
	return nil
}
