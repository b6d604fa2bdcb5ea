package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/synaura/studio-api/internal/client"
	"github.com/synaura/studio-api/internal/model"
	"github.com/synaura/studio-api/internal/normalize"
	"github.com/synaura/studio-api/internal/store"
)

// GenerationStore is the durable persistence surface the service writes
// through. Implemented by store.GenerationStore.
type GenerationStore interface {
	FindGenerationByTaskID(ctx context.Context, taskID string) (*model.Generation, error)
	CreateGeneration(ctx context.Context, gen *model.Generation) (*model.Generation, error)
	UpdateGenerationStatus(ctx context.Context, taskID string, status model.GenerationStatus) error
	UpsertTracks(ctx context.Context, taskID string, tracks []model.Track) error
	GetTracks(ctx context.Context, taskID string) (map[string]model.Track, error)
	RecentTaskIDs(ctx context.Context, limit int) ([]string, error)
}

// RecordInfoFetcher re-fetches provider state during repair.
type RecordInfoFetcher interface {
	GetRecordInfo(ctx context.Context, taskID string) (*client.RecordInfo, error)
}

const (
	repairLimitMin     = 1
	repairLimitMax     = 200
	repairMaxErrors    = 30
	defaultDurationSec = 120
)

// GenerationService is the persistence gateway: idempotent lookup-or-create
// of generation records, partial/completed track saves that never downgrade
// a stored URL, and on-demand repair of decayed media links.
type GenerationService struct {
	store    GenerationStore
	provider RecordInfoFetcher
	norm     *normalize.Normalizer
	asynq    *asynq.Client // nil disables background archiving
}

func NewGenerationService(st GenerationStore, provider RecordInfoFetcher, norm *normalize.Normalizer, asynqClient *asynq.Client) *GenerationService {
	return &GenerationService{
		store:    st,
		provider: provider,
		norm:     norm,
		asynq:    asynqClient,
	}
}

// LookupOrCreate finds the generation for a task ID, creating it lazily if
// absent. Tasks may predate any local record (callback-initiated work), so
// creation here is the norm rather than the exception.
func (s *GenerationService) LookupOrCreate(ctx context.Context, taskID, ownerID string, meta model.GenerationMeta) (*model.Generation, error) {
	gen, err := s.store.FindGenerationByTaskID(ctx, taskID)
	if err == nil {
		return gen, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if ownerID == "" {
		ownerID = "system"
	}
	gen = &model.Generation{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		OwnerID:   ownerID,
		Status:    model.GenerationStatusPending,
		Title:     meta.Title,
		Style:     meta.Style,
		Prompt:    meta.Prompt,
		Model:     meta.Model,
		CreatedAt: time.Now(),
	}
	if gen.Model == "" {
		gen.Model = "V4_5"
	}

	created, err := s.store.CreateGeneration(ctx, gen)
	if err != nil {
		return nil, err
	}
	log.Printf("[Generations] Created record %s for task %s", created.ID, taskID)
	return created, nil
}

// Save persists tracks for a task. Partial saves accept only tracks that
// already resolved an audio URL (no phantom rows for audio that doesn't
// exist yet); completed saves accept audio or stream URLs and mark the
// generation completed. Saves are idempotent per task ID: polling and
// callback delivery may both report the same terminal state.
func (s *GenerationService) Save(ctx context.Context, taskID string, tracks []model.CanonicalTrack, status model.SaveStatus) error {
	if taskID == "" {
		return fmt.Errorf("taskId is required")
	}

	accepted := make([]model.CanonicalTrack, 0, len(tracks))
	for _, t := range tracks {
		switch status {
		case model.SaveCompleted:
			if t.AudioURL != "" || t.StreamURL != "" {
				accepted = append(accepted, t)
			}
		default:
			if t.AudioURL != "" {
				accepted = append(accepted, t)
			}
		}
	}

	gen, err := s.LookupOrCreate(ctx, taskID, "", model.GenerationMeta{})
	if err != nil {
		return err
	}

	if len(accepted) > 0 {
		existing, err := s.store.GetTracks(ctx, taskID)
		if err != nil {
			return err
		}

		changed := make([]model.Track, 0, len(accepted))
		for i, fresh := range accepted {
			row := s.mergeTrack(gen, fresh, i, existing)
			if prev, ok := existing[row.ProviderTrackID]; ok && sameTrack(prev, row) {
				continue
			}
			changed = append(changed, row)
		}

		if len(changed) > 0 {
			if err := s.store.UpsertTracks(ctx, taskID, changed); err != nil {
				return err
			}
			log.Printf("[Generations] Saved %d/%d tracks for task %s (%s)", len(changed), len(accepted), taskID, status)
		}

		if status == model.SaveCompleted {
			s.enqueueArchives(taskID, changed)
		}
	}

	// Completion status is set only on a completed save, so generation
	// status stays a reliable signal for dependents.
	if status == model.SaveCompleted && gen.Status != model.GenerationStatusCompleted {
		if err := s.store.UpdateGenerationStatus(ctx, taskID, model.GenerationStatusCompleted); err != nil {
			return err
		}
	}

	return nil
}

// MarkFailed records a terminal provider failure on the generation.
func (s *GenerationService) MarkFailed(ctx context.Context, taskID string) error {
	if _, err := s.LookupOrCreate(ctx, taskID, "", model.GenerationMeta{}); err != nil {
		return err
	}
	return s.store.UpdateGenerationStatus(ctx, taskID, model.GenerationStatusFailed)
}

// Get returns a stored generation with its tracks.
func (s *GenerationService) Get(ctx context.Context, taskID string) (*model.GenerationResponse, error) {
	gen, err := s.store.FindGenerationByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	byID, err := s.store.GetTracks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	tracks := make([]model.Track, 0, len(byID))
	for _, t := range byID {
		tracks = append(tracks, t)
	}
	return &model.GenerationResponse{Generation: *gen, Tracks: tracks}, nil
}

// SetArchiveURL records the mirrored audio URL for one stored track.
func (s *GenerationService) SetArchiveURL(ctx context.Context, taskID, providerTrackID, archiveURL string) error {
	existing, err := s.store.GetTracks(ctx, taskID)
	if err != nil {
		return err
	}
	row, ok := existing[providerTrackID]
	if !ok {
		return fmt.Errorf("track %s not found for task %s", providerTrackID, taskID)
	}
	if row.ArchiveURL == archiveURL {
		return nil
	}
	row.ArchiveURL = archiveURL
	now := time.Now()
	row.UpdatedAt = &now
	return s.store.UpsertTracks(ctx, taskID, []model.Track{row})
}

// Repair re-fetches provider state for recent generations whose stored
// media URLs are missing or dead-hosted, preferring the newest valid
// candidate and never downgrading. Per-item failures are collected into
// the report; the batch itself still succeeds.
func (s *GenerationService) Repair(ctx context.Context, limit int) (*model.RepairReport, error) {
	if limit < repairLimitMin {
		limit = 50
	}
	if limit > repairLimitMax {
		limit = repairLimitMax
	}

	taskIDs, err := s.store.RecentTaskIDs(ctx, limit)
	if err != nil {
		return nil, err
	}

	report := &model.RepairReport{}
	for _, taskID := range taskIDs {
		existing, err := s.store.GetTracks(ctx, taskID)
		if err != nil {
			report.Errors = appendError(report.Errors, fmt.Sprintf("task %s: %v", taskID, err))
			continue
		}
		if len(existing) == 0 || !s.needsRepair(existing) {
			continue
		}
		report.ScannedGenerations++

		info, err := s.provider.GetRecordInfo(ctx, taskID)
		if err != nil {
			// Provider unreachable is retryable next run; the batch goes on
			report.Errors = appendError(report.Errors, fmt.Sprintf("task %s: %v", taskID, err))
			continue
		}

		fresh := make(map[string]model.CanonicalTrack)
		for _, t := range s.norm.Tracks(info.Raw) {
			if t.ProviderTrackID != "" {
				fresh[t.ProviderTrackID] = t
			}
		}

		var updates []model.Track
		for id, row := range existing {
			f, ok := fresh[id]
			if !ok {
				continue
			}

			nextAudio := s.norm.PickValid(f.AudioURL, row.ArchiveURL, row.AudioURL)
			nextStream := s.norm.PickValid(f.StreamURL, row.StreamURL)
			nextImage := s.norm.PickValid(f.ImageURL, row.ImageURL)
			if nextAudio == row.AudioURL && nextStream == row.StreamURL && nextImage == row.ImageURL {
				continue
			}

			row.AudioURL = nextAudio
			row.StreamURL = nextStream
			row.ImageURL = nextImage
			now := time.Now()
			row.UpdatedAt = &now
			updates = append(updates, row)
		}

		if len(updates) == 0 {
			continue
		}
		if err := s.store.UpsertTracks(ctx, taskID, updates); err != nil {
			report.Errors = appendError(report.Errors, fmt.Sprintf("task %s: %v", taskID, err))
			continue
		}
		report.UpdatedTracks += len(updates)
	}

	log.Printf("[Repair] Scanned %d generations, updated %d tracks, %d errors",
		report.ScannedGenerations, report.UpdatedTracks, len(report.Errors))
	return report, nil
}

// needsRepair reports whether any stored track has a missing or dead-hosted
// audio or stream URL.
func (s *GenerationService) needsRepair(tracks map[string]model.Track) bool {
	for _, t := range tracks {
		audioBad := !normalize.IsHTTPURL(t.AudioURL) || s.norm.IsDeadHost(t.AudioURL)
		streamBad := !normalize.IsHTTPURL(t.StreamURL) || s.norm.IsDeadHost(t.StreamURL)
		if audioBad || streamBad {
			return true
		}
	}
	return false
}

// mergeTrack builds the durable row for a fresh canonical track, folding in
// the previously stored row so valid URLs are never overwritten by worse
// candidates.
func (s *GenerationService) mergeTrack(gen *model.Generation, fresh model.CanonicalTrack, index int, existing map[string]model.Track) model.Track {
	prev, had := existing[fresh.ProviderTrackID]

	row := model.Track{
		ID:              uuid.New().String(),
		GenerationID:    gen.ID,
		ProviderTrackID: fresh.ProviderTrackID,
		Title:           fresh.Title,
		AudioURL:        s.norm.PickValid(fresh.AudioURL, prev.AudioURL),
		StreamURL:       s.norm.PickValid(fresh.StreamURL, prev.StreamURL),
		ImageURL:        s.norm.PickValid(fresh.ImageURL, prev.ImageURL),
		ArchiveURL:      prev.ArchiveURL,
		DurationSec:     fresh.DurationSec,
		Lyrics:          fresh.Lyrics,
		Tags:            splitTags(fresh.Tags),
		ModelName:       gen.Model,
		CreatedAt:       time.Now(),
	}
	if had {
		row.ID = prev.ID
		row.CreatedAt = prev.CreatedAt
		now := time.Now()
		row.UpdatedAt = &now
	}
	if row.Title == "" {
		title := gen.Title
		if title == "" {
			title = "Generated track"
		}
		row.Title = fmt.Sprintf("%s %d", title, index+1)
	}
	if row.DurationSec == 0 {
		if had && prev.DurationSec != 0 {
			row.DurationSec = prev.DurationSec
		} else {
			row.DurationSec = defaultDurationSec
		}
	}
	if row.Lyrics == "" {
		row.Lyrics = gen.Prompt
	}
	return row
}

// enqueueArchives schedules mirror uploads for rows that have a valid audio
// URL and no archive yet. Best effort: a failed enqueue only logs.
func (s *GenerationService) enqueueArchives(taskID string, rows []model.Track) {
	if s.asynq == nil {
		return
	}
	for _, row := range rows {
		if row.AudioURL == "" || row.ArchiveURL != "" {
			continue
		}
		task, err := NewArchiveTask(taskID, row.ProviderTrackID, row.AudioURL)
		if err != nil {
			log.Printf("[Generations] Failed to build archive task for %s: %v", row.ProviderTrackID, err)
			continue
		}
		if _, err := s.asynq.Enqueue(task,
			asynq.Queue("maintenance"),
			asynq.MaxRetry(3),
			asynq.Retention(24*time.Hour),
		); err != nil {
			log.Printf("[Generations] Failed to enqueue archive for %s: %v", row.ProviderTrackID, err)
		}
	}
}

func sameTrack(a, b model.Track) bool {
	return a.AudioURL == b.AudioURL &&
		a.StreamURL == b.StreamURL &&
		a.ImageURL == b.ImageURL &&
		a.Title == b.Title &&
		a.DurationSec == b.DurationSec &&
		a.Lyrics == b.Lyrics
}

func splitTags(tags string) []string {
	if tags == "" {
		return nil
	}
	parts := strings.Split(tags, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendError(errs []string, msg string) []string {
	if len(errs) >= repairMaxErrors {
		return errs
	}
	return append(errs, msg)
}
