// Package store persists generation and track records in Redis, following
// the JSON-value keying scheme used for job records elsewhere in the stack.
// Task IDs never collide across tasks, so writes are scoped per task and
// resolved with upserts rather than locks.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaura/studio-api/internal/model"
)

// ErrNotFound is returned when no generation exists for a task ID.
var ErrNotFound = errors.New("generation not found")

// ErrConflict is returned when an optimistic update lost its race twice.
var ErrConflict = errors.New("storage write conflict")

const (
	genKeyFmt    = "generation:task:%s"
	tracksKeyFmt = "generation:task:%s:tracks"
	recentKey    = "generations:recent"
)

// GenerationStore is the Redis-backed persistence gateway.
type GenerationStore struct {
	redis *redis.Client
}

func NewGenerationStore(redisClient *redis.Client) *GenerationStore {
	return &GenerationStore{redis: redisClient}
}

// FindGenerationByTaskID returns the generation record for a task ID, or
// ErrNotFound.
func (s *GenerationStore) FindGenerationByTaskID(ctx context.Context, taskID string) (*model.Generation, error) {
	data, err := s.redis.Get(ctx, fmt.Sprintf(genKeyFmt, taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read generation: %w", err)
	}

	var gen model.Generation
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("failed to unmarshal generation: %w", err)
	}
	return &gen, nil
}

// CreateGeneration creates the record for a task ID. Concurrent duplicate
// creates resolve to "use the existing record": if another writer won the
// SetNX race, the stored record is returned instead.
func (s *GenerationStore) CreateGeneration(ctx context.Context, gen *model.Generation) (*model.Generation, error) {
	data, err := json.Marshal(gen)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation: %w", err)
	}

	key := fmt.Sprintf(genKeyFmt, gen.TaskID)
	created, err := s.redis.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create generation: %w", err)
	}
	if !created {
		return s.FindGenerationByTaskID(ctx, gen.TaskID)
	}

	if err := s.redis.ZAdd(ctx, recentKey, redis.Z{
		Score:  float64(gen.CreatedAt.Unix()),
		Member: gen.TaskID,
	}).Err(); err != nil {
		return nil, fmt.Errorf("failed to index generation: %w", err)
	}

	return gen, nil
}

// UpdateGenerationStatus sets the generation status for a task ID. The
// read-modify-write runs under WATCH and is retried once on conflict.
func (s *GenerationStore) UpdateGenerationStatus(ctx context.Context, taskID string, status model.GenerationStatus) error {
	key := fmt.Sprintf(genKeyFmt, taskID)

	update := func() error {
		return s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return err
			}

			var gen model.Generation
			if err := json.Unmarshal(data, &gen); err != nil {
				return fmt.Errorf("failed to unmarshal generation: %w", err)
			}

			gen.Status = status
			if status == model.GenerationStatusCompleted && gen.CompletedAt == nil {
				now := time.Now()
				gen.CompletedAt = &now
			}

			next, err := json.Marshal(&gen)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				return nil
			})
			return err
		}, key)
	}

	err := update()
	if errors.Is(err, redis.TxFailedErr) {
		// Lost the optimistic race once; retry before surfacing
		err = update()
		if errors.Is(err, redis.TxFailedErr) {
			return ErrConflict
		}
	}
	return err
}

// UpsertTracks writes track rows keyed by provider track ID. Re-writing an
// identical row is a no-op by construction, so saves are idempotent.
func (s *GenerationStore) UpsertTracks(ctx context.Context, taskID string, tracks []model.Track) error {
	if len(tracks) == 0 {
		return nil
	}

	key := fmt.Sprintf(tracksKeyFmt, taskID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range tracks {
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("failed to marshal track %s: %w", t.ProviderTrackID, err)
			}
			pipe.HSet(ctx, key, t.ProviderTrackID, data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert tracks: %w", err)
	}
	return nil
}

// GetTracks returns all stored tracks for a task ID, keyed by provider
// track ID. A missing hash is an empty result, not an error.
func (s *GenerationStore) GetTracks(ctx context.Context, taskID string) (map[string]model.Track, error) {
	key := fmt.Sprintf(tracksKeyFmt, taskID)
	raw, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read tracks: %w", err)
	}

	tracks := make(map[string]model.Track, len(raw))
	for id, data := range raw {
		var t model.Track
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal track %s: %w", id, err)
		}
		tracks[id] = t
	}
	return tracks, nil
}

// RecentTaskIDs returns up to limit task IDs, newest first, for repair
// batching.
func (s *GenerationStore) RecentTaskIDs(ctx context.Context, limit int) ([]string, error) {
	ids, err := s.redis.ZRevRange(ctx, recentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recent generations: %w", err)
	}
	return ids, nil
}
