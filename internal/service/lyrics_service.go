package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/synaura/studio-api/internal/model"
)

// LyricsProvider is the provider surface the lyrics service needs.
type LyricsProvider interface {
	GenerateLyrics(ctx context.Context, prompt, callBackURL string) (string, error)
	GetLyricsRecordInfo(ctx context.Context, taskID string) (json.RawMessage, error)
	IsConfigured() bool
}

const (
	lyricsPollInterval = 5 * time.Second
	lyricsMaxPolls     = 12
	lyricsPromptMax    = 200
)

// LyricsService generates lyric variants through the provider. Lyrics tasks
// finish in seconds, so unlike music generation this is a short bounded
// poll inside the request rather than a background loop.
type LyricsService struct {
	provider LyricsProvider
}

func NewLyricsService(provider LyricsProvider) *LyricsService {
	return &LyricsService{provider: provider}
}

// Generate submits a lyrics request and waits briefly for its variants.
func (s *LyricsService) Generate(ctx context.Context, prompt string) (*model.LyricsResponse, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if len(prompt) > lyricsPromptMax {
		prompt = prompt[:lyricsPromptMax]
	}

	if s.provider == nil || !s.provider.IsConfigured() {
		return s.mockLyrics(prompt), nil
	}

	taskID, err := s.provider.GenerateLyrics(ctx, prompt, "")
	if err != nil {
		return nil, fmt.Errorf("lyrics generation failed: %w", err)
	}

	for i := 0; i < lyricsMaxPolls; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lyricsPollInterval):
		}

		raw, err := s.provider.GetLyricsRecordInfo(ctx, taskID)
		if err != nil {
			log.Printf("[Lyrics] Poll #%d (task=%s) error: %v", i+1, taskID, err)
			continue
		}

		variants := parseLyricsVariants(raw)
		if len(variants) > 0 {
			return &model.LyricsResponse{TaskID: taskID, Variants: variants}, nil
		}
	}

	return nil, fmt.Errorf("lyrics generation timed out for task %s", taskID)
}

// parseLyricsVariants scans the known payload variants for lyric entries.
// Any bucket may be missing; the first one with usable text wins.
func parseLyricsVariants(raw json.RawMessage) []model.LyricsVariant {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}

	var buckets []any
	if resp, ok := data["response"].(map[string]any); ok {
		buckets = append(buckets, resp["data"])
	}
	buckets = append(buckets, data["data"], data["lyrics"], data["items"])

	for _, bucket := range buckets {
		arr, ok := bucket.([]any)
		if !ok {
			continue
		}
		var variants []model.LyricsVariant
		for _, entry := range arr {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			text, _ := m["text"].(string)
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			title, _ := m["title"].(string)
			variants = append(variants, model.LyricsVariant{Title: title, Text: text})
		}
		if len(variants) > 0 {
			return variants
		}
	}
	return nil
}

// mockLyrics returns placeholder variants when no provider is configured,
// keeping local development working end to end.
func (s *LyricsService) mockLyrics(prompt string) *model.LyricsResponse {
	text := fmt.Sprintf("[Verse 1]\n%s\n\n[Chorus]\nLa la la, %s\n", prompt, prompt)
	return &model.LyricsResponse{
		TaskID: "mock-lyrics-task",
		Variants: []model.LyricsVariant{
			{Title: "Variant A", Text: text},
			{Title: "Variant B", Text: strings.ToUpper(text[:1]) + text[1:]},
		},
	}
}
