// Package normalize maps the provider's heterogeneous record-info payloads
// into canonical track records. Track arrays may nest under several keys
// depending on the response variant; any combination of missing arrays is
// treated as empty, never as an error. Provider format drift stays inside
// this package.
package normalize

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/synaura/studio-api/internal/model"
)

// Normalizer converts raw provider payloads into canonical tracks and
// validates media URLs against a dead-host denylist.
type Normalizer struct {
	deadHosts []string
}

// New creates a Normalizer. deadHosts entries match the hostname itself and
// any of its subdomains.
func New(deadHosts []string) *Normalizer {
	hosts := make([]string, 0, len(deadHosts))
	for _, h := range deadHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return &Normalizer{deadHosts: hosts}
}

// Tracks extracts and normalizes all track entries from a raw record-info
// data payload, deduplicating by provider track ID. Entries for the same ID
// across different variant arrays are merged, later values filling gaps.
func (n *Normalizer) Tracks(raw json.RawMessage) []model.CanonicalTrack {
	var candidates []map[string]any
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err == nil {
		candidates = collectRawTracks(data)
	} else if err := json.Unmarshal(raw, &candidates); err != nil {
		// Callback payloads deliver the track array bare, without a
		// wrapping object. Anything else unreadable yields no tracks.
		return nil
	}
	if len(candidates) == 0 {
		return nil
	}

	merged := make(map[string]map[string]any)
	var order []string
	for idx, item := range candidates {
		key := firstString(item, "id", "audioId", "trackId")
		if key == "" {
			key = fmt.Sprintf("__idx_%d", idx)
		}
		if existing, ok := merged[key]; ok {
			for k, v := range item {
				existing[k] = v
			}
		} else {
			merged[key] = item
			order = append(order, key)
		}
	}

	tracks := make([]model.CanonicalTrack, 0, len(order))
	for _, key := range order {
		tr := n.Item(merged[key])
		if tr.ProviderTrackID == "" {
			// Keep the synthetic merge key so ID-less entries persist as
			// distinct rows instead of collapsing into one.
			tr.ProviderTrackID = key
		}
		tracks = append(tracks, tr)
	}
	return tracks
}

// Item normalizes a single raw track entry. The provider mixes camel-case
// and snake-case keys across its polling and callback payloads.
func (n *Normalizer) Item(item map[string]any) model.CanonicalTrack {
	return model.CanonicalTrack{
		ProviderTrackID: firstString(item, "id", "audioId", "trackId"),
		Title:           firstString(item, "title"),
		AudioURL:        n.PickValid(firstString(item, "audioUrl", "audio_url"), firstString(item, "sourceAudioUrl", "source_audio_url")),
		StreamURL:       n.PickValid(firstString(item, "streamAudioUrl", "stream_audio_url"), firstString(item, "sourceStreamAudioUrl", "source_stream_audio_url")),
		ImageURL:        n.PickValid(firstString(item, "imageUrl", "image_url"), firstString(item, "sourceImageUrl", "source_image_url")),
		DurationSec:     firstInt(item, "duration"),
		Lyrics:          firstString(item, "lyrics", "prompt"),
		Tags:            firstString(item, "tags"),
		Raw:             item,
	}
}

// PickValid returns the first candidate that is a syntactically valid
// absolute HTTP/HTTPS URL and not on the dead-host denylist. Candidates
// are ordered freshest first; an empty string means no candidate qualified.
// A previously stored value passed as a later candidate makes this the
// "never downgrade" rule: a dead or malformed fresh URL cannot replace a
// valid stored one.
func (n *Normalizer) PickValid(candidates ...string) string {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if !IsHTTPURL(c) {
			continue
		}
		if n.IsDeadHost(c) {
			continue
		}
		return c
	}
	return ""
}

// IsDeadHost reports whether the URL's host is on the denylist. Unparseable
// URLs count as dead.
func (n *Normalizer) IsDeadHost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, dead := range n.deadHosts {
		if host == dead || strings.HasSuffix(host, "."+dead) {
			return true
		}
	}
	return false
}

// IsHTTPURL reports whether s is an absolute http(s) URL.
func IsHTTPURL(s string) bool {
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Status maps the provider's free-form status strings (current and legacy)
// onto the internal pending/first/success/error vocabulary. Unknown
// statuses pass through lower-cased so callers keep polling.
func Status(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING", "TEXT_SUCCESS", "TEXT":
		return model.TaskStatusPending
	case "FIRST_SUCCESS", "FIRST":
		return model.TaskStatusFirst
	case "SUCCESS", "COMPLETE":
		return model.TaskStatusSuccess
	case "ERROR", "CREATE_TASK_FAILED", "GENERATE_AUDIO_FAILED", "CALLBACK_EXCEPTION", "SENSITIVE_WORD_ERROR":
		return model.TaskStatusError
	default:
		return strings.ToLower(strings.TrimSpace(raw))
	}
}

// collectRawTracks gathers track arrays from every known payload variant.
func collectRawTracks(data map[string]any) []map[string]any {
	var out []map[string]any

	appendArray := func(v any) {
		arr, ok := v.([]any)
		if !ok {
			return
		}
		for _, entry := range arr {
			if m, ok := entry.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}

	if resp, ok := data["response"].(map[string]any); ok {
		appendArray(resp["sunoData"])
		appendArray(resp["data"])
	}
	appendArray(data["sunoData"])
	appendArray(data["data"])
	appendArray(data["tracks"])

	return out
}

func firstString(item map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := item[k]; ok {
			if s, ok := v.(string); ok {
				s = strings.TrimSpace(s)
				if s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func firstInt(item map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := item[k].(type) {
		case float64:
			return int(v + 0.5)
		case string:
			// Some callback variants stringify numbers; ignore if unparseable
			var f float64
			if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
				return int(f + 0.5)
			}
		}
	}
	return 0
}
