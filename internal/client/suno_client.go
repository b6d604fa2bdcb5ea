package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/synaura/studio-api/internal/config"
	"github.com/synaura/studio-api/internal/model"
)

// MusicGenerator defines the interface for provider generation operations
type MusicGenerator interface {
	Generate(ctx context.Context, params *model.GenerateParams) (string, error)
	GetRecordInfo(ctx context.Context, taskID string) (*RecordInfo, error)
}

// SunoClient implements MusicGenerator for the Suno API
type SunoClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// envelope is the provider's outer response shape. The provider reports
// application errors through code/msg even on HTTP 200.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// RecordInfo is one status fetch for a generation task. Status is the
// provider's free-form string; Raw carries the full data object for the
// normalizer, since track arrays may nest under several different keys.
type RecordInfo struct {
	TaskID string
	Status string
	Raw    json.RawMessage
}

// generatePayload mirrors the provider's generate request. Weight defaults
// follow the provider's documented custom-mode recommendations.
type generatePayload struct {
	CustomMode   bool     `json:"customMode"`
	Instrumental bool     `json:"instrumental"`
	Title        string   `json:"title,omitempty"`
	Style        string   `json:"style,omitempty"`
	Prompt       string   `json:"prompt,omitempty"`
	Model        string   `json:"model"`
	NegativeTags string   `json:"negativeTags,omitempty"`
	VocalGender  string   `json:"vocalGender,omitempty"`
	StyleWeight  *float64 `json:"styleWeight,omitempty"`
	Weirdness    *float64 `json:"weirdnessConstraint,omitempty"`
	AudioWeight  *float64 `json:"audioWeight,omitempty"`
	CallBackURL  string   `json:"callBackUrl,omitempty"`
}

// NewSunoClient creates a new Suno API client
func NewSunoClient(cfg *config.SunoConfig) *SunoClient {
	return &SunoClient{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
	}
}

// Generate submits a generation request and returns the provider task ID.
func (c *SunoClient) Generate(ctx context.Context, params *model.GenerateParams) (string, error) {
	payload := generatePayload{
		CustomMode:   params.CustomMode,
		Instrumental: params.Instrumental,
		Title:        params.Title,
		Style:        params.Style,
		Prompt:       params.Prompt,
		Model:        params.Model,
		NegativeTags: params.NegativeTags,
		VocalGender:  params.VocalGender,
		StyleWeight:  params.StyleWeight,
		Weirdness:    params.Weirdness,
		AudioWeight:  params.AudioWeight,
		CallBackURL:  params.CallBackURL,
	}
	if payload.Model == "" {
		payload.Model = "V4_5"
	}
	if params.CustomMode && params.Instrumental {
		// Provider rejects a prompt on instrumental custom-mode requests
		payload.Prompt = ""
	}

	data, err := c.post(ctx, "/api/v1/generate", payload)
	if err != nil {
		return "", err
	}

	var result struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("failed to unmarshal generate response: %w", err)
	}
	if result.TaskID == "" {
		return "", fmt.Errorf("provider returned no taskId")
	}
	return result.TaskID, nil
}

// GetRecordInfo retrieves the current state of a generation task.
func (c *SunoClient) GetRecordInfo(ctx context.Context, taskID string) (*RecordInfo, error) {
	endpoint := "/api/v1/generate/record-info?taskId=" + url.QueryEscape(taskID)
	data, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var head struct {
		TaskID string `json:"taskId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record info: %w", err)
	}

	info := &RecordInfo{
		TaskID: head.TaskID,
		Status: head.Status,
		Raw:    data,
	}
	if info.TaskID == "" {
		info.TaskID = taskID
	}
	return info, nil
}

// GenerateLyrics submits a lyrics request and returns the provider task ID.
func (c *SunoClient) GenerateLyrics(ctx context.Context, prompt, callBackURL string) (string, error) {
	payload := map[string]string{"prompt": prompt}
	if callBackURL != "" {
		payload["callBackUrl"] = callBackURL
	}

	data, err := c.post(ctx, "/api/v1/lyrics", payload)
	if err != nil {
		return "", err
	}

	var result struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("failed to unmarshal lyrics response: %w", err)
	}
	if result.TaskID == "" {
		return "", fmt.Errorf("provider returned no taskId")
	}
	return result.TaskID, nil
}

// GetLyricsRecordInfo retrieves the current state of a lyrics task.
func (c *SunoClient) GetLyricsRecordInfo(ctx context.Context, taskID string) (json.RawMessage, error) {
	endpoint := "/api/v1/lyrics/record-info?taskId=" + url.QueryEscape(taskID)
	return c.get(ctx, endpoint)
}

// post sends a POST request with JSON body and unwraps the provider envelope
func (c *SunoClient) post(ctx context.Context, endpoint string, body interface{}) (json.RawMessage, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req)
}

// get sends a GET request and unwraps the provider envelope
func (c *SunoClient) get(ctx context.Context, endpoint string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req)
}

// doRequest executes an HTTP request, parses the envelope and returns its data
func (c *SunoClient) doRequest(req *http.Request) (json.RawMessage, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Printf("[Suno API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Suno API] ✗ %s %s — request failed: %v", req.Method, req.URL.String(), err)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[Suno API] ✗ %s %s — failed to read response: %v", req.Method, req.URL.String(), err)
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[Suno API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("suno API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		log.Printf("[Suno API] ✗ unmarshal error for %s %s: %v", req.Method, req.URL.String(), err)
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if env.Code != 200 {
		msg := env.Msg
		if msg == "" {
			msg = "unknown provider error"
		}
		return nil, fmt.Errorf("suno API error (code %d): %s", env.Code, msg)
	}

	return env.Data, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *SunoClient) IsConfigured() bool {
	return c.apiKey != ""
}
