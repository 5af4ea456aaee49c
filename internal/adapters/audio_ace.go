// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/netutil"
)

// ACEAudio implements AudioService against an ACE-Step-shaped audio
// synthesis backend: a submit call returns a task id, and a separate
// poll call is re-issued by the AudioQueue's tick loop until the task
// resolves (spec §4.3/§6).
type ACEAudio struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewACEAudio constructs a client against baseURL, authenticated with
// apiKey if non-empty.
func NewACEAudio(baseURL, apiKey string) *ACEAudio {
	return &ACEAudio{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: netutil.NewClient(0)}
}

type aceSubmitRequest struct {
	Lyrics        string  `json:"lyrics"`
	CoverPrompt   string  `json:"tags"`
	BPM           int     `json:"bpm,omitempty"`
	KeyScale      string  `json:"key_scale,omitempty"`
	TimeSignature string  `json:"time_signature,omitempty"`
	DurationSec   float64 `json:"duration_sec,omitempty"`
}

type aceSubmitResponse struct {
	TaskID string `json:"task_id"`
}

type acePollResponse struct {
	Status    string `json:"status"` // "running" | "succeeded" | "failed" | "not_found"
	AudioPath string `json:"audio_path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Submit implements AudioService.
func (c *ACEAudio) Submit(ctx context.Context, params AudioSubmitParams) (string, error) {
	reqBody := aceSubmitRequest{
		Lyrics:        params.Lyrics,
		CoverPrompt:   params.CoverPrompt,
		BPM:           params.BPM,
		KeyScale:      params.KeyScale,
		TimeSignature: params.TimeSignature,
		DurationSec:   params.DurationSec,
	}
	body, err := c.post(ctx, "/v1/generate", reqBody)
	if err != nil {
		return "", err
	}

	var parsed aceSubmitResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.TaskID == "" {
		return "", &ProviderError{Sentinel: ErrUpstreamBadResponse, Provider: "ace", Operation: "generate.decode", Err: err}
	}
	return parsed.TaskID, nil
}

// Poll implements AudioService.
func (c *ACEAudio) Poll(ctx context.Context, taskID string) (AudioPollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return AudioPollResult{}, fmt.Errorf("build ace poll request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return AudioPollResult{}, &ProviderError{Sentinel: ErrUpstreamUnavailable, Provider: "ace", Operation: "tasks.poll", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return AudioPollResult{Status: AudioNotFound}, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return AudioPollResult{}, &ProviderError{Sentinel: ErrUpstreamBadResponse, Provider: "ace", Operation: "tasks.poll", Err: err}
	}
	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		log.WithComponent("adapters.ace").Warn().Int("status", resp.StatusCode).Str("task_id", taskID).Msg("non-2xx poll response")
		return AudioPollResult{}, &ProviderError{Sentinel: sentinel, Provider: "ace", Operation: "tasks.poll", Status: resp.StatusCode}
	}

	var parsed acePollResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return AudioPollResult{}, &ProviderError{Sentinel: ErrUpstreamBadResponse, Provider: "ace", Operation: "tasks.poll.decode", Err: err}
	}

	switch parsed.Status {
	case "running":
		return AudioPollResult{Status: AudioRunning}, nil
	case "succeeded":
		return AudioPollResult{Status: AudioSucceeded, AudioPath: parsed.AudioPath}, nil
	case "failed":
		return AudioPollResult{Status: AudioFailed, Error: parsed.Error}, nil
	case "not_found":
		return AudioPollResult{Status: AudioNotFound}, nil
	default:
		return AudioPollResult{}, &ProviderError{Sentinel: ErrUpstreamBadResponse, Provider: "ace", Operation: "tasks.poll.unknown_status", Status: 0}
	}
}

func (c *ACEAudio) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *ACEAudio) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ace request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build ace request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Sentinel: ErrUpstreamUnavailable, Provider: "ace", Operation: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Sentinel: ErrUpstreamBadResponse, Provider: "ace", Operation: path, Err: err}
	}
	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		log.WithComponent("adapters.ace").Warn().Int("status", resp.StatusCode).Str("path", path).Msg("non-2xx response")
		return nil, &ProviderError{Sentinel: sentinel, Provider: "ace", Operation: path, Status: resp.StatusCode}
	}
	return body, nil
}
