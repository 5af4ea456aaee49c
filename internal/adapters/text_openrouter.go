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

	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/netutil"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterText generates song metadata via the OpenRouter chat
// completions API, giving access to any hosted cloud LLM.
type OpenRouterText struct {
	apiKey string
	model  string
	http   *http.Client
}

// NewOpenRouterText constructs a client authenticated with apiKey.
func NewOpenRouterText(apiKey, defaultModel string) *OpenRouterText {
	return &OpenRouterText{apiKey: apiKey, model: defaultModel, http: netutil.NewClient(0)}
}

type openRouterChatRequest struct {
	Model          string                  `json:"model"`
	Messages       []ollamaChatMessage     `json:"messages"`
	ResponseFormat openRouterResponseShape `json:"response_format"`
}

type openRouterResponseShape struct {
	Type string `json:"type"`
}

type openRouterChatResponse struct {
	Choices []struct {
		Message ollamaChatMessage `json:"message"`
	} `json:"choices"`
}

// Generate implements TextGenerator.
func (c *OpenRouterText) Generate(ctx context.Context, params TextParams) (model.SongMetadata, error) {
	var out model.SongMetadata

	modelName := params.Model
	if modelName == "" {
		modelName = c.model
	}

	reqBody := openRouterChatRequest{
		Model: modelName,
		Messages: []ollamaChatMessage{
			{Role: "system", Content: systemPromptForDistance(params.PromptDistance)},
			{Role: "user", Content: buildUserPrompt(params)},
		},
		ResponseFormat: openRouterResponseShape{Type: "json_object"},
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return out, fmt.Errorf("marshal openrouter request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openRouterBaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return out, fmt.Errorf("build openrouter request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return out, &ProviderError{Sentinel: ErrUpstreamUnavailable, Provider: "openrouter", Operation: "chat.completions", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, &ProviderError{Sentinel: ErrUpstreamBadResponse, Provider: "openrouter", Operation: "chat.completions", Err: err}
	}

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		log.WithComponent("adapters.openrouter").Warn().Int("status", resp.StatusCode).Msg("non-2xx response")
		return out, &ProviderError{Sentinel: sentinel, Provider: "openrouter", Operation: "chat.completions", Status: resp.StatusCode}
	}

	var parsed openRouterChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		return out, &ProviderError{Sentinel: ErrUpstreamBadResponse, Provider: "openrouter", Operation: "chat.completions.decode", Err: err}
	}

	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &out); err != nil {
		return out, &ProviderError{Sentinel: ErrUpstreamBadResponse, Provider: "openrouter", Operation: "chat.completions.metadata_decode", Err: err}
	}
	return out, nil
}
