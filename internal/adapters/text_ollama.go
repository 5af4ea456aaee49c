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
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/netutil"
)

// OllamaText generates song metadata via a local Ollama chat endpoint.
type OllamaText struct {
	baseURL string
	model   string
	http    *http.Client
}

// NewOllamaText constructs a client against baseURL (e.g. http://localhost:11434).
func NewOllamaText(baseURL, defaultModel string) *OllamaText {
	return &OllamaText{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   defaultModel,
		http:    netutil.NewClient(0),
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Format   string              `json:"format"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
}

// Generate implements TextGenerator.
func (c *OllamaText) Generate(ctx context.Context, params TextParams) (model.SongMetadata, error) {
	modelName := params.Model
	if modelName == "" {
		modelName = c.model
	}

	reqBody := ollamaChatRequest{
		Model: modelName,
		Messages: []ollamaChatMessage{
			{Role: "system", Content: systemPromptForDistance(params.PromptDistance)},
			{Role: "user", Content: buildUserPrompt(params)},
		},
		Format: "json",
		Stream: false,
	}

	var out model.SongMetadata
	body, err := c.post(ctx, "/api/chat", reqBody)
	if err != nil {
		return out, err
	}

	var resp ollamaChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return out, &ProviderError{Sentinel: ErrUpstreamBadResponse, Provider: "ollama", Operation: "chat", Err: err}
	}
	if err := json.Unmarshal([]byte(resp.Message.Content), &out); err != nil {
		return out, &ProviderError{Sentinel: ErrUpstreamBadResponse, Provider: "ollama", Operation: "chat.decode", Err: err}
	}
	return out, nil
}

func (c *OllamaText) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Sentinel: ErrUpstreamUnavailable, Provider: "ollama", Operation: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Sentinel: ErrUpstreamBadResponse, Provider: "ollama", Operation: path, Err: err}
	}

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		log.WithComponent("adapters.ollama").Warn().Int("status", resp.StatusCode).Str("path", path).Msg("non-2xx response")
		return nil, &ProviderError{Sentinel: sentinel, Provider: "ollama", Operation: path, Status: resp.StatusCode}
	}

	return body, nil
}
