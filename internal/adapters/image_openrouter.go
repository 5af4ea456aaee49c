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

// OpenRouterImage generates cover art through an OpenRouter-hosted image
// model. It returns (nil, nil) when no API key is configured, matching
// the "disabled provider" contract of ImageGenerator (spec §6).
type OpenRouterImage struct {
	apiKey       string
	defaultModel string
	http         *http.Client
}

// NewOpenRouterImage constructs a client authenticated with apiKey. An
// empty apiKey marks the provider disabled.
func NewOpenRouterImage(apiKey, defaultModel string) *OpenRouterImage {
	return &OpenRouterImage{apiKey: apiKey, defaultModel: defaultModel, http: netutil.NewClient(imageDownloadTimeout)}
}

type openRouterImageRequest struct {
	Model    string                       `json:"model"`
	Messages []openRouterImageUserMessage `json:"messages"`
	Modalities []string                   `json:"modalities"`
}

type openRouterImageUserMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterImageResponse struct {
	Choices []struct {
		Message struct {
			Images []struct {
				ImageURL struct {
					URL string `json:"url"` // data: URL, base64-embedded
				} `json:"image_url"`
			} `json:"images"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate implements ImageGenerator.
func (c *OpenRouterImage) Generate(ctx context.Context, coverPrompt, provider, modelName string) (*ImageResult, error) {
	if c.apiKey == "" {
		return nil, nil
	}

	effectiveModel := modelName
	if effectiveModel == "" {
		effectiveModel = c.defaultModel
	}

	reqBody := openRouterImageRequest{
		Model:      effectiveModel,
		Messages:   []openRouterImageUserMessage{{Role: "user", Content: "Album cover art: " + coverPrompt}},
		Modalities: []string{"image", "text"},
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal openrouter image request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openRouterBaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build openrouter image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Sentinel: ErrUpstreamUnavailable, Provider: "openrouter-image", Operation: "chat.completions", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Sentinel: ErrUpstreamBadResponse, Provider: "openrouter-image", Operation: "chat.completions", Err: err}
	}
	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		log.WithComponent("adapters.openrouter_image").Warn().Int("status", resp.StatusCode).Msg("non-2xx response")
		return nil, &ProviderError{Sentinel: sentinel, Provider: "openrouter-image", Operation: "chat.completions", Status: resp.StatusCode}
	}

	var parsed openRouterImageResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 || len(parsed.Choices[0].Message.Images) == 0 {
		return nil, &ProviderError{Sentinel: ErrUpstreamBadResponse, Provider: "openrouter-image", Operation: "chat.completions.decode", Err: err}
	}

	dataURL := parsed.Choices[0].Message.Images[0].ImageURL.URL
	b64, format := decodeDataURL(dataURL)
	if b64 == "" {
		return nil, &ProviderError{Sentinel: ErrUpstreamBadResponse, Provider: "openrouter-image", Operation: "chat.completions.image_decode"}
	}
	return &ImageResult{ImageBase64: b64, Format: format}, nil
}

// decodeDataURL splits a "data:image/png;base64,AAAA..." URL into its
// base64 payload and format ("png", "jpeg", ...).
func decodeDataURL(url string) (b64, format string) {
	const prefix = "data:image/"
	if !strings.HasPrefix(url, prefix) {
		return "", ""
	}
	rest := url[len(prefix):]
	semi := strings.IndexByte(rest, ';')
	comma := strings.IndexByte(rest, ',')
	if semi < 0 || comma < 0 || comma < semi {
		return "", ""
	}
	return rest[comma+1:], rest[:semi]
}
