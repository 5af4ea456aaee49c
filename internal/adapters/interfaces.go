// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package adapters defines the narrow interfaces the pipeline uses to
// reach the three external AI services, plus concrete HTTP clients for
// each provider selectable at startup from Settings.
package adapters

import (
	"context"

	"github.com/infinitune/infinitune/internal/model"
)

// TextParams is the input to TextGenerator.Generate.
type TextParams struct {
	Prompt             string
	Provider           string
	Model              string
	Language           string
	BPM                int
	KeyScale           string
	TimeSignature      string
	DurationSec        float64
	RecentSongs        []model.RecentSong
	RecentDescriptions []string
	IsInterrupt        bool
	PromptDistance     model.PromptDistance
}

// TextGenerator produces structured song metadata from a text LLM.
type TextGenerator interface {
	Generate(ctx context.Context, params TextParams) (model.SongMetadata, error)
}

// ImageResult is the outcome of a successful cover generation.
type ImageResult struct {
	ImageBase64 string
	Format      string
}

// ImageGenerator produces cover art from a text prompt. A nil result with
// a nil error means the provider is disabled (spec §6).
type ImageGenerator interface {
	Generate(ctx context.Context, coverPrompt, provider, model string) (*ImageResult, error)
}

// AudioSubmitParams is the input to AudioService.Submit.
type AudioSubmitParams struct {
	SongID        string
	Lyrics        string
	CoverPrompt   string
	BPM           int
	KeyScale      string
	TimeSignature string
	DurationSec   float64
}

// AudioPollStatus is the status reported by AudioService.Poll.
type AudioPollStatus string

const (
	AudioRunning   AudioPollStatus = "running"
	AudioSucceeded AudioPollStatus = "succeeded"
	AudioFailed    AudioPollStatus = "failed"
	AudioNotFound  AudioPollStatus = "not_found"
)

// AudioPollResult is the outcome of one poll call.
type AudioPollResult struct {
	Status    AudioPollStatus
	AudioPath string
	Error     string
}

// AudioService submits audio generation jobs and polls them to completion.
type AudioService interface {
	Submit(ctx context.Context, params AudioSubmitParams) (taskID string, err error)
	Poll(ctx context.Context, taskID string) (AudioPollResult, error)
}
