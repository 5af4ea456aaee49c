// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/infinitune/infinitune/internal/adapters"
	"github.com/infinitune/infinitune/internal/bus"
	"github.com/infinitune/infinitune/internal/controller"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/netutil"
	"github.com/infinitune/infinitune/internal/queue"
	"github.com/infinitune/infinitune/internal/settings"
	"github.com/infinitune/infinitune/internal/storagefs"
	"github.com/infinitune/infinitune/internal/store"
	"github.com/infinitune/infinitune/internal/worker"
)

// app bundles every long-lived component the serve and recover
// subcommands share, wired once from settings.Config.
type app struct {
	cfg      settings.Config
	store    store.Store
	bus      bus.Bus
	deps     controller.Deps
	audioQ   *queue.AudioQueue
	httpClnt *http.Client
}

// newApp constructs the Store, the EventBus, the HTTP client, the three
// generation adapters keyed by provider name, the admission queues, and
// the controller.Deps template every PlaylistController is built from.
func newApp(ctx context.Context, cfg settings.Config) (*app, error) {
	b := bus.NewMemoryBus()

	st, err := store.NewSQLiteStore(ctx, cfg.SQLitePath, b)
	if err != nil {
		return nil, err
	}

	httpClient := netutil.NewClient(30 * time.Second)

	textGenerators := map[string]adapters.TextGenerator{
		"ollama":     adapters.NewOllamaText(cfg.OllamaBaseURL, ""),
		"openrouter": adapters.NewOpenRouterText(cfg.OpenRouterAPIKey, ""),
	}
	imageGenerators := map[string]adapters.ImageGenerator{
		"comfyui":    adapters.NewComfyUIImage(cfg.ComfyUIBaseURL, ""),
		"openrouter": adapters.NewOpenRouterImage(cfg.OpenRouterAPIKey, ""),
	}
	audioSvc := adapters.NewACEAudio(cfg.ACEBaseURL, cfg.ACEAPIKey)

	textQueue := queue.NewEndpointQueue[model.SongMetadata]("text", cfg.TextConcurrencyLocal)
	imageQueue := queue.NewEndpointQueue[*adapters.ImageResult]("image", cfg.ImageConcurrency)
	audioQueue := queue.NewAudioQueue(func(songID, taskID string, submittedAt time.Time) {
		_ = st.UpdateAceTask(context.Background(), songID, taskID, submittedAt)
	})

	workerDeps := worker.Deps{
		Store:           st,
		Settings:        settings.NewReader(st),
		TextQueue:       textQueue,
		ImageQueue:      imageQueue,
		AudioQueue:      audioQueue,
		AudioService:    audioSvc,
		TextGenerators:  textGenerators,
		ImageGenerators: imageGenerators,
		CoverStore:      storagefs.NewCoverStore(cfg.MusicRoot),
		HTTPClient:      httpClient,
		MusicRoot:       cfg.MusicRoot,
	}

	return &app{
		cfg:   cfg,
		store: st,
		bus:   b,
		deps: controller.Deps{
			Store:        st,
			Bus:          b,
			WorkerDeps:   workerDeps,
			TickInterval: cfg.TickInterval,
		},
		audioQ:   audioQueue,
		httpClnt: httpClient,
	}, nil
}
