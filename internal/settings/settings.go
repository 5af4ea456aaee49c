// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package settings loads operator-level bootstrap configuration from
// environment variables (data directory, concurrency defaults, service
// URLs and API keys) and exposes a small Reader over the Store's
// Setting table that the worker consults fresh at the start of every
// job, per spec §9's "read fresh, never cache across jobs" rule.
package settings

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/infinitune/infinitune/internal/log"
)

// Recognized Setting keys (spec §9): read by the worker at job start,
// falling back to the playlist's own llmProvider/llmModel when unset.
const (
	KeyTextProvider  = "textProvider"
	KeyTextModel     = "textModel"
	KeyImageProvider = "imageProvider"
	KeyImageModel    = "imageModel"
)

// Config is the process-level bootstrap configuration, loaded once at
// startup from the environment and never re-read mid-job.
type Config struct {
	DataDir      string
	MusicRoot    string
	SQLitePath   string
	HTTPAddr     string
	LogLevel     string
	TickInterval time.Duration

	TextConcurrencyLocal int
	TextConcurrencyCloud int
	ImageConcurrency     int

	OllamaBaseURL    string
	OpenRouterAPIKey string
	ComfyUIBaseURL   string
	ACEBaseURL       string
	ACEAPIKey        string
}

// Load reads Config from the environment, applying the defaults below
// for anything unset. Grounded in the teacher's internal/config
// ParseString/ParseInt/ParseDuration convention (internal/config/env.go),
// trimmed to this system's handful of keys — the teacher's file/config
// merge-and-reload machinery has no analogue here (see DESIGN.md).
func Load() Config {
	return Config{
		DataDir:      parseString("INFINITUNE_DATA_DIR", "./data"),
		MusicRoot:    parseString("INFINITUNE_MUSIC_ROOT", "./data/music"),
		SQLitePath:   parseString("INFINITUNE_SQLITE_PATH", "./data/infinitune.db"),
		HTTPAddr:     parseString("INFINITUNE_HTTP_ADDR", ":8787"),
		LogLevel:     parseString("INFINITUNE_LOG_LEVEL", "info"),
		TickInterval: parseDuration("INFINITUNE_TICK_INTERVAL", 3*time.Second),

		TextConcurrencyLocal: parseInt("INFINITUNE_TEXT_CONCURRENCY_LOCAL", 1),
		TextConcurrencyCloud: parseInt("INFINITUNE_TEXT_CONCURRENCY_CLOUD", 5),
		ImageConcurrency:     parseInt("INFINITUNE_IMAGE_CONCURRENCY", 1),

		OllamaBaseURL:    parseString("INFINITUNE_OLLAMA_URL", "http://localhost:11434"),
		OpenRouterAPIKey: parseString("INFINITUNE_OPENROUTER_API_KEY", ""),
		ComfyUIBaseURL:   parseString("INFINITUNE_COMFYUI_URL", "http://localhost:8188"),
		ACEBaseURL:       parseString("INFINITUNE_ACE_URL", "http://localhost:8000"),
		ACEAPIKey:        parseString("INFINITUNE_ACE_API_KEY", ""),
	}
}

func parseString(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.WithComponent("settings").Warn().Str("key", key).Str("value", v).Msg("invalid int, using default")
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.WithComponent("settings").Warn().Str("key", key).Str("value", v).Msg("invalid duration, using default")
	}
	return defaultValue
}

// SettingGetter is the narrow slice of store.Store the Reader needs,
// kept separate to avoid an import cycle between settings and store.
type SettingGetter interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// Reader reads Settings fresh from the Store on every call — it
// deliberately carries no cache, per spec §9.
type Reader struct {
	store SettingGetter
}

// NewReader constructs a Reader over store.
func NewReader(store SettingGetter) *Reader {
	return &Reader{store: store}
}

// Get returns the value for key, or "" if unset.
func (r *Reader) Get(ctx context.Context, key string) string {
	v, _, err := r.store.GetSetting(ctx, key)
	if err != nil {
		return ""
	}
	return v
}

// GetOrDefault returns the value for key, or defaultValue if unset or
// the read fails.
func (r *Reader) GetOrDefault(ctx context.Context, key, defaultValue string) string {
	v, ok, err := r.store.GetSetting(ctx, key)
	if err != nil || !ok || strings.TrimSpace(v) == "" {
		return defaultValue
	}
	return v
}

// EffectiveTextProvider resolves textProvider/textModel per spec §4.4
// ("select effective provider/model from current Settings, falling
// back to the playlist"): Settings wins when set, otherwise the
// playlist's own configuration is used.
func (r *Reader) EffectiveTextProvider(ctx context.Context, playlistProvider, playlistModel string) (provider, model string) {
	provider = r.GetOrDefault(ctx, KeyTextProvider, playlistProvider)
	model = r.GetOrDefault(ctx, KeyTextModel, playlistModel)
	return provider, model
}

// EffectiveImageProvider resolves imageProvider/imageModel the same way,
// with no playlist-level fallback since images have no playlist field.
func (r *Reader) EffectiveImageProvider(ctx context.Context) (provider, model string) {
	return r.GetOrDefault(ctx, KeyImageProvider, ""), r.GetOrDefault(ctx, KeyImageModel, "")
}
