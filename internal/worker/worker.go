// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package worker implements SongWorker, the per-song state machine
// driver (spec §4.4): a recovery-aware entry point that claims a song
// at its current status and drives it through metadata, cover, and
// audio generation to ready, or to error/retry_pending on failure.
package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/infinitune/infinitune/internal/adapters"
	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/queue"
	"github.com/infinitune/infinitune/internal/settings"
	"github.com/infinitune/infinitune/internal/storagefs"
	"github.com/infinitune/infinitune/internal/store"
)

// DuplicateDetectionWindow is N from spec §9's open question: the
// number of recent songs checked for a title/artist collision before
// accepting a metadata result unconditionally. The source's own value
// is 5, matching store.GetWorkQueue's RecentCompleted cap.
const DuplicateDetectionWindow = 5

// Status is the terminal outcome Run reports to its caller (the
// controller), which uses it only for logging/bookkeeping — the Store
// remains the source of truth for the song's actual status.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
	StatusSkipped   Status = "skipped"
)

// Deps bundles everything a SongWorker needs to drive one song.
// Adapters are keyed by provider name so the worker can pick the
// effective one fresh at job start (spec §9).
type Deps struct {
	Store           store.Store
	Settings        *settings.Reader
	TextQueue       *queue.EndpointQueue[model.SongMetadata]
	ImageQueue      *queue.EndpointQueue[*adapters.ImageResult]
	AudioQueue      *queue.AudioQueue
	AudioService    adapters.AudioService
	TextGenerators  map[string]adapters.TextGenerator
	ImageGenerators map[string]adapters.ImageGenerator
	CoverStore      *storagefs.CoverStore
	HTTPClient      *http.Client
	MusicRoot       string
	Clock           func() time.Time
	RandFloat       func() float64 // injectable for deterministic promptDistance tests
}

// SongWorker drives one song from its current status to a terminal
// state. It is the sole writer of the song's pipeline fields while
// attached (spec §3 Ownership).
type SongWorker struct {
	songID     string
	playlistID string
	deps       Deps
	aborted    atomic.Bool
}

// New constructs a worker for songID within playlistID.
func New(songID, playlistID string, deps Deps) *SongWorker {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.RandFloat == nil {
		deps.RandFloat = rand.Float64
	}
	return &SongWorker{songID: songID, playlistID: playlistID, deps: deps}
}

// SongID reports the song this worker is attached to.
func (w *SongWorker) SongID() string { return w.songID }

// Cancel aborts the worker: it sets an internal flag and cancels all
// pending/running entries for this song on every queue (spec §4.4
// Cancellation). Run returns StatusCancelled without further Store
// writes once the cancellation is observed.
func (w *SongWorker) Cancel() {
	w.aborted.Store(true)
	w.deps.TextQueue.CancelSong(w.songID)
	w.deps.ImageQueue.CancelSong(w.songID)
	w.deps.AudioQueue.CancelSong(w.songID)
}

func (w *SongWorker) isCancelled() bool { return w.aborted.Load() }

// Run drives the song from its current status, per the recovery-aware
// entry dispatch in spec §4.4, until it reaches a point where this
// worker's job is done (ready, error, retry_pending, or cancelled).
func (w *SongWorker) Run(ctx context.Context) (Status, error) {
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	song, err := w.deps.Store.GetSong(ctx, w.songID)
	if err != nil {
		return StatusError, fmt.Errorf("worker %s: load song: %w", w.songID, err)
	}

	switch song.Status {
	case model.SongPending:
		return w.runMetadata(ctx)

	case model.SongGeneratingMetadata:
		if err := w.deps.Store.UpdateStatus(ctx, w.songID, model.EventRevertOnRestart); err != nil {
			return StatusError, fmt.Errorf("worker %s: revert generating_metadata: %w", w.songID, err)
		}
		return w.runMetadata(ctx)

	case model.SongMetadataReady:
		return w.runCoverAndAudio(ctx)

	case model.SongSubmittingToAce:
		if err := w.deps.Store.RevertToMetadataReady(ctx, w.songID); err != nil {
			return StatusError, fmt.Errorf("worker %s: revert submitting_to_ace: %w", w.songID, err)
		}
		return w.runCoverAndAudio(ctx)

	case model.SongGeneratingAudio:
		return w.resumeAudio(ctx, song.AceTaskID, song.AceSubmittedAt)

	case model.SongSaving:
		if err := w.deps.Store.UpdateStatus(ctx, w.songID, model.EventRevertOnRestart); err != nil {
			return StatusError, fmt.Errorf("worker %s: revert saving: %w", w.songID, err)
		}
		return w.resumeAudio(ctx, song.AceTaskID, song.AceSubmittedAt)

	default:
		return StatusCompleted, nil
	}
}

// --- Metadata step (spec §4.4 "Metadata step") ---

func (w *SongWorker) runMetadata(ctx context.Context) (Status, error) {
	playlistID, ok, err := w.deps.Store.ClaimForMetadata(ctx, w.songID)
	if err != nil {
		return StatusError, fmt.Errorf("worker %s: claim metadata: %w", w.songID, err)
	}
	if !ok {
		return StatusSkipped, nil
	}
	w.playlistID = playlistID

	song, playlist, err := w.loadSongAndPlaylist(ctx)
	if err != nil {
		return StatusError, err
	}

	provider, modelName := w.deps.Settings.EffectiveTextProvider(ctx, playlist.LLMProvider, playlist.LLMModel)
	gen, ok := w.deps.TextGenerators[provider]
	if !ok {
		msg := fmt.Sprintf("no text generator configured for provider %q", provider)
		_ = w.deps.Store.MarkError(ctx, w.songID, model.ErroredAtGeneratingMeta, msg)
		return StatusError, errors.New("worker: " + msg)
	}

	wq, err := w.deps.Store.GetWorkQueue(ctx, playlistID)
	if err != nil {
		return StatusError, fmt.Errorf("worker %s: work queue: %w", w.songID, err)
	}

	params := w.buildTextParams(song, playlist, wq, provider, modelName)
	priority := w.computePriority(song, playlist)

	req := &queue.Request[model.SongMetadata]{
		SongID:   w.songID,
		Priority: priority,
		Endpoint: "text",
		Execute: func(ctx context.Context) (model.SongMetadata, error) {
			return w.generateMetadataWithDuplicateRetry(ctx, gen, params, wq.RecentCompleted)
		},
	}

	res, err := w.deps.TextQueue.Enqueue(ctx, req)
	if err != nil {
		if errors.Is(err, model.ErrCancelled) {
			return StatusCancelled, nil
		}
		_ = w.deps.Store.MarkError(ctx, w.songID, model.ErroredAtGeneratingMeta, err.Error())
		return StatusError, err
	}

	metrics.ObserveStageMs("metadata", res.ProcessingMs)
	if err := w.deps.Store.CompleteMetadata(ctx, w.songID, res.Value); err != nil {
		return StatusError, fmt.Errorf("worker %s: complete metadata: %w", w.songID, err)
	}

	return w.runCoverAndAudio(ctx)
}

// generateMetadataWithDuplicateRetry implements the duplicate retry
// policy: if the result's title or artist case-insensitively matches
// any of the last N recentSongs, re-invoke execute once and accept the
// second result regardless (spec §4.4).
func (w *SongWorker) generateMetadataWithDuplicateRetry(ctx context.Context, gen adapters.TextGenerator, params adapters.TextParams, recent []model.RecentSong) (model.SongMetadata, error) {
	meta, err := gen.Generate(ctx, params)
	if err != nil {
		return meta, err
	}
	if isDuplicate(meta, recent) {
		if retried, retryErr := gen.Generate(ctx, params); retryErr == nil {
			return retried, nil
		}
	}
	return meta, nil
}

func isDuplicate(meta model.SongMetadata, recent []model.RecentSong) bool {
	window := recent
	if len(window) > DuplicateDetectionWindow {
		window = window[len(window)-DuplicateDetectionWindow:]
	}
	for _, r := range window {
		if strings.EqualFold(r.Title, meta.Title) || strings.EqualFold(r.ArtistName, meta.ArtistName) {
			return true
		}
	}
	return false
}

func (w *SongWorker) buildTextParams(song *model.Song, playlist *model.Playlist, wq *model.WorkQueueSnapshot, provider, modelName string) adapters.TextParams {
	prompt := playlist.Prompt
	if song.IsInterrupt && song.InterruptPrompt != "" {
		prompt = song.InterruptPrompt
	}

	return adapters.TextParams{
		Prompt:             prompt,
		Provider:           provider,
		Model:              modelName,
		Language:           playlist.Hints.Language,
		BPM:                playlist.Hints.BPM,
		KeyScale:           playlist.Hints.Key,
		TimeSignature:      playlist.Hints.TimeSignature,
		DurationSec:        float64(playlist.Hints.DurationSec),
		RecentSongs:        wq.RecentCompleted,
		RecentDescriptions: wq.RecentDescriptions,
		IsInterrupt:        song.IsInterrupt,
		PromptDistance:     w.choosePromptDistance(song, playlist),
	}
}

// choosePromptDistance implements spec §4.4: faithful for interrupts
// and oneshots, otherwise 60% close / 40% general.
func (w *SongWorker) choosePromptDistance(song *model.Song, playlist *model.Playlist) model.PromptDistance {
	if song.IsInterrupt || playlist.Mode == model.ModeOneshot {
		return model.DistanceFaithful
	}
	if w.deps.RandFloat() < 0.6 {
		return model.DistanceClose
	}
	return model.DistanceGeneral
}

// --- Cover step (fire-and-forget, spec §4.4 "Cover step") ---

func (w *SongWorker) runCoverAndAudio(ctx context.Context) (Status, error) {
	if w.isCancelled() {
		return StatusCancelled, nil
	}
	go w.runCover(ctx)
	return w.runAudio(ctx)
}

func (w *SongWorker) runCover(ctx context.Context) {
	logger := log.WithComponent("worker.cover").With().Str("song_id", w.songID).Logger()

	song, playlist, err := w.loadSongAndPlaylist(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("cover: failed to load song/playlist")
		return
	}

	provider, modelName := w.deps.Settings.EffectiveImageProvider(ctx)
	if provider == "" {
		return
	}
	gen, ok := w.deps.ImageGenerators[provider]
	if !ok {
		logger.Warn().Str("provider", provider).Msg("cover: no image generator configured")
		return
	}

	priority := w.computePriority(song, playlist)
	req := &queue.Request[*adapters.ImageResult]{
		SongID:   w.songID,
		Priority: priority,
		Endpoint: "image",
		Execute: func(ctx context.Context) (*adapters.ImageResult, error) {
			return gen.Generate(ctx, song.CoverPrompt, provider, modelName)
		},
	}

	res, err := w.deps.ImageQueue.Enqueue(ctx, req)
	if err != nil {
		if !errors.Is(err, model.ErrCancelled) {
			logger.Warn().Err(err).Msg("cover generation failed, continuing without cover")
		}
		return
	}
	if res.Value == nil {
		return // provider disabled
	}

	data, err := base64.StdEncoding.DecodeString(res.Value.ImageBase64)
	if err != nil {
		logger.Warn().Err(err).Msg("cover: failed to decode image bytes")
		return
	}

	url, err := w.deps.CoverStore.Save(w.songID, res.Value.Format, data)
	if err != nil {
		logger.Warn().Err(err).Msg("cover: failed to save image locally")
		return
	}

	if err := w.deps.Store.UpdateCover(ctx, w.songID, url); err != nil {
		logger.Warn().Err(err).Msg("cover: failed to persist cover url")
		return
	}
	_ = w.deps.Store.UpdateCoverProcessingMs(ctx, w.songID, res.ProcessingMs)
	metrics.ObserveStageMs("cover", res.ProcessingMs)
}

// --- Audio step (spec §4.4 "Audio step") ---

func (w *SongWorker) runAudio(ctx context.Context) (Status, error) {
	playlistID, ok, err := w.deps.Store.ClaimForAudio(ctx, w.songID)
	if err != nil {
		return StatusError, fmt.Errorf("worker %s: claim audio: %w", w.songID, err)
	}
	if !ok {
		return StatusSkipped, nil
	}
	w.playlistID = playlistID

	song, err := w.deps.Store.GetSong(ctx, w.songID)
	if err != nil {
		return StatusError, fmt.Errorf("worker %s: load song: %w", w.songID, err)
	}

	submit := func(ctx context.Context) (string, error) {
		return w.deps.AudioService.Submit(ctx, adapters.AudioSubmitParams{
			SongID:        w.songID,
			Lyrics:        song.Lyrics,
			CoverPrompt:   song.CoverPrompt,
			BPM:           song.BPM,
			KeyScale:      song.KeyScale,
			TimeSignature: song.TimeSignature,
			DurationSec:   song.AudioDuration,
		})
	}

	result, err := w.deps.AudioQueue.Submit(ctx, w.songID, submit, w.makePoller())
	if err != nil {
		if errors.Is(err, queue.ErrCancelled) || errors.Is(err, context.Canceled) {
			return StatusCancelled, nil
		}
		_ = w.deps.Store.MarkError(ctx, w.songID, model.ErroredAtGeneratingAudio, err.Error())
		return StatusError, err
	}

	return w.finishAudio(ctx, result)
}

// resumeAudio re-enters polling for a song already in generating_audio
// (or reverted there from saving), using its persisted task id (spec
// §4.3 Resume / §4.4 "generating_audio -> resume poll").
func (w *SongWorker) resumeAudio(ctx context.Context, taskID string, submittedAt *time.Time) (Status, error) {
	if taskID == "" {
		// No task id persisted: nothing to resume against. Revert so a
		// fresh submission can recreate the task.
		if err := w.deps.Store.RevertToMetadataReady(ctx, w.songID); err != nil {
			return StatusError, fmt.Errorf("worker %s: revert missing task: %w", w.songID, err)
		}
		return w.runCoverAndAudio(ctx)
	}
	at := w.deps.Clock()
	if submittedAt != nil {
		at = *submittedAt
	}

	result, err := w.deps.AudioQueue.ResumePoll(ctx, w.songID, taskID, at, w.makePoller())
	if err != nil {
		if errors.Is(err, queue.ErrCancelled) || errors.Is(err, context.Canceled) {
			return StatusCancelled, nil
		}
		_ = w.deps.Store.MarkError(ctx, w.songID, model.ErroredAtGeneratingAudio, err.Error())
		return StatusError, err
	}
	return w.finishAudio(ctx, result)
}

func (w *SongWorker) makePoller() queue.Poller {
	return func(ctx context.Context, taskID string) (queue.AudioPollResult, bool, error) {
		res, err := w.deps.AudioService.Poll(ctx, taskID)
		if err != nil {
			return queue.AudioPollResult{}, false, err
		}
		switch res.Status {
		case adapters.AudioRunning:
			return queue.AudioPollResult{}, false, nil
		case adapters.AudioSucceeded:
			return queue.AudioPollResult{Status: queue.AudioSucceeded, AudioPath: res.AudioPath}, true, nil
		case adapters.AudioFailed:
			return queue.AudioPollResult{Status: queue.AudioFailed, Error: res.Error}, true, nil
		case adapters.AudioNotFound:
			return queue.AudioPollResult{Status: queue.AudioNotFound}, true, nil
		default:
			return queue.AudioPollResult{}, false, fmt.Errorf("worker: unknown poll status %q", res.Status)
		}
	}
}

func (w *SongWorker) finishAudio(ctx context.Context, result queue.AudioSlotResult) (Status, error) {
	switch result.Status {
	case queue.AudioSucceeded:
		return w.saveAndFinalize(ctx, result.AudioPath)
	case queue.AudioNotFound:
		if err := w.deps.Store.RevertToMetadataReady(ctx, w.songID); err != nil {
			return StatusError, fmt.Errorf("worker %s: revert lost task: %w", w.songID, err)
		}
		return StatusCompleted, nil
	case queue.AudioFailed:
		_ = w.deps.Store.MarkError(ctx, w.songID, model.ErroredAtGeneratingAudio, result.Error)
		return StatusError, errors.New("worker: audio generation failed: " + result.Error)
	case queue.AudioCancelled:
		return StatusCancelled, nil
	default:
		return StatusError, fmt.Errorf("worker: unexpected audio slot status %q", result.Status)
	}
}

// saveAndFinalize implements spec §4.5: transition to saving, archive
// best-effort, then markReady regardless of archival outcome.
func (w *SongWorker) saveAndFinalize(ctx context.Context, audioPath string) (Status, error) {
	if err := w.deps.Store.UpdateStatus(ctx, w.songID, model.EventAudioSucceeded); err != nil {
		return StatusError, fmt.Errorf("worker %s: transition to saving: %w", w.songID, err)
	}

	song, err := w.deps.Store.GetSong(ctx, w.songID)
	if err != nil {
		return StatusError, fmt.Errorf("worker %s: load song for finalize: %w", w.songID, err)
	}

	start := w.deps.Clock()
	finalized := storagefs.SaveAndFinalize(ctx, w.deps.HTTPClient, w.deps.MusicRoot, storagefs.FinalizeInput{
		SongID:       w.songID,
		Genre:        song.Genre,
		SubGenre:     song.SubGenre,
		ArtistName:   song.ArtistName,
		Title:        song.Title,
		Lyrics:       song.Lyrics,
		AceAudioPath: audioPath,
		CoverURL:     song.CoverURL,
		Metadata:     song,
	})

	if err := w.deps.Store.UpdateStoragePath(ctx, w.songID, finalized.StoragePath, finalized.AceAudioPath); err != nil {
		log.WithComponent("worker.save").Warn().Err(err).Str("song_id", w.songID).Msg("failed to persist storage path")
	}

	completedAt := w.deps.Clock()
	audioProcessingMs := completedAt.Sub(start).Milliseconds()
	if err := w.deps.Store.MarkReady(ctx, w.songID, audioPath, completedAt, audioProcessingMs); err != nil {
		return StatusError, fmt.Errorf("worker %s: mark ready: %w", w.songID, err)
	}
	metrics.ObserveStageMs("audio", audioProcessingMs)

	return StatusCompleted, nil
}

// --- Shared helpers ---

func (w *SongWorker) loadSongAndPlaylist(ctx context.Context) (*model.Song, *model.Playlist, error) {
	song, err := w.deps.Store.GetSong(ctx, w.songID)
	if err != nil {
		return nil, nil, fmt.Errorf("worker %s: load song: %w", w.songID, err)
	}
	playlist, err := w.deps.Store.GetPlaylist(ctx, song.PlaylistID)
	if err != nil {
		return nil, nil, fmt.Errorf("worker %s: load playlist %s: %w", w.songID, song.PlaylistID, err)
	}
	return song, playlist, nil
}

// computePriority wraps model.Priority with the song/playlist state
// relevant at the moment of enqueue (spec §4.7).
func (w *SongWorker) computePriority(song *model.Song, playlist *model.Playlist) int {
	return model.Priority(model.PriorityInput{
		IsOneshotPlaylist: playlist.Mode == model.ModeOneshot,
		IsInterrupt:       song.IsInterrupt,
		OrderIndex:        song.OrderIndex,
		CurrentOrderIndex: playlist.CurrentOrderIndex,
		SongEpoch:         song.PromptEpoch,
		CurrentEpoch:      playlist.PromptEpoch,
		PlaylistClosing:   playlist.Status == model.PlaylistClosing,
	})
}
