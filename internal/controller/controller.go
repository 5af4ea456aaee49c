// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package controller implements PlaylistController, one per active or
// closing playlist (spec §4.6): a control loop fed by the EventBus and
// a periodic tick that fills the buffer, spawns SongWorkers, re-prioritizes
// in-flight work on steering, and drives the closing->closed transition.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/infinitune/infinitune/internal/bus"
	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/store"
	"github.com/infinitune/infinitune/internal/worker"
)

// DefaultTickInterval matches the 2-5s band from spec §4.8.
const DefaultTickInterval = 3 * time.Second

// Deps bundles what every PlaylistController needs. WorkerDeps is the
// shared template handed to worker.New for each spawned song; the
// controller never mutates it.
type Deps struct {
	Store        store.Store
	Bus          bus.Bus
	WorkerDeps   worker.Deps
	TickInterval time.Duration
}

// PlaylistController owns the songId -> SongWorker map for one playlist
// and decides when to create buffer-filling songs, spawn workers, and
// transition the playlist to closed.
type PlaylistController struct {
	playlistID string
	deps       Deps

	mu      sync.Mutex
	workers map[string]*worker.SongWorker
}

// New constructs a controller for playlistID. Run must be called to
// start its event loop.
func New(playlistID string, deps Deps) *PlaylistController {
	if deps.TickInterval <= 0 {
		deps.TickInterval = DefaultTickInterval
	}
	return &PlaylistController{
		playlistID: playlistID,
		deps:       deps,
		workers:    make(map[string]*worker.SongWorker),
	}
}

// Run subscribes to this playlist's topic and drives the control loop
// until ctx is cancelled. It blocks; callers run it in its own goroutine.
func (c *PlaylistController) Run(ctx context.Context) error {
	sub, err := c.deps.Bus.Subscribe(ctx, bus.TopicPlaylist(c.playlistID))
	if err != nil {
		return fmt.Errorf("controller %s: subscribe: %w", c.playlistID, err)
	}
	defer func() { _ = sub.Close() }()

	metrics.ActiveControllers.Inc()
	defer metrics.ActiveControllers.Dec()

	logger := log.WithComponent("controller").With().Str("playlist_id", c.playlistID).Logger()
	logger.Info().Msg("playlist controller started")

	ticker := time.NewTicker(c.deps.TickInterval)
	defer ticker.Stop()

	c.reconcile(ctx, logger)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return errors.New("controller: event channel closed")
			}
			c.handleEvent(ctx, logger, msg)
		case <-ticker.C:
			c.reconcile(ctx, logger)
		}
	}
}

// Done reports whether the controller has no more work to ever do: the
// playlist is closed. The supervisor uses this to stop the controller.
func (c *PlaylistController) Done(ctx context.Context) bool {
	p, err := c.deps.Store.GetPlaylist(ctx, c.playlistID)
	if err != nil {
		return errors.Is(err, model.ErrNotFound)
	}
	return p.Status == model.PlaylistClosed
}

func (c *PlaylistController) handleEvent(ctx context.Context, logger zerolog.Logger, msg bus.Message) {
	evt, ok := msg.(model.Event)
	if !ok {
		return
	}
	switch evt.Type {
	case model.EventSongCreated:
		c.spawnIfMissing(ctx, logger, evt.SongID)
	case model.EventPlaylistSteered:
		c.recomputePriorities(ctx, logger)
		c.reconcile(ctx, logger)
	case model.EventPlaylistHeartbeat, model.EventPlaylistStatusChanged:
		c.reconcile(ctx, logger)
	}
}

// reconcile is the single control-loop pass (spec §4.6): fill the
// buffer, retry errored songs, spawn workers for songs needing
// attention, and drive the closing->closed transition.
func (c *PlaylistController) reconcile(ctx context.Context, logger zerolog.Logger) {
	playlist, err := c.deps.Store.GetPlaylist(ctx, c.playlistID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			logger.Warn().Err(err).Msg("reconcile: load playlist failed")
		}
		return
	}
	if playlist.Status == model.PlaylistClosed {
		return
	}

	wq, err := c.deps.Store.GetWorkQueue(ctx, c.playlistID)
	if err != nil {
		logger.Warn().Err(err).Msg("reconcile: work queue snapshot failed")
		return
	}

	if playlist.Status == model.PlaylistActive {
		c.fillBuffer(ctx, logger, playlist, wq)
	}

	for _, s := range wq.RetryPending {
		if err := c.deps.Store.RetryErrored(ctx, s.ID); err != nil {
			logger.Warn().Err(err).Str("song_id", s.ID).Msg("retry errored song failed")
		}
	}

	c.spawnForAttention(ctx, logger, wq)

	if playlist.Status == model.PlaylistClosing && wq.TransientCount == 0 {
		if _, err := c.deps.Store.TransitionPlaylist(ctx, c.playlistID, model.EventFullyDrained); err != nil {
			logger.Warn().Err(err).Msg("transition to closed failed")
		} else {
			logger.Info().Msg("playlist fully drained, closed")
		}
	}
}

// fillBuffer creates exactly wq.BufferDeficit new pending songs at
// successive maxOrderIndex+1, +2, ..., stamped with the current
// promptEpoch (spec §4.6).
func (c *PlaylistController) fillBuffer(ctx context.Context, logger zerolog.Logger, playlist *model.Playlist, wq *model.WorkQueueSnapshot) {
	next := wq.MaxOrderIndex
	for i := 0; i < wq.BufferDeficit; i++ {
		next++
		s := &model.Song{
			ID:          uuid.New().String(),
			PlaylistID:  c.playlistID,
			OrderIndex:  next,
			Status:      model.SongPending,
			PromptEpoch: playlist.PromptEpoch,
		}
		if err := c.deps.Store.CreateSong(ctx, s); err != nil {
			logger.Warn().Err(err).Msg("buffer fill: create song failed")
			return
		}
	}
}

// spawnForAttention spawns a worker for every song in pending,
// metadata_ready, generating_audio (resumable), or needing recovery
// (stale), unless one is already registered (spec §4.6 Worker management).
func (c *PlaylistController) spawnForAttention(ctx context.Context, logger zerolog.Logger, wq *model.WorkQueueSnapshot) {
	seen := make(map[string]bool)
	consider := func(songs []*model.Song) {
		for _, s := range songs {
			if seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			c.spawnIfMissing(ctx, logger, s.ID)
		}
	}
	consider(wq.Pending)
	consider(wq.MetadataReady)
	consider(wq.GeneratingAudio)
	consider(wq.NeedsRecovery)
}

// spawnIfMissing starts a SongWorker for songID unless one is already
// registered. The worker deregisters itself from the map on completion.
func (c *PlaylistController) spawnIfMissing(ctx context.Context, logger zerolog.Logger, songID string) {
	c.mu.Lock()
	if _, ok := c.workers[songID]; ok {
		c.mu.Unlock()
		return
	}
	w := worker.New(songID, c.playlistID, c.deps.WorkerDeps)
	c.workers[songID] = w
	c.mu.Unlock()

	go func() {
		status, err := w.Run(context.Background())
		if err != nil {
			logger.Warn().Err(err).Str("song_id", songID).Str("outcome", string(status)).Msg("song worker finished with error")
		}
		c.mu.Lock()
		delete(c.workers, songID)
		c.mu.Unlock()
	}()
}

// recomputePriorities implements the default steering policy (spec
// §4.6): in-flight songs are left to finish, but every queued (not yet
// executing) request has its priority recomputed against the new
// promptEpoch so stale-epoch work yields to fresh work.
func (c *PlaylistController) recomputePriorities(ctx context.Context, logger zerolog.Logger) {
	playlist, err := c.deps.Store.GetPlaylist(ctx, c.playlistID)
	if err != nil {
		logger.Warn().Err(err).Msg("recompute priorities: load playlist failed")
		return
	}
	songs, err := c.deps.Store.ListSongs(ctx, c.playlistID)
	if err != nil {
		logger.Warn().Err(err).Msg("recompute priorities: list songs failed")
		return
	}
	for _, s := range songs {
		priority := model.Priority(model.PriorityInput{
			IsOneshotPlaylist: playlist.Mode == model.ModeOneshot,
			IsInterrupt:       s.IsInterrupt,
			OrderIndex:        s.OrderIndex,
			CurrentOrderIndex: playlist.CurrentOrderIndex,
			SongEpoch:         s.PromptEpoch,
			CurrentEpoch:      playlist.PromptEpoch,
			PlaylistClosing:   playlist.Status == model.PlaylistClosing,
		})
		c.deps.WorkerDeps.TextQueue.SetPriority(s.ID, priority)
		c.deps.WorkerDeps.ImageQueue.SetPriority(s.ID, priority)
	}
}
