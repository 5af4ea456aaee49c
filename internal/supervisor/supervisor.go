// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/infinitune/infinitune/internal/bus"
	"github.com/infinitune/infinitune/internal/controller"
	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/queue"
	"github.com/infinitune/infinitune/internal/store"
)

// DefaultTickInterval matches spec §4.8's "periodic ticks (e.g. 2-5s)".
const DefaultTickInterval = 3 * time.Second

// Deps bundles what the Supervisor needs. ControllerDeps is the template
// handed to controller.New for every playlist it discovers; only the
// playlistID differs per controller.
type Deps struct {
	Store          store.Store
	Bus            bus.Bus
	ControllerDeps controller.Deps
	AudioQueue     *queue.AudioQueue
	TickInterval   time.Duration
}

type controllerHandle struct {
	cancel context.CancelFunc
	ctrl   *controller.PlaylistController
}

// Supervisor discovers active and closing playlists, starts and stops
// their PlaylistControllers, and drives the AudioQueue's periodic poll
// tick (spec §4.8). Run blocks until its context is cancelled.
type Supervisor struct {
	deps Deps

	mu          sync.Mutex
	controllers map[string]*controllerHandle
	wg          sync.WaitGroup
}

// New constructs a Supervisor. Run must be called to start it; callers
// are expected to have already run Recover against the same Store
// before calling Run.
func New(deps Deps) *Supervisor {
	if deps.TickInterval <= 0 {
		deps.TickInterval = DefaultTickInterval
	}
	return &Supervisor{
		deps:        deps,
		controllers: make(map[string]*controllerHandle),
	}
}

// Run subscribes to the global event topic and drives the steady-state
// loop (spec §4.8): on every global event and on every tick, it
// reconciles the set of running controllers against the current
// playlists and drives AudioQueue.TickPolls. It blocks until ctx is
// cancelled, then waits for every controller goroutine it started to
// return before returning itself, so the caller can close the Store
// cleanly afterward (spec §4.8 Shutdown: "cancel no in-flight audio
// tasks... close the Store cleanly").
func (s *Supervisor) Run(ctx context.Context) error {
	logger := log.WithComponent("supervisor")

	sub, err := s.deps.Bus.Subscribe(ctx, bus.TopicGlobal)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	ticker := time.NewTicker(s.deps.TickInterval)
	defer ticker.Stop()

	logger.Info().Dur("tick_interval", s.deps.TickInterval).Msg("supervisor started")

	s.reconcile(ctx, logger)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			logger.Info().Msg("supervisor stopped")
			return nil

		case _, ok := <-sub.C():
			if !ok {
				s.wg.Wait()
				return errors.New("supervisor: global event channel closed")
			}
			s.reconcile(ctx, logger)

		case <-ticker.C:
			s.reconcile(ctx, logger)
			s.deps.AudioQueue.TickPolls(ctx)
		}
	}
}

// reconcile lists active+closing playlists, starts a controller for any
// not already running, and stops controllers whose playlist has been
// deleted or reached the terminal closed status (spec §4.8 Steady state).
func (s *Supervisor) reconcile(ctx context.Context, logger zerolog.Logger) {
	metrics.RecordSupervisorTick()

	playlists, err := s.deps.Store.ListPlaylists(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("reconcile: list playlists failed")
		return
	}

	live := make(map[string]bool, len(playlists))
	for _, p := range playlists {
		if p.Status == model.PlaylistClosed {
			continue
		}
		live[p.ID] = true
		s.startIfMissing(ctx, logger, p.ID)
	}

	s.mu.Lock()
	var stale []string
	for id := range s.controllers {
		if !live[id] {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		s.controllers[id].cancel()
		delete(s.controllers, id)
	}
	s.mu.Unlock()
}

// startIfMissing starts a PlaylistController for playlistID unless one is
// already running. The controller's context is a child of ctx so both a
// full supervisor shutdown and a targeted stop (playlist deleted or
// closed) cancel it the same way.
func (s *Supervisor) startIfMissing(ctx context.Context, logger zerolog.Logger, playlistID string) {
	s.mu.Lock()
	if _, ok := s.controllers[playlistID]; ok {
		s.mu.Unlock()
		return
	}
	cctx, cancel := context.WithCancel(ctx)
	ctrl := controller.New(playlistID, s.deps.ControllerDeps)
	s.controllers[playlistID] = &controllerHandle{cancel: cancel, ctrl: ctrl}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := ctrl.Run(cctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Str("playlist_id", playlistID).Msg("controller exited with error")
		}
		s.mu.Lock()
		delete(s.controllers, playlistID)
		s.mu.Unlock()
	}()
}

// Controllers returns the number of currently running controllers, for
// tests and operational introspection.
func (s *Supervisor) Controllers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.controllers)
}
