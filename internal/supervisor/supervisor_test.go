// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/infinitune/infinitune/internal/adapters"
	"github.com/infinitune/infinitune/internal/bus"
	"github.com/infinitune/infinitune/internal/controller"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/queue"
	"github.com/infinitune/infinitune/internal/store"
	"github.com/infinitune/infinitune/internal/worker"
)

func newTestSupervisor(st store.Store, b bus.Bus) *Supervisor {
	return New(Deps{
		Store: st,
		Bus:   b,
		ControllerDeps: controller.Deps{
			Store: st,
			Bus:   b,
			WorkerDeps: worker.Deps{
				TextQueue:  queue.NewEndpointQueue[model.SongMetadata]("text", 1),
				ImageQueue: queue.NewEndpointQueue[*adapters.ImageResult]("image", 1),
			},
			TickInterval: 10 * time.Millisecond,
		},
		AudioQueue:   queue.NewAudioQueue(nil),
		TickInterval: 10 * time.Millisecond,
	})
}

// TestSupervisorStartsControllerForActivePlaylist exercises the discovery
// half of spec §4.8 steady state: an active playlist present before Run
// gets a controller within one reconcile pass.
func TestSupervisorStartsControllerForActivePlaylist(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	b := bus.NewMemoryBus()
	st := store.NewMemoryStore(b)
	require.NoError(t, st.CreatePlaylist(ctx, &model.Playlist{
		ID: "pl-1", Prompt: "chill lofi", Mode: model.ModeEndless, Status: model.PlaylistActive,
	}))

	sup := newTestSupervisor(st, b)

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.Controllers() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestSupervisorStopsControllerOnClose verifies a controller is stopped
// once its playlist transitions to closed, without tearing down the
// supervisor itself.
func TestSupervisorStopsControllerOnClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	b := bus.NewMemoryBus()
	st := store.NewMemoryStore(b)
	require.NoError(t, st.CreatePlaylist(ctx, &model.Playlist{
		ID: "pl-1", Prompt: "chill lofi", Mode: model.ModeOneshot, Status: model.PlaylistActive,
	}))

	sup := newTestSupervisor(st, b)

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.Controllers() == 1 }, time.Second, 5*time.Millisecond)

	_, err := st.TransitionPlaylist(ctx, "pl-1", model.EventSoftStop)
	require.NoError(t, err)
	_, err = st.TransitionPlaylist(ctx, "pl-1", model.EventFullyDrained)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sup.Controllers() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
