// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestActiveNeverExceedsMaxConcurrency is spec invariant 5: submitting far
// more requests than maxConcurrency never lets more than maxConcurrency
// execute simultaneously.
func TestActiveNeverExceedsMaxConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewEndpointQueue[int]("text", 3)

	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	const n = 20
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), &Request[int]{
				SongID:   string(rune('a' + i)),
				Priority: i,
				Endpoint: "text",
				Execute: func(ctx context.Context) (int, error) {
					cur := inFlight.Add(1)
					for {
						prev := maxSeen.Load()
						if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
							break
						}
					}
					<-release
					inFlight.Add(-1)
					return i, nil
				},
			})
		}(i)
	}

	// Let admission settle, then release all at once.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, maxSeen.Load(), int32(3))
}

// TestPriorityOrderingLowerRunsFirst is spec invariant 7: of two pending
// requests at admission time, the strictly-lower-priority one is admitted
// no later than the other.
func TestPriorityOrderingLowerRunsFirst(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewEndpointQueue[string]("text", 1)

	started := make(chan string, 2)
	block := make(chan struct{})

	// Occupy the single slot so both subsequent requests queue up.
	occupied := make(chan struct{})
	go func() {
		_, _ = q.Enqueue(context.Background(), &Request[string]{
			SongID: "occupier", Priority: -1, Endpoint: "text",
			Execute: func(ctx context.Context) (string, error) {
				close(occupied)
				<-block
				return "occupier", nil
			},
		})
	}()
	<-occupied

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(context.Background(), &Request[string]{
			SongID: "low-priority", Priority: 100, Endpoint: "text",
			Execute: func(ctx context.Context) (string, error) {
				started <- "low-priority"
				return "low-priority", nil
			},
		})
	}()
	time.Sleep(10 * time.Millisecond) // ensure enqueue order: low then high
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(context.Background(), &Request[string]{
			SongID: "high-priority", Priority: 1, Endpoint: "text",
			Execute: func(ctx context.Context) (string, error) {
				started <- "high-priority"
				return "high-priority", nil
			},
		})
	}()
	time.Sleep(10 * time.Millisecond)

	close(block)
	wg.Wait()
	close(started)

	first := <-started
	require.Equal(t, "high-priority", first, "lower priority value must be admitted first")
}

// TestCancelSongRemovesPendingAndAbortsActive is spec invariant 6: a
// cancelled song's pending entry is rejected and its running entry's
// context is cancelled.
func TestCancelSongRemovesPendingAndAbortsActive(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewEndpointQueue[string]("text", 1)

	activeStarted := make(chan struct{})
	activeAborted := make(chan struct{})
	go func() {
		_, _ = q.Enqueue(context.Background(), &Request[string]{
			SongID: "active-song", Priority: 0, Endpoint: "text",
			Execute: func(ctx context.Context) (string, error) {
				close(activeStarted)
				<-ctx.Done()
				close(activeAborted)
				return "", ctx.Err()
			},
		})
	}()
	<-activeStarted

	pendingDone := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), &Request[string]{
			SongID: "pending-song", Priority: 5, Endpoint: "text",
			Execute: func(ctx context.Context) (string, error) { return "should not run", nil },
		})
		pendingDone <- err
	}()
	time.Sleep(10 * time.Millisecond)

	q.CancelSong("pending-song")
	q.CancelSong("active-song")

	select {
	case err := <-pendingDone:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("pending request was not rejected after cancellation")
	}

	select {
	case <-activeAborted:
	case <-time.After(time.Second):
		t.Fatal("active request's context was not cancelled")
	}
}

// TestRefreshConcurrencyShrinkLetsRunningFinish verifies shrinking
// maxConcurrency doesn't abort in-flight work; it only blocks new
// admissions until the active count drops (spec §4.2).
func TestRefreshConcurrencyShrinkLetsRunningFinish(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewEndpointQueue[int]("text", 2)

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), &Request[int]{
				SongID: "s", Priority: 0, Endpoint: "text",
				Execute: func(ctx context.Context) (int, error) {
					started <- struct{}{}
					<-release
					return 0, nil
				},
			})
		}()
	}
	<-started
	<-started

	q.RefreshConcurrency(1)
	close(release)
	wg.Wait()

	st := q.GetStatus()
	require.Equal(t, 0, st.ActiveCount)
}
