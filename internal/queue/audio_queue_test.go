// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func pollAlways(result AudioPollResult) Poller {
	return func(ctx context.Context, taskID string) (AudioPollResult, bool, error) {
		return result, true, nil
	}
}

func pollNever() Poller {
	return func(ctx context.Context, taskID string) (AudioPollResult, bool, error) {
		return AudioPollResult{}, false, nil
	}
}

// TestSubmitWhileFreshSubmitWaitingRejected is the single-in-flight
// invariant from spec §4.3: with one song active and a second Submit
// already waiting behind it, a third Submit is rejected instead of queued.
func TestSubmitWhileFreshSubmitWaitingRejected(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewAudioQueue(nil)

	occupied := make(chan struct{})
	occupierDone := make(chan struct{})
	go func() {
		_, _ = q.Submit(context.Background(), "song-1",
			func(ctx context.Context) (string, error) { close(occupied); <-ctx.Done(); return "", ctx.Err() },
			pollNever())
		close(occupierDone)
	}()
	<-occupied
	time.Sleep(10 * time.Millisecond)

	waiterDone := make(chan struct{})
	go func() {
		_, _ = q.Submit(context.Background(), "song-2",
			func(ctx context.Context) (string, error) { return "t2", nil },
			pollNever())
		close(waiterDone)
	}()
	time.Sleep(10 * time.Millisecond)

	_, err := q.Submit(context.Background(), "song-3",
		func(ctx context.Context) (string, error) { return "t3", nil },
		pollNever())
	require.ErrorIs(t, err, context.Canceled)

	q.CancelSong("song-2")
	<-waiterDone
	q.CancelSong("song-1")
	<-occupierDone
}

// TestTickPollsNotFoundWithinGraceIsRetained covers scenario S4's grace
// window: a not_found poll before NotFoundGracePeriod elapses must not
// terminate the slot.
func TestTickPollsNotFoundWithinGraceIsRetained(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	orig := NotFoundGracePeriod
	NotFoundGracePeriod = 100 * time.Millisecond
	defer func() { NotFoundGracePeriod = orig }()

	q := NewAudioQueue(func(songID, taskID string, submittedAt time.Time) {})

	done := make(chan AudioSlotResult, 1)
	go func() {
		res, _ := q.Submit(context.Background(), "song-1",
			func(ctx context.Context) (string, error) { return "task-1", nil },
			pollAlways(AudioPollResult{Status: AudioNotFound}))
		done <- res
	}()

	time.Sleep(20 * time.Millisecond) // let submit assign the task id
	q.TickPolls(context.Background())

	select {
	case <-done:
		t.Fatal("slot must not finish while still inside the not-found grace period")
	case <-time.After(30 * time.Millisecond):
	}

	q.CancelSong("song-1")
	<-done
}

// TestTickPollsNotFoundPastGraceIsLostTask covers S4's terminal branch:
// once past the grace period, not_found finishes the slot as AudioNotFound.
func TestTickPollsNotFoundPastGraceIsLostTask(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	orig := NotFoundGracePeriod
	NotFoundGracePeriod = 20 * time.Millisecond
	defer func() { NotFoundGracePeriod = orig }()

	q := NewAudioQueue(func(songID, taskID string, submittedAt time.Time) {})

	done := make(chan AudioSlotResult, 1)
	go func() {
		res, err := q.Submit(context.Background(), "song-1",
			func(ctx context.Context) (string, error) { return "task-1", nil },
			pollAlways(AudioPollResult{Status: AudioNotFound}))
		require.NoError(t, err)
		done <- res
	}()

	time.Sleep(40 * time.Millisecond) // past the grace window
	q.TickPolls(context.Background())

	select {
	case res := <-done:
		require.Equal(t, AudioNotFound, res.Status)
	case <-time.After(time.Second):
		t.Fatal("expected slot to finish as lost task past the grace period")
	}
}

// TestTickPollsSucceededFinishesSlot verifies the happy path drains the
// slot and frees the pipeline for the next submission.
func TestTickPollsSucceededFinishesSlot(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewAudioQueue(func(songID, taskID string, submittedAt time.Time) {})

	done := make(chan AudioSlotResult, 1)
	go func() {
		res, err := q.Submit(context.Background(), "song-1",
			func(ctx context.Context) (string, error) { return "task-1", nil },
			pollAlways(AudioPollResult{Status: AudioSucceeded, AudioPath: "/music/song-1.flac"}))
		require.NoError(t, err)
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	q.TickPolls(context.Background())

	select {
	case res := <-done:
		require.Equal(t, AudioSucceeded, res.Status)
		require.Equal(t, "/music/song-1.flac", res.AudioPath)
	case <-time.After(time.Second):
		t.Fatal("expected slot to succeed")
	}

	_, _, ok := q.GetStatus()
	require.False(t, ok, "pipeline must be free after the slot finishes")
}

// TestResumePollPreemptsWaitingFreshSubmit is the resume-always-wins
// semantics from spec §4.3: when the pipeline frees up with both a
// waiting fresh submit and a waiting resume, the resume is admitted first.
func TestResumePollPreemptsWaitingFreshSubmit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewAudioQueue(nil)

	holdActive := make(chan struct{})
	releaseActive := make(chan struct{})
	occupierDone := make(chan struct{})
	go func() {
		_, _ = q.Submit(context.Background(), "occupier",
			func(ctx context.Context) (string, error) { close(holdActive); <-releaseActive; return "t0", nil },
			pollAlways(AudioPollResult{Status: AudioSucceeded}))
		close(occupierDone)
	}()
	<-holdActive

	var mu sync.Mutex
	var admitOrder []string
	record := func(name string) {
		mu.Lock()
		admitOrder = append(admitOrder, name)
		mu.Unlock()
	}

	freshDone := make(chan struct{})
	go func() {
		_, _ = q.Submit(context.Background(), "fresh-waiter",
			func(ctx context.Context) (string, error) {
				record("fresh-waiter")
				return "t-fresh", nil
			},
			pollAlways(AudioPollResult{Status: AudioSucceeded}))
		close(freshDone)
	}()
	time.Sleep(10 * time.Millisecond)

	resumeDone := make(chan struct{})
	go func() {
		_, _ = q.ResumePoll(context.Background(), "resume-waiter", "t-resume", time.Now(), func(ctx context.Context, taskID string) (AudioPollResult, bool, error) {
			record("resume-waiter")
			return AudioPollResult{Status: AudioSucceeded}, true, nil
		})
		close(resumeDone)
	}()
	time.Sleep(10 * time.Millisecond)

	close(releaseActive)

	// Drive the pipeline: resume is admitted first and needs one TickPolls
	// to complete; then the fresh submit is admitted and runs its submit func.
	require.Eventually(t, func() bool {
		q.TickPolls(context.Background())
		mu.Lock()
		defer mu.Unlock()
		return len(admitOrder) >= 1
	}, time.Second, 5*time.Millisecond)

	<-resumeDone

	deadline := time.After(2 * time.Second)
drain:
	for {
		q.TickPolls(context.Background())
		select {
		case <-freshDone:
			break drain
		case <-deadline:
			t.Fatal("fresh submit never completed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"resume-waiter", "fresh-waiter"}, admitOrder)
}
