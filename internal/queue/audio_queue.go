// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/metrics"
)

// NotFoundGracePeriod is the window after submission during which a
// not_found poll result is treated as transient registration lag rather
// than a lost task (spec §4.3). A var, not a const, so tests can shrink
// it instead of sleeping for real minutes.
var NotFoundGracePeriod = 2 * time.Minute

// AudioSlotStatus is the lifecycle state of one AudioQueue slot.
type AudioSlotStatus string

const (
	AudioPending    AudioSlotStatus = "pending"
	AudioSubmitting AudioSlotStatus = "submitting"
	AudioPolling    AudioSlotStatus = "polling"
	AudioSucceeded  AudioSlotStatus = "succeeded"
	AudioFailed     AudioSlotStatus = "failed"
	AudioNotFound   AudioSlotStatus = "not_found"
	AudioCancelled  AudioSlotStatus = "cancelled"
)

// Submitter performs the initial call to the external audio service and
// returns the task id it assigns.
type Submitter func(ctx context.Context) (taskID string, err error)

// Poller issues one poll call against taskID and reports the terminal
// outcome, or ok=false if the task is still running.
type Poller func(ctx context.Context, taskID string) (result AudioPollResult, ok bool, err error)

// AudioPollResult carries the terminal outcome of a poll.
type AudioPollResult struct {
	Status    AudioSlotStatus // AudioSucceeded or AudioFailed
	AudioPath string
	Error     string
}

// AudioSlotResult is delivered to the caller of Submit/ResumePoll once the
// slot reaches a terminal state.
type AudioSlotResult struct {
	Status    AudioSlotStatus
	AudioPath string
	Error     string
}

type audioSlot struct {
	songID      string
	taskID      string
	submittedAt time.Time
	submit      Submitter
	poll        Poller
	status      AudioSlotStatus
	result      chan AudioSlotResult
	cancel      context.CancelFunc
	ctx         context.Context
}

// AudioQueue enforces the single-in-flight submit/poll contract from spec
// §4.3: exactly one song occupies the audio pipeline end to end, since
// the underlying service cannot usefully parallelize submissions. A
// resumed poll (on recovery) takes priority over a fresh submission.
type AudioQueue struct {
	mu       sync.Mutex
	active   *audioSlot
	resume   *audioSlot // waiting resume, takes priority over a fresh submit
	fresh    *audioSlot // waiting fresh submission
	onUpdate func(songID, taskID string, submittedAt time.Time)
}

// NewAudioQueue constructs an empty single-slot audio queue. onTaskAssigned
// is invoked synchronously once a fresh submission receives a task id, so
// the caller can persist it (updateAceTask) before polling begins.
func NewAudioQueue(onTaskAssigned func(songID, taskID string, submittedAt time.Time)) *AudioQueue {
	return &AudioQueue{onUpdate: onTaskAssigned}
}

// Submit enqueues a fresh submit-then-poll cycle for songID. It blocks
// until the slot reaches a terminal state or ctx is cancelled.
func (q *AudioQueue) Submit(ctx context.Context, songID string, submit Submitter, poll Poller) (AudioSlotResult, error) {
	slotCtx, cancel := context.WithCancel(ctx)
	slot := &audioSlot{
		songID: songID,
		submit: submit,
		poll:   poll,
		status: AudioPending,
		result: make(chan AudioSlotResult, 1),
		cancel: cancel,
		ctx:    slotCtx,
	}

	q.mu.Lock()
	if q.fresh != nil || q.resume != nil {
		q.mu.Unlock()
		cancel()
		return AudioSlotResult{}, context.Canceled
	}
	q.fresh = slot
	q.admitLocked()
	q.mu.Unlock()

	return q.wait(slot)
}

// ResumePoll re-enters the queue at highest priority for a song already in
// generating_audio, skipping the submit step (spec §4.3 Resume).
func (q *AudioQueue) ResumePoll(ctx context.Context, songID, taskID string, submittedAt time.Time, poll Poller) (AudioSlotResult, error) {
	slotCtx, cancel := context.WithCancel(ctx)
	slot := &audioSlot{
		songID:      songID,
		taskID:      taskID,
		submittedAt: submittedAt,
		poll:        poll,
		status:      AudioPolling,
		result:      make(chan AudioSlotResult, 1),
		cancel:      cancel,
		ctx:         slotCtx,
	}

	q.mu.Lock()
	q.resume = slot
	q.admitLocked()
	q.mu.Unlock()

	return q.wait(slot)
}

func (q *AudioQueue) wait(slot *audioSlot) (AudioSlotResult, error) {
	select {
	case res := <-slot.result:
		return res, nil
	case <-slot.ctx.Done():
		return AudioSlotResult{Status: AudioCancelled}, ErrCancelled
	}
}

// admitLocked promotes a waiting slot into active if the pipeline is free.
// Resumes always win over fresh submissions. Caller must hold q.mu.
func (q *AudioQueue) admitLocked() {
	if q.active != nil {
		return
	}
	switch {
	case q.resume != nil:
		q.active, q.resume = q.resume, nil
		metrics.SetQueueDepth("audio", 0, 1)
	case q.fresh != nil:
		q.active, q.fresh = q.fresh, nil
		metrics.SetQueueDepth("audio", 0, 1)
		go q.runSubmit(q.active)
	}
}

func (q *AudioQueue) runSubmit(slot *audioSlot) {
	taskID, err := slot.submit(slot.ctx)
	if err != nil {
		q.finish(slot, AudioSlotResult{Status: AudioFailed, Error: err.Error()})
		return
	}

	q.mu.Lock()
	slot.taskID = taskID
	slot.submittedAt = time.Now()
	slot.status = AudioPolling
	q.mu.Unlock()

	if q.onUpdate != nil {
		q.onUpdate(slot.songID, taskID, slot.submittedAt)
	}
}

// TickPolls issues one poll call for the active slot, if any. It is
// invoked externally at a regular cadence (spec §4.3), mirroring the
// teacher's ticker-driven sweep loop.
func (q *AudioQueue) TickPolls(ctx context.Context) {
	q.mu.Lock()
	slot := q.active
	q.mu.Unlock()

	if slot == nil || slot.status != AudioPolling || slot.taskID == "" {
		return
	}

	result, ok, err := slot.poll(ctx, slot.taskID)
	if err != nil {
		log.WithComponent("audioqueue").Warn().Err(err).Str("song_id", slot.songID).Msg("poll failed, retaining slot")
		return
	}
	if !ok {
		return
	}

	switch result.Status {
	case AudioSucceeded:
		q.finish(slot, AudioSlotResult{Status: AudioSucceeded, AudioPath: result.AudioPath})
	case AudioFailed:
		q.finish(slot, AudioSlotResult{Status: AudioFailed, Error: result.Error})
	case AudioNotFound:
		if time.Since(slot.submittedAt) < NotFoundGracePeriod {
			return
		}
		metrics.RecordAudioLostTask()
		q.finish(slot, AudioSlotResult{Status: AudioNotFound})
	default:
		log.WithComponent("audioqueue").Warn().Str("song_id", slot.songID).Str("status", string(result.Status)).Msg("unexpected poll result status")
	}
}

func (q *AudioQueue) finish(slot *audioSlot, res AudioSlotResult) {
	select {
	case slot.result <- res:
	default:
	}

	q.mu.Lock()
	if q.active == slot {
		q.active = nil
	}
	q.admitLocked()
	q.mu.Unlock()
}

// CancelSong cancels songID's slot wherever it currently sits (waiting or
// active) and immediately frees its place in the pipeline, so a cancelled
// song can never wedge the single audio slot against future admissions
// (spec §4.3, §8 invariant 6: pending/active entries for a cancelled song
// are removed within one tick of cancel — here, immediately).
func (q *AudioQueue) CancelSong(songID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.resume != nil && q.resume.songID == songID {
		slot := q.resume
		q.resume = nil
		slot.cancel()
		deliverCancelled(slot)
	}
	if q.fresh != nil && q.fresh.songID == songID {
		slot := q.fresh
		q.fresh = nil
		slot.cancel()
		deliverCancelled(slot)
	}
	if q.active != nil && q.active.songID == songID {
		slot := q.active
		q.active = nil
		slot.cancel()
		deliverCancelled(slot)
		q.admitLocked()
	}
}

// deliverCancelled hands the cancelled result to whichever arm of wait's
// select observes it first; the buffered channel means this never blocks
// even if the caller already returned via slot.ctx.Done().
func deliverCancelled(slot *audioSlot) {
	select {
	case slot.result <- AudioSlotResult{Status: AudioCancelled}:
	default:
	}
}

// GetStatus reports which song, if any, currently occupies the pipeline.
func (q *AudioQueue) GetStatus() (songID string, status AudioSlotStatus, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return "", "", false
	}
	return q.active.songID, q.active.status, true
}
