// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package model defines the persisted entities, tagged-variant enums, and
// state machine tables shared by the store, queue, worker, and controller
// packages.
package model

import "github.com/infinitune/infinitune/internal/fsm"

// SongStatus is the pipeline lifecycle state of a song. It is the
// bit-exact wire/persisted form relied on by external callers.
type SongStatus string

const (
	SongPending            SongStatus = "pending"
	SongGeneratingMetadata SongStatus = "generating_metadata"
	SongMetadataReady      SongStatus = "metadata_ready"
	SongSubmittingToAce    SongStatus = "submitting_to_ace"
	SongGeneratingAudio    SongStatus = "generating_audio"
	SongSaving             SongStatus = "saving"
	SongReady              SongStatus = "ready"
	SongPlayed             SongStatus = "played"
	SongRetryPending       SongStatus = "retry_pending"
	SongError              SongStatus = "error"
)

// Valid reports whether s is a recognized song status.
func (s SongStatus) Valid() bool {
	switch s {
	case SongPending, SongGeneratingMetadata, SongMetadataReady, SongSubmittingToAce,
		SongGeneratingAudio, SongSaving, SongReady, SongPlayed, SongRetryPending, SongError:
		return true
	}
	return false
}

// IsTerminal reports whether s admits no further transitions.
func (s SongStatus) IsTerminal() bool {
	return s == SongError || s == SongPlayed
}

// ActiveStatuses is the set of statuses that count a song as occupying a
// buffer slot ahead of playback (§4.6 bufferDeficit).
var ActiveStatuses = map[SongStatus]bool{
	SongPending:            true,
	SongGeneratingMetadata: true,
	SongMetadataReady:      true,
	SongSubmittingToAce:    true,
	SongGeneratingAudio:    true,
	SongSaving:             true,
	SongReady:              true,
}

// TransientStatuses is the set of statuses that still represent open work
// for a playlist: everything ActiveStatuses counts except ready, since a
// ready song has nothing left for the pipeline to do, plus retry_pending,
// which ActiveStatuses leaves out but which still has work ahead. The closing->closed
// transition (§4.6) waits for this count to reach zero, not ActiveStatuses,
// or a playlist with any ready song would never be able to close.
var TransientStatuses = map[SongStatus]bool{
	SongPending:            true,
	SongGeneratingMetadata: true,
	SongMetadataReady:      true,
	SongSubmittingToAce:    true,
	SongGeneratingAudio:    true,
	SongSaving:             true,
	SongRetryPending:       true,
}

// StaleEligible is the set of statuses a song must be in for the 20-minute
// staleness rule (§4.4) to apply.
var StaleEligible = map[SongStatus]bool{
	SongGeneratingMetadata: true,
	SongSubmittingToAce:    true,
	SongGeneratingAudio:    true,
	SongSaving:             true,
}

// SongEvent names an edge-triggering operation in the song FSM.
type SongEvent string

const (
	EventClaimForMetadata  SongEvent = "claim_for_metadata"
	EventCompleteMetadata  SongEvent = "complete_metadata"
	EventRevertOnRestart   SongEvent = "revert_on_restart"
	EventMarkErrorRetry    SongEvent = "mark_error_retry"
	EventMarkErrorTerminal SongEvent = "mark_error_terminal"
	EventClaimForAudio     SongEvent = "claim_for_audio"
	EventUpdateAceTask     SongEvent = "update_ace_task"
	EventAudioSucceeded    SongEvent = "audio_succeeded"
	EventLostTask          SongEvent = "lost_task"
	EventMarkReady         SongEvent = "mark_ready"
	EventMarkPlayed        SongEvent = "mark_played"
	EventRetryToPending    SongEvent = "retry_to_pending"
	EventRetryToMetadata   SongEvent = "retry_to_metadata"
)

// SongTransitions is the complete, exhaustive edge table from spec §4.4.
// Any (from, event) pair not present here is rejected by the store.
var SongTransitions = []fsm.Transition[SongStatus, SongEvent]{
	{From: SongPending, Event: EventClaimForMetadata, To: SongGeneratingMetadata},
	{From: SongPending, Event: EventMarkErrorRetry, To: SongRetryPending},
	{From: SongPending, Event: EventMarkErrorTerminal, To: SongError},

	{From: SongGeneratingMetadata, Event: EventCompleteMetadata, To: SongMetadataReady},
	{From: SongGeneratingMetadata, Event: EventRevertOnRestart, To: SongPending},
	{From: SongGeneratingMetadata, Event: EventMarkErrorRetry, To: SongRetryPending},
	{From: SongGeneratingMetadata, Event: EventMarkErrorTerminal, To: SongError},

	{From: SongMetadataReady, Event: EventClaimForAudio, To: SongSubmittingToAce},

	{From: SongSubmittingToAce, Event: EventUpdateAceTask, To: SongGeneratingAudio},
	{From: SongSubmittingToAce, Event: EventRevertOnRestart, To: SongMetadataReady},
	{From: SongSubmittingToAce, Event: EventMarkErrorRetry, To: SongRetryPending},
	{From: SongSubmittingToAce, Event: EventMarkErrorTerminal, To: SongError},

	{From: SongGeneratingAudio, Event: EventAudioSucceeded, To: SongSaving},
	{From: SongGeneratingAudio, Event: EventLostTask, To: SongMetadataReady},
	{From: SongGeneratingAudio, Event: EventMarkErrorRetry, To: SongRetryPending},
	{From: SongGeneratingAudio, Event: EventMarkErrorTerminal, To: SongError},

	{From: SongSaving, Event: EventMarkReady, To: SongReady},
	{From: SongSaving, Event: EventRevertOnRestart, To: SongGeneratingAudio},

	{From: SongReady, Event: EventMarkPlayed, To: SongPlayed},

	{From: SongRetryPending, Event: EventRetryToPending, To: SongPending},
	{From: SongRetryPending, Event: EventRetryToMetadata, To: SongMetadataReady},
}

// NewSongMachine builds an FSM instance seeded at the given status, wired
// with the exhaustive transition table above.
func NewSongMachine(initial SongStatus) (*fsm.Machine[SongStatus, SongEvent], error) {
	return fsm.New(initial, SongTransitions)
}

var songTransitionIndex = func() map[SongStatus]map[SongEvent]SongStatus {
	idx := make(map[SongStatus]map[SongEvent]SongStatus, len(SongTransitions))
	for _, t := range SongTransitions {
		if idx[t.From] == nil {
			idx[t.From] = make(map[SongEvent]SongStatus)
		}
		idx[t.From][t.Event] = t.To
	}
	return idx
}()

// ValidateSongTransition reports whether event is a registered edge from
// from, and if so, the resulting status. The Store uses this directly
// against persisted records rather than keeping one live fsm.Machine per
// song, since most songs are at rest between worker attachments.
func ValidateSongTransition(from SongStatus, event SongEvent) (SongStatus, bool) {
	to, ok := songTransitionIndex[from][event]
	return to, ok
}

// ErroredAtStatus records which pipeline stage a song errored out of, so
// retryErrored knows whether to resume at metadata or audio.
type ErroredAtStatus string

const (
	ErroredAtNone              ErroredAtStatus = ""
	ErroredAtGeneratingMeta    ErroredAtStatus = "generating_metadata"
	ErroredAtSubmittingToAce   ErroredAtStatus = "submitting_to_ace"
	ErroredAtGeneratingAudio   ErroredAtStatus = "generating_audio"
)

// Valid reports whether e is a recognized errored-at marker (including the
// empty "none recorded" value).
func (e ErroredAtStatus) Valid() bool {
	switch e {
	case ErroredAtNone, ErroredAtGeneratingMeta, ErroredAtSubmittingToAce, ErroredAtGeneratingAudio:
		return true
	}
	return false
}

// RetryTarget returns the status a retry_pending song should land on given
// the stage it errored out of.
func (e ErroredAtStatus) RetryTarget() SongStatus {
	switch e {
	case ErroredAtSubmittingToAce, ErroredAtGeneratingAudio:
		return SongMetadataReady
	default:
		return SongPending
	}
}

// PlaylistStatus is the lifecycle state of a playlist.
type PlaylistStatus string

const (
	PlaylistActive  PlaylistStatus = "active"
	PlaylistClosing PlaylistStatus = "closing"
	PlaylistClosed  PlaylistStatus = "closed"
)

// Valid reports whether s is a recognized playlist status.
func (s PlaylistStatus) Valid() bool {
	switch s {
	case PlaylistActive, PlaylistClosing, PlaylistClosed:
		return true
	}
	return false
}

// PlaylistEvent names an edge-triggering operation in the playlist FSM.
type PlaylistEvent string

const (
	EventSoftStop       PlaylistEvent = "soft_stop"
	EventFullyDrained   PlaylistEvent = "fully_drained"
	EventHeartbeat      PlaylistEvent = "heartbeat"
	EventReopenEndless  PlaylistEvent = "reopen_endless"
)

// PlaylistMode governs whether a closed endless playlist may reopen.
type PlaylistMode string

const (
	ModeEndless PlaylistMode = "endless"
	ModeOneshot PlaylistMode = "oneshot"
)

// Valid reports whether m is a recognized playlist mode.
func (m PlaylistMode) Valid() bool {
	return m == ModeEndless || m == ModeOneshot
}

// PlaylistTransitions is the edge table from spec §3. closed→active is
// valid only for endless playlists; NewPlaylistMachine builds the
// mode-appropriate table.
func PlaylistTransitions(mode PlaylistMode) []fsm.Transition[PlaylistStatus, PlaylistEvent] {
	t := []fsm.Transition[PlaylistStatus, PlaylistEvent]{
		{From: PlaylistActive, Event: EventSoftStop, To: PlaylistClosing},
		{From: PlaylistClosing, Event: EventFullyDrained, To: PlaylistClosed},
		{From: PlaylistClosing, Event: EventHeartbeat, To: PlaylistActive},
	}
	if mode == ModeEndless {
		t = append(t, fsm.Transition[PlaylistStatus, PlaylistEvent]{
			From: PlaylistClosed, Event: EventReopenEndless, To: PlaylistActive,
		})
	}
	return t
}

// NewPlaylistMachine builds an FSM instance seeded at the given status.
func NewPlaylistMachine(initial PlaylistStatus, mode PlaylistMode) (*fsm.Machine[PlaylistStatus, PlaylistEvent], error) {
	return fsm.New(initial, PlaylistTransitions(mode))
}

// ValidatePlaylistTransition reports whether event is a registered edge
// from from for a playlist of the given mode, and if so, the resulting
// status. Mirrors ValidateSongTransition; the controller uses this
// directly against a persisted record rather than keeping a live
// fsm.Machine per playlist.
func ValidatePlaylistTransition(mode PlaylistMode, from PlaylistStatus, event PlaylistEvent) (PlaylistStatus, bool) {
	for _, t := range PlaylistTransitions(mode) {
		if t.From == from && t.Event == event {
			return t.To, true
		}
	}
	return "", false
}

// PromptDistance governs how closely the LLM should hew to the playlist
// prompt versus introduce variety (§4.4 metadata step).
type PromptDistance string

const (
	DistanceFaithful PromptDistance = "faithful"
	DistanceClose    PromptDistance = "close"
	DistanceGeneral  PromptDistance = "general"
)

// UserRating is the listener's read-only feedback signal on a song.
type UserRating string

const (
	RatingNone UserRating = ""
	RatingUp   UserRating = "up"
	RatingDown UserRating = "down"
)

// Valid reports whether r is a recognized rating (including unset).
func (r UserRating) Valid() bool {
	switch r {
	case RatingNone, RatingUp, RatingDown:
		return true
	}
	return false
}
