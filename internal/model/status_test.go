// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// allSongStatuses enumerates every declared status for exhaustive table tests.
var allSongStatuses = []SongStatus{
	SongPending, SongGeneratingMetadata, SongMetadataReady, SongSubmittingToAce,
	SongGeneratingAudio, SongSaving, SongReady, SongPlayed, SongRetryPending, SongError,
}

// TestSongTransitionsMatchSpecTable pins down the exact edge set from
// spec §4.4 so an accidental addition/removal of an edge fails loudly.
func TestSongTransitionsMatchSpecTable(t *testing.T) {
	want := map[string]SongStatus{
		key(SongPending, EventClaimForMetadata):           SongGeneratingMetadata,
		key(SongPending, EventMarkErrorRetry):              SongRetryPending,
		key(SongPending, EventMarkErrorTerminal):           SongError,
		key(SongGeneratingMetadata, EventCompleteMetadata): SongMetadataReady,
		key(SongGeneratingMetadata, EventRevertOnRestart):  SongPending,
		key(SongGeneratingMetadata, EventMarkErrorRetry):   SongRetryPending,
		key(SongGeneratingMetadata, EventMarkErrorTerminal): SongError,
		key(SongMetadataReady, EventClaimForAudio):         SongSubmittingToAce,
		key(SongSubmittingToAce, EventUpdateAceTask):       SongGeneratingAudio,
		key(SongSubmittingToAce, EventRevertOnRestart):     SongMetadataReady,
		key(SongSubmittingToAce, EventMarkErrorRetry):      SongRetryPending,
		key(SongSubmittingToAce, EventMarkErrorTerminal):   SongError,
		key(SongGeneratingAudio, EventAudioSucceeded):      SongSaving,
		key(SongGeneratingAudio, EventLostTask):            SongMetadataReady,
		key(SongGeneratingAudio, EventMarkErrorRetry):      SongRetryPending,
		key(SongGeneratingAudio, EventMarkErrorTerminal):   SongError,
		key(SongSaving, EventMarkReady):                    SongReady,
		key(SongSaving, EventRevertOnRestart):              SongGeneratingAudio,
		key(SongReady, EventMarkPlayed):                    SongPlayed,
		key(SongRetryPending, EventRetryToPending):         SongPending,
		key(SongRetryPending, EventRetryToMetadata):         SongMetadataReady,
	}

	got := make(map[string]SongStatus, len(SongTransitions))
	for _, tr := range SongTransitions {
		got[key(tr.From, tr.Event)] = tr.To
	}
	require.Equal(t, want, got)
}

func key(from SongStatus, ev SongEvent) string {
	return string(from) + "|" + string(ev)
}

// TestValidateSongTransitionRejectsEveryOtherEdge is an exhaustive
// property test: for every (status, event) pair not in SongTransitions,
// ValidateSongTransition must reject it (spec invariant 1).
func TestValidateSongTransitionRejectsEveryOtherEdge(t *testing.T) {
	allowed := make(map[string]bool, len(SongTransitions))
	for _, tr := range SongTransitions {
		allowed[key(tr.From, tr.Event)] = true
	}

	allEvents := []SongEvent{
		EventClaimForMetadata, EventCompleteMetadata, EventRevertOnRestart,
		EventMarkErrorRetry, EventMarkErrorTerminal, EventClaimForAudio,
		EventUpdateAceTask, EventAudioSucceeded, EventLostTask, EventMarkReady,
		EventMarkPlayed, EventRetryToPending, EventRetryToMetadata,
	}

	for _, from := range allSongStatuses {
		for _, ev := range allEvents {
			to, ok := ValidateSongTransition(from, ev)
			if allowed[key(from, ev)] {
				require.True(t, ok, "expected %s/%s to be valid", from, ev)
			} else {
				require.False(t, ok, "expected %s/%s to be rejected, got %s", from, ev, to)
			}
		}
	}
}

func TestTerminalStatusesAdmitNoFurtherEdges(t *testing.T) {
	for _, s := range []SongStatus{SongError, SongPlayed} {
		require.True(t, s.IsTerminal())
	}
	require.False(t, SongReady.IsTerminal())
}

func TestErroredAtStatusRetryTarget(t *testing.T) {
	require.Equal(t, SongPending, ErroredAtNone.RetryTarget())
	require.Equal(t, SongPending, ErroredAtGeneratingMeta.RetryTarget())
	require.Equal(t, SongMetadataReady, ErroredAtSubmittingToAce.RetryTarget())
	require.Equal(t, SongMetadataReady, ErroredAtGeneratingAudio.RetryTarget())
}

func TestPlaylistTransitionsOneshotForbidsReopen(t *testing.T) {
	_, ok := ValidatePlaylistTransition(ModeOneshot, PlaylistClosed, EventReopenEndless)
	require.False(t, ok, "closed->active must be forbidden for oneshot playlists")

	to, ok := ValidatePlaylistTransition(ModeEndless, PlaylistClosed, EventReopenEndless)
	require.True(t, ok)
	require.Equal(t, PlaylistActive, to)
}

func TestPlaylistTransitionsHeartbeatReactivatesClosing(t *testing.T) {
	to, ok := ValidatePlaylistTransition(ModeEndless, PlaylistClosing, EventHeartbeat)
	require.True(t, ok)
	require.Equal(t, PlaylistActive, to)
}

func TestActiveStatusesMatchBufferDeficitSet(t *testing.T) {
	want := map[SongStatus]bool{
		SongPending: true, SongGeneratingMetadata: true, SongMetadataReady: true,
		SongSubmittingToAce: true, SongGeneratingAudio: true, SongSaving: true, SongReady: true,
	}
	require.Equal(t, want, ActiveStatuses)
	require.False(t, ActiveStatuses[SongPlayed])
	require.False(t, ActiveStatuses[SongError])
}
