// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/infinitune/infinitune/internal/bus"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/store"
)

func seedPlaylist(t *testing.T, st store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreatePlaylist(context.Background(), &model.Playlist{
		ID:     id,
		Prompt: "chill lofi",
		Mode:   model.ModeEndless,
		Status: model.PlaylistActive,
	}))
}

// TestRecoverScenarioS5 exercises spec §8 scenario S5: three songs in
// generating_metadata, one in submitting_to_ace, one in generating_audio
// with a task id, and one in saving. After Recover, the first three land
// on pending, the submitting one on metadata_ready, the generating_audio
// one is untouched, and the saving one lands on generating_audio.
func TestRecoverScenarioS5(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(bus.NewMemoryBus())
	seedPlaylist(t, st, "pl-1")

	submittedAt := time.Now()
	songs := []*model.Song{
		{ID: "meta-1", PlaylistID: "pl-1", Status: model.SongGeneratingMetadata},
		{ID: "meta-2", PlaylistID: "pl-1", Status: model.SongGeneratingMetadata},
		{ID: "meta-3", PlaylistID: "pl-1", Status: model.SongGeneratingMetadata},
		{ID: "submit-1", PlaylistID: "pl-1", Status: model.SongSubmittingToAce},
		{ID: "audio-1", PlaylistID: "pl-1", Status: model.SongGeneratingAudio, AceTaskID: "T1", AceSubmittedAt: &submittedAt},
		{ID: "saving-1", PlaylistID: "pl-1", Status: model.SongSaving, AceTaskID: "T2", AceSubmittedAt: &submittedAt},
	}
	for _, s := range songs {
		require.NoError(t, st.CreateSong(ctx, s))
	}

	require.NoError(t, Recover(ctx, st))

	assertStatus := func(id string, want model.SongStatus) {
		s, err := st.GetSong(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, s.Status, "song %s", id)
	}
	assertStatus("meta-1", model.SongPending)
	assertStatus("meta-2", model.SongPending)
	assertStatus("meta-3", model.SongPending)
	assertStatus("submit-1", model.SongMetadataReady)
	assertStatus("audio-1", model.SongGeneratingAudio) // untouched, task id present
	assertStatus("saving-1", model.SongGeneratingAudio)

	audio1, err := st.GetSong(ctx, "audio-1")
	require.NoError(t, err)
	require.Equal(t, "T1", audio1.AceTaskID, "generating_audio with a task id keeps it")
}

// TestRecoverGeneratingAudioWithoutTaskID covers the other generating_audio
// branch: no persisted task id means there is nothing to resume against,
// so the song reverts to metadata_ready and its ace fields are cleared.
func TestRecoverGeneratingAudioWithoutTaskID(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(bus.NewMemoryBus())
	seedPlaylist(t, st, "pl-1")
	require.NoError(t, st.CreateSong(ctx, &model.Song{
		ID: "audio-orphan", PlaylistID: "pl-1", Status: model.SongGeneratingAudio,
	}))

	require.NoError(t, Recover(ctx, st))

	s, err := st.GetSong(ctx, "audio-orphan")
	require.NoError(t, err)
	require.Equal(t, model.SongMetadataReady, s.Status)
	require.Empty(t, s.AceTaskID)
}

// TestRecoverIdempotent: running Recover a second time against the
// already-reconciled state is a no-op (spec §8 round-trip property).
func TestRecoverIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(bus.NewMemoryBus())
	seedPlaylist(t, st, "pl-1")

	submittedAt := time.Now()
	require.NoError(t, st.CreateSong(ctx, &model.Song{ID: "s1", PlaylistID: "pl-1", Status: model.SongGeneratingMetadata}))
	require.NoError(t, st.CreateSong(ctx, &model.Song{ID: "s2", PlaylistID: "pl-1", Status: model.SongSubmittingToAce}))
	require.NoError(t, st.CreateSong(ctx, &model.Song{ID: "s3", PlaylistID: "pl-1", Status: model.SongSaving, AceTaskID: "T1", AceSubmittedAt: &submittedAt}))

	require.NoError(t, Recover(ctx, st))

	snapshot := func() map[string]model.SongStatus {
		songs, err := st.ListSongs(ctx, "pl-1")
		require.NoError(t, err)
		out := make(map[string]model.SongStatus, len(songs))
		for _, s := range songs {
			out[s.ID] = s.Status
		}
		return out
	}
	first := snapshot()

	require.NoError(t, Recover(ctx, st))
	second := snapshot()

	require.Equal(t, first, second)
}
