// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infinitune/infinitune/internal/bus"
	"github.com/infinitune/infinitune/internal/model"
)

func seedSong(t *testing.T, st Store, status model.SongStatus) (playlistID, songID string) {
	t.Helper()
	ctx := context.Background()
	playlistID, songID = "pl-1", "song-1"
	require.NoError(t, st.CreatePlaylist(ctx, &model.Playlist{
		ID: playlistID, Prompt: "chill lofi", Mode: model.ModeEndless, Status: model.PlaylistActive,
	}))
	require.NoError(t, st.CreateSong(ctx, &model.Song{
		ID: songID, PlaylistID: playlistID, OrderIndex: 1, Status: status,
	}))
	return playlistID, songID
}

// TestClaimForMetadataRaceExactlyOneWinner is spec invariant 2 / scenario
// S3: of N concurrent claimants against one pending song, exactly one
// succeeds and the song ends in generating_metadata.
func TestClaimForMetadataRaceExactlyOneWinner(t *testing.T) {
	st := NewMemoryStore(bus.NewMemoryBus())
	_, songID := seedSong(t, st, model.SongPending)

	const n = 32
	var wg sync.WaitGroup
	var successes safeCounter
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, ok, err := st.ClaimForMetadata(context.Background(), songID)
			require.NoError(t, err)
			if ok {
				successes.add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), successes.get())

	s, err := st.GetSong(context.Background(), songID)
	require.NoError(t, err)
	require.Equal(t, model.SongGeneratingMetadata, s.Status)
}

type safeCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *safeCounter) add(d int64) {
	c.mu.Lock()
	c.n += d
	c.mu.Unlock()
}

func (c *safeCounter) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// TestClaimForAudioRaceExactlyOneWinner mirrors the above for the audio claim.
func TestClaimForAudioRaceExactlyOneWinner(t *testing.T) {
	st := NewMemoryStore(bus.NewMemoryBus())
	_, songID := seedSong(t, st, model.SongMetadataReady)

	const n = 32
	var wg sync.WaitGroup
	var successes safeCounter
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, ok, err := st.ClaimForAudio(context.Background(), songID)
			require.NoError(t, err)
			if ok {
				successes.add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), successes.get())
}

// TestUpdateStatusRejectsInvalidEdge covers §4.1's validated-transitions
// contract: an edge absent from the table fails with ErrInvalidTransition
// and does not mutate the record.
func TestUpdateStatusRejectsInvalidEdge(t *testing.T) {
	st := NewMemoryStore(bus.NewMemoryBus())
	_, songID := seedSong(t, st, model.SongPending)

	err := st.UpdateStatus(context.Background(), songID, model.EventMarkReady)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	s, err := st.GetSong(context.Background(), songID)
	require.NoError(t, err)
	require.Equal(t, model.SongPending, s.Status, "rejected transition must not mutate status")
}

// TestDeletePlaylistCascadesToSongs covers spec §4.1's cascade contract.
func TestDeletePlaylistCascadesToSongs(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(bus.NewMemoryBus())
	playlistID, _ := seedSong(t, st, model.SongPending)
	require.NoError(t, st.CreateSong(ctx, &model.Song{ID: "song-2", PlaylistID: playlistID, OrderIndex: 2, Status: model.SongPending}))

	require.NoError(t, st.DeletePlaylist(ctx, playlistID))

	songs, err := st.ListSongs(ctx, playlistID)
	require.NoError(t, err)
	require.Empty(t, songs)

	_, err = st.GetPlaylist(ctx, playlistID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

// TestGetWorkQueueBufferDeficit exercises the bufferDeficit formula from
// spec §4.6: max(0, 5 - songsAhead), counting only active-status songs
// at the playlist's current epoch.
func TestGetWorkQueueBufferDeficit(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(bus.NewMemoryBus())
	playlistID := "pl-1"
	require.NoError(t, st.CreatePlaylist(ctx, &model.Playlist{
		ID: playlistID, Prompt: "chill lofi", Mode: model.ModeEndless, Status: model.PlaylistActive, PromptEpoch: 1,
	}))

	// Two active-status songs at the current epoch ahead of playback.
	require.NoError(t, st.CreateSong(ctx, &model.Song{ID: "s1", PlaylistID: playlistID, OrderIndex: 1, Status: model.SongPending, PromptEpoch: 1}))
	require.NoError(t, st.CreateSong(ctx, &model.Song{ID: "s2", PlaylistID: playlistID, OrderIndex: 2, Status: model.SongMetadataReady, PromptEpoch: 1}))
	// A stale-epoch song must not count toward the deficit.
	require.NoError(t, st.CreateSong(ctx, &model.Song{ID: "s3", PlaylistID: playlistID, OrderIndex: 3, Status: model.SongPending, PromptEpoch: 0}))
	// A terminal song must not count toward the deficit either.
	require.NoError(t, st.CreateSong(ctx, &model.Song{ID: "s4", PlaylistID: playlistID, OrderIndex: 4, Status: model.SongPlayed, PromptEpoch: 1}))

	wq, err := st.GetWorkQueue(ctx, playlistID)
	require.NoError(t, err)
	require.Equal(t, 3, wq.BufferDeficit, "5 - 2 active current-epoch songs ahead = 3")
	require.Equal(t, float64(4), wq.MaxOrderIndex)
	require.Equal(t, 4, wq.TotalSongs)
}

// TestGetWorkQueueIsPointInTime asserts the snapshot is internally
// consistent: every song returned in a status bucket matches its status
// in the same read.
func TestGetWorkQueueIsPointInTime(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(bus.NewMemoryBus())
	playlistID := "pl-1"
	require.NoError(t, st.CreatePlaylist(ctx, &model.Playlist{
		ID: playlistID, Prompt: "p", Mode: model.ModeEndless, Status: model.PlaylistActive,
	}))
	require.NoError(t, st.CreateSong(ctx, &model.Song{ID: "s1", PlaylistID: playlistID, OrderIndex: 1, Status: model.SongPending}))
	require.NoError(t, st.CreateSong(ctx, &model.Song{ID: "s2", PlaylistID: playlistID, OrderIndex: 2, Status: model.SongMetadataReady}))

	wq, err := st.GetWorkQueue(ctx, playlistID)
	require.NoError(t, err)

	for _, s := range wq.Pending {
		require.Equal(t, model.SongPending, s.Status)
	}
	for _, s := range wq.MetadataReady {
		require.Equal(t, model.SongMetadataReady, s.Status)
	}
}

// TestGetWorkQueueTransientCountExcludesReady pins the distinction between
// ActiveStatuses (used for bufferDeficit, includes ready) and the set used
// for TransientCount (excludes ready): a closing playlist whose songs have
// all finished must see TransientCount reach zero so it can ever close, per
// spec §4.6 ("new creations stop once transientCount reaches zero").
func TestGetWorkQueueTransientCountExcludesReady(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(bus.NewMemoryBus())
	playlistID := "pl-1"
	require.NoError(t, st.CreatePlaylist(ctx, &model.Playlist{
		ID: playlistID, Prompt: "p", Mode: model.ModeEndless, Status: model.PlaylistClosing,
	}))
	require.NoError(t, st.CreateSong(ctx, &model.Song{ID: "s1", PlaylistID: playlistID, OrderIndex: 1, Status: model.SongReady}))
	require.NoError(t, st.CreateSong(ctx, &model.Song{ID: "s2", PlaylistID: playlistID, OrderIndex: 2, Status: model.SongReady}))

	wq, err := st.GetWorkQueue(ctx, playlistID)
	require.NoError(t, err)
	require.Equal(t, 0, wq.TransientCount, "only-ready songs must not hold a closing playlist open forever")
}
