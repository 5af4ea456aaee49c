// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/infinitune/infinitune/internal/adapters"
	"github.com/infinitune/infinitune/internal/bus"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/queue"
	"github.com/infinitune/infinitune/internal/settings"
	"github.com/infinitune/infinitune/internal/storagefs"
	"github.com/infinitune/infinitune/internal/store"
)

// fakeTextGenerator returns a fixed metadata result, or an error when one
// is configured, counting how many times it was invoked.
type fakeTextGenerator struct {
	mu    sync.Mutex
	meta  model.SongMetadata
	err   error
	calls int
}

func (f *fakeTextGenerator) Generate(ctx context.Context, params adapters.TextParams) (model.SongMetadata, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.meta, f.err
}

// fakeAudioService hands out task ids in order and polls them against a
// caller-supplied sequencer keyed by task id.
type fakeAudioService struct {
	mu       sync.Mutex
	taskIDs  []string
	next     int
	pollFunc func(taskID string) adapters.AudioPollResult
}

func (f *fakeAudioService) Submit(ctx context.Context, params adapters.AudioSubmitParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.taskIDs[f.next]
	f.next++
	return id, nil
}

func (f *fakeAudioService) Poll(ctx context.Context, taskID string) (adapters.AudioPollResult, error) {
	return f.pollFunc(taskID), nil
}

func newTestDeps(t *testing.T, st store.Store, textGen adapters.TextGenerator, audioSvc adapters.AudioService) (Deps, func()) {
	t.Helper()

	aq := queue.NewAudioQueue(func(songID, taskID string, submittedAt time.Time) {
		_ = st.UpdateAceTask(context.Background(), songID, taskID, submittedAt)
	})

	stopTick := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				aq.TickPolls(context.Background())
			case <-stopTick:
				return
			}
		}
	}()

	deps := Deps{
		Store:           st,
		Settings:        settings.NewReader(st),
		TextQueue:       queue.NewEndpointQueue[model.SongMetadata]("text", 2),
		ImageQueue:      queue.NewEndpointQueue[*adapters.ImageResult]("image", 2),
		AudioQueue:      aq,
		AudioService:    audioSvc,
		TextGenerators:  map[string]adapters.TextGenerator{"ollama": textGen},
		ImageGenerators: map[string]adapters.ImageGenerator{},
		CoverStore:      storagefs.NewCoverStore(t.TempDir()),
		HTTPClient:      http.DefaultClient,
		MusicRoot:       t.TempDir(),
		RandFloat:       func() float64 { return 0.9 },
	}
	return deps, func() { close(stopTick) }
}

func seedPlaylistAndSong(t *testing.T, st store.Store, songStatus model.SongStatus) (playlistID, songID string) {
	t.Helper()
	ctx := context.Background()

	playlistID = "pl-1"
	require.NoError(t, st.CreatePlaylist(ctx, &model.Playlist{
		ID:          playlistID,
		Prompt:      "chill lofi",
		LLMProvider: "ollama",
		LLMModel:    "llama3",
		Mode:        model.ModeEndless,
		Status:      model.PlaylistActive,
	}))

	songID = "song-1"
	require.NoError(t, st.CreateSong(ctx, &model.Song{
		ID:         songID,
		PlaylistID: playlistID,
		OrderIndex: 1,
		Status:     songStatus,
	}))
	return playlistID, songID
}

// S1 — happy path: a song at pending drives end to end to ready.
func TestSongWorkerHappyPath(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := store.NewMemoryStore(bus.NewMemoryBus())
	_, songID := seedPlaylistAndSong(t, st, model.SongPending)

	textGen := &fakeTextGenerator{meta: model.SongMetadata{
		Title: "Night Drive", ArtistName: "Aurora Haze", Genre: "electronic",
		Lyrics: "la la la", CoverPrompt: "neon skyline", BPM: 90,
	}}
	audioSvc := &fakeAudioService{
		taskIDs: []string{"T1"},
		pollFunc: func(taskID string) adapters.AudioPollResult {
			// Empty AudioPath keeps archival a no-op download-wise; finalize
			// is best-effort and exercised elsewhere (storagefs tests).
			return adapters.AudioPollResult{Status: adapters.AudioSucceeded}
		},
	}

	deps, stop := newTestDeps(t, st, textGen, audioSvc)
	defer stop()

	w := New(songID, "pl-1", deps)
	status, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)

	song, err := st.GetSong(context.Background(), songID)
	require.NoError(t, err)
	require.Equal(t, model.SongReady, song.Status)
	require.Equal(t, "Night Drive", song.Title)

	playlist, err := st.GetPlaylist(context.Background(), "pl-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), playlist.SongsGenerated)
}

// S4 — audio lost task: polling a vanished task id reverts the song to
// metadata_ready; a fresh submission with a new task id completes.
func TestSongWorkerAudioLostTaskRecovers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	orig := queue.NotFoundGracePeriod
	queue.NotFoundGracePeriod = 30 * time.Millisecond
	defer func() { queue.NotFoundGracePeriod = orig }()

	st := store.NewMemoryStore(bus.NewMemoryBus())
	_, songID := seedPlaylistAndSong(t, st, model.SongMetadataReady)

	var pollCount int
	var mu sync.Mutex
	audioSvc := &fakeAudioService{
		taskIDs: []string{"T1", "T2"},
		pollFunc: func(taskID string) adapters.AudioPollResult {
			mu.Lock()
			defer mu.Unlock()
			if taskID == "T1" {
				pollCount++
				return adapters.AudioPollResult{Status: adapters.AudioNotFound}
			}
			return adapters.AudioPollResult{Status: adapters.AudioSucceeded}
		},
	}

	deps, stop := newTestDeps(t, st, &fakeTextGenerator{}, audioSvc)
	defer stop()

	w := New(songID, "pl-1", deps)
	status, err := w.runAudio(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)

	song, err := st.GetSong(context.Background(), songID)
	require.NoError(t, err)
	require.Equal(t, model.SongMetadataReady, song.Status)
	require.Empty(t, song.AceTaskID)

	mu.Lock()
	seenFirstTask := pollCount > 0
	mu.Unlock()
	require.True(t, seenFirstTask, "expected at least one not_found poll against the lost task before reverting")

	// A subsequent submission creates a new task id and completes normally.
	w2 := New(songID, "pl-1", deps)
	status, err = w2.runAudio(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)

	song, err = st.GetSong(context.Background(), songID)
	require.NoError(t, err)
	require.Equal(t, model.SongReady, song.Status)
}

// S6 — retry budget: three consecutive metadata failures walk the song
// through retry_pending back to pending twice, then to a terminal error
// with retryCount = 3.
func TestSongWorkerRetryBudgetExhausted(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := store.NewMemoryStore(bus.NewMemoryBus())
	_, songID := seedPlaylistAndSong(t, st, model.SongPending)

	textGen := &fakeTextGenerator{err: errors.New("upstream unavailable")}
	deps, stop := newTestDeps(t, st, textGen, &fakeAudioService{})
	defer stop()

	ctx := context.Background()
	for attempt := 0; attempt < 3; attempt++ {
		w := New(songID, "pl-1", deps)
		status, err := w.runMetadata(ctx)
		require.Error(t, err)
		require.Equal(t, StatusError, status)

		song, gerr := st.GetSong(ctx, songID)
		require.NoError(t, gerr)

		if attempt < 2 {
			require.Equal(t, model.SongRetryPending, song.Status)
			require.NoError(t, st.RetryErrored(ctx, songID))
		} else {
			require.Equal(t, model.SongError, song.Status)
		}
	}

	song, err := st.GetSong(ctx, songID)
	require.NoError(t, err)
	require.Equal(t, model.SongError, song.Status)
	require.Equal(t, 3, song.RetryCount)
	require.Equal(t, 3, textGen.calls)
}
