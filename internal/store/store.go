// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package store implements the system-of-record for playlists and songs:
// atomic claims, validated status transitions, and the getWorkQueue
// point-in-time snapshot the controller and supervisor poll against
// (spec §4.1). Lifecycle mutations (create, delete, reorder, claims and
// status transitions, metadata completion, playlist update, steer and
// heartbeat) emit a typed model.Event on the bus after the write commits.
// RateSong, RecordPlayback, ReindexPlaylist, UpdateCover,
// UpdateCoverProcessingMs, UpdateStoragePath, UpdateAudioDuration,
// IncrementSongsGenerated and SetSetting emit no event.
package store

import (
	"context"
	"time"

	"github.com/infinitune/infinitune/internal/model"
)

// Store is the system-of-record for playlists, songs, and settings.
//
// Design intent, mirrored from the generic state-store pattern: all
// status-changing operations are single atomic transactions; the worker
// and controller layers never read-modify-write a record across two
// separate calls.
type Store interface {
	// --- Playlist CRUD ---
	CreatePlaylist(ctx context.Context, p *model.Playlist) error
	GetPlaylist(ctx context.Context, id string) (*model.Playlist, error)
	GetPlaylistByKey(ctx context.Context, key string) (*model.Playlist, error)
	ListPlaylists(ctx context.Context) ([]*model.Playlist, error)
	UpdatePlaylist(ctx context.Context, id string, fn func(*model.Playlist) error) (*model.Playlist, error)
	DeletePlaylist(ctx context.Context, id string) error

	// Steer records a prompt edit: bumps promptEpoch, appends to
	// steerHistory, and emits playlist.steered.
	Steer(ctx context.Context, playlistID, prompt string) (*model.Playlist, error)
	// Heartbeat reactivates a closing (or, for endless playlists, closed)
	// playlist and emits playlist.heartbeat.
	Heartbeat(ctx context.Context, playlistID string) (*model.Playlist, error)
	// TransitionPlaylist performs a bare FSM-validated playlist status
	// transition (active->closing on soft_stop, closing->closed on
	// fully_drained), analogous to UpdateStatus for songs. Returns
	// model.ErrInvalidTransition if the playlist is not in the event's
	// required from-state.
	TransitionPlaylist(ctx context.Context, playlistID string, event model.PlaylistEvent) (*model.Playlist, error)

	// --- Song CRUD ---
	CreateSong(ctx context.Context, s *model.Song) error
	GetSong(ctx context.Context, id string) (*model.Song, error)
	ListSongs(ctx context.Context, playlistID string) ([]*model.Song, error)
	DeleteSong(ctx context.Context, id string) error
	RateSong(ctx context.Context, id string, rating model.UserRating) error
	RecordPlayback(ctx context.Context, id string, playDurationMs int64) error
	ReorderSong(ctx context.Context, id string, newOrderIndex float64) error
	ReindexPlaylist(ctx context.Context, playlistID string) error

	// --- Atomic claims (linearization points; spec §4.1) ---
	ClaimForMetadata(ctx context.Context, songID string) (playlistID string, ok bool, err error)
	ClaimForAudio(ctx context.Context, songID string) (playlistID string, ok bool, err error)

	// --- Validated status-changing operations ---
	CompleteMetadata(ctx context.Context, songID string, meta model.SongMetadata) error
	UpdateCover(ctx context.Context, songID, coverURL string) error
	UpdateCoverProcessingMs(ctx context.Context, songID string, ms int64) error
	UpdateAceTask(ctx context.Context, songID, taskID string, submittedAt time.Time) error
	RevertToMetadataReady(ctx context.Context, songID string) error
	RevertToPending(ctx context.Context, songID string) error
	RevertToGeneratingAudio(ctx context.Context, songID string) error
	MarkReady(ctx context.Context, songID string, audioURL string, completedAt time.Time, audioProcessingMs int64) error
	MarkError(ctx context.Context, songID string, erroredAt model.ErroredAtStatus, errMsg string) error
	RetryErrored(ctx context.Context, songID string) error
	UpdateStoragePath(ctx context.Context, songID, storagePath, aceAudioPath string) error
	UpdateAudioDuration(ctx context.Context, songID string, seconds float64) error
	IncrementSongsGenerated(ctx context.Context, playlistID string) error

	// UpdateStatus performs a bare, FSM-validated status transition with
	// no side-channel fields. Used by recovery for the startup rewrite
	// map (spec §4.8).
	UpdateStatus(ctx context.Context, songID string, event model.SongEvent) error

	// --- Settings ---
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	// GetWorkQueue returns a consistent, single-point-in-time snapshot
	// (spec §4.1).
	GetWorkQueue(ctx context.Context, playlistID string) (*model.WorkQueueSnapshot, error)

	Close() error
}
