// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package supervisor implements the top-level process that discovers
// active playlists, starts and stops their controllers, drives the
// periodic audio-poll tick, and reconciles transient statuses left
// behind by a crash before any controller is started (spec §4.8).
package supervisor

import (
	"context"
	"fmt"

	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/store"
)

// Recover reconciles every known playlist's songs from the transient
// statuses a crash can leave them in to a re-drivable set, per the
// rewrite map in spec §4.8:
//
//	generating_metadata -> pending
//	submitting_to_ace   -> metadata_ready
//	saving              -> generating_audio
//
// generating_audio songs with a non-null aceTaskId are left untouched so
// their worker can resume polling; generating_audio songs without a task
// id are reverted to metadata_ready so a later submission can recreate
// it. Recover must run to completion before any PlaylistController
// starts. It is idempotent: having already reconciled, a song's status
// no longer matches any of the cases above, so a second call is a no-op.
func Recover(ctx context.Context, st store.Store) error {
	logger := log.WithComponent("supervisor.recover")

	playlists, err := st.ListPlaylists(ctx)
	if err != nil {
		return fmt.Errorf("recover: list playlists: %w", err)
	}

	var reverted int
	for _, p := range playlists {
		songs, err := st.ListSongs(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("recover: list songs for playlist %s: %w", p.ID, err)
		}
		for _, s := range songs {
			ok, err := recoverSong(ctx, st, s)
			if err != nil {
				logger.Warn().Err(err).Str("song_id", s.ID).Str("status", string(s.Status)).Msg("recovery step failed")
				continue
			}
			if ok {
				reverted++
			}
		}
	}

	logger.Info().Int("playlists", len(playlists)).Int("reverted", reverted).Msg("startup recovery complete")
	return nil
}

// recoverSong applies the rewrite map to a single song, if applicable.
// It reports whether a revert was performed.
func recoverSong(ctx context.Context, st store.Store, s *model.Song) (bool, error) {
	switch s.Status {
	case model.SongGeneratingMetadata:
		if err := st.RevertToPending(ctx, s.ID); err != nil {
			return false, err
		}
		metrics.RecordRecoveryReverted(string(model.SongGeneratingMetadata))
		return true, nil

	case model.SongSubmittingToAce:
		if err := st.RevertToMetadataReady(ctx, s.ID); err != nil {
			return false, err
		}
		metrics.RecordRecoveryReverted(string(model.SongSubmittingToAce))
		return true, nil

	case model.SongSaving:
		if err := st.RevertToGeneratingAudio(ctx, s.ID); err != nil {
			return false, err
		}
		metrics.RecordRecoveryReverted(string(model.SongSaving))
		return true, nil

	case model.SongGeneratingAudio:
		if s.AceTaskID != "" {
			// Left untouched: the worker resumes polling against the
			// persisted task id.
			return false, nil
		}
		if err := st.RevertToMetadataReady(ctx, s.ID); err != nil {
			return false, err
		}
		metrics.RecordRecoveryReverted(string(model.SongGeneratingAudio) + "_no_task")
		return true, nil

	default:
		return false, nil
	}
}
