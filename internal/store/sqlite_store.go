// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/infinitune/infinitune/internal/bus"
	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/model"
)

// jsonOf marshals v to its JSON string form for columns that store plain
// structs/slices (as opposed to model.JSONColumn, which implements its
// own driver.Valuer).
func jsonOf(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal json: %w", err)
	}
	return string(b), nil
}

// SQLiteStore is the durable Store backed by modernc.org/sqlite. Atomic
// claims and validated transitions are implemented as a single UPDATE
// statement whose WHERE clause pins the expected current status: SQLite
// serializes writers, so "UPDATE ... WHERE status = ?" followed by a
// RowsAffected check is the linearization point (no in-process lock
// needed). The reads around it (transition reads the current status to
// pick the target, claim reads the song back for its playlist id) do not
// decide which caller wins.
type SQLiteStore struct {
	db *sql.DB
	bu bus.Bus
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens dbPath (creating it if absent), applies PRAGMAs via
// Open, migrates the schema, and returns a ready Store.
func NewSQLiteStore(ctx context.Context, dbPath string, b bus.Bus) (*SQLiteStore, error) {
	db, err := Open(dbPath, DefaultConfig())
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate schema: %w", err)
	}
	return &SQLiteStore{db: db, bu: b}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) publish(playlistID, songID string, ev model.EventType, payload any) {
	if s.bu == nil {
		return
	}
	msg := model.Event{Type: ev, PlaylistID: playlistID, SongID: songID, Payload: payload}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.bu.Publish(ctx, bus.TopicGlobal, msg)
	if playlistID != "" {
		_ = s.bu.Publish(ctx, bus.TopicPlaylist(playlistID), msg)
	}
}

// --- Playlist CRUD ---

func (s *SQLiteStore) CreatePlaylist(ctx context.Context, p *model.Playlist) error {
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	hints, err := jsonOf(p.Hints)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO playlists (id, playlist_key, prompt, llm_provider, llm_model, mode, hints, status,
			current_order_index, songs_generated, last_seen_at, prompt_epoch, steer_history, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.PlaylistKey, p.Prompt, p.LLMProvider, p.LLMModel, string(p.Mode), hints, string(p.Status),
		p.CurrentOrderIndex, p.SongsGenerated, p.LastSeenAt, p.PromptEpoch, p.SteerHistory, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create playlist: %w", err)
	}
	s.publish(p.ID, "", model.EventPlaylistCreated, nil)
	return nil
}

func (s *SQLiteStore) scanPlaylist(row *sql.Row) (*model.Playlist, error) {
	var p model.Playlist
	var mode, status, hints string
	err := row.Scan(&p.ID, &p.PlaylistKey, &p.Prompt, &p.LLMProvider, &p.LLMModel, &mode, &hints, &status,
		&p.CurrentOrderIndex, &p.SongsGenerated, &p.LastSeenAt, &p.PromptEpoch, &p.SteerHistory, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan playlist: %w", err)
	}
	p.Mode = model.PlaylistMode(mode)
	p.Status = model.PlaylistStatus(status)
	_ = json.Unmarshal([]byte(hints), &p.Hints) //nolint:errcheck // best-effort; corrupt hints degrade to zero value
	return &p, nil
}

const playlistCols = `id, playlist_key, prompt, llm_provider, llm_model, mode, hints, status,
	current_order_index, songs_generated, last_seen_at, prompt_epoch, steer_history, created_at, updated_at`

func (s *SQLiteStore) GetPlaylist(ctx context.Context, id string) (*model.Playlist, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+playlistCols+` FROM playlists WHERE id = ?`, id)
	p, err := s.scanPlaylist(row)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("playlist %s: %w", id, model.ErrNotFound)
	}
	return p, err
}

func (s *SQLiteStore) GetPlaylistByKey(ctx context.Context, key string) (*model.Playlist, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+playlistCols+` FROM playlists WHERE playlist_key = ?`, key)
	p, err := s.scanPlaylist(row)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("playlist key %s: %w", key, model.ErrNotFound)
	}
	return p, err
}

func (s *SQLiteStore) ListPlaylists(ctx context.Context) ([]*model.Playlist, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+playlistCols+` FROM playlists ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list playlists: %w", err)
	}
	defer rows.Close()

	var out []*model.Playlist
	for rows.Next() {
		var p model.Playlist
		var mode, status, hints string
		if err := rows.Scan(&p.ID, &p.PlaylistKey, &p.Prompt, &p.LLMProvider, &p.LLMModel, &mode, &hints, &status,
			&p.CurrentOrderIndex, &p.SongsGenerated, &p.LastSeenAt, &p.PromptEpoch, &p.SteerHistory, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan playlist row: %w", err)
		}
		p.Mode = model.PlaylistMode(mode)
		p.Status = model.PlaylistStatus(status)
		_ = json.Unmarshal([]byte(hints), &p.Hints) //nolint:errcheck
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpdatePlaylist reads, mutates, and writes back inside a single
// transaction, giving the same read-modify-write atomicity as
// MemoryStore.updatePlaylist.
func (s *SQLiteStore) UpdatePlaylist(ctx context.Context, id string, fn func(*model.Playlist) error) (*model.Playlist, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+playlistCols+` FROM playlists WHERE id = ?`, id)
	p, err := s.scanPlaylist(row)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("playlist %s: %w", id, model.ErrNotFound)
		}
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now()
	hints, err := jsonOf(p.Hints)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE playlists SET playlist_key=?, prompt=?, llm_provider=?, llm_model=?, mode=?, hints=?, status=?,
			current_order_index=?, songs_generated=?, last_seen_at=?, prompt_epoch=?, steer_history=?, updated_at=?
		WHERE id=?`,
		p.PlaylistKey, p.Prompt, p.LLMProvider, p.LLMModel, string(p.Mode), hints, string(p.Status),
		p.CurrentOrderIndex, p.SongsGenerated, p.LastSeenAt, p.PromptEpoch, p.SteerHistory, p.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: update playlist: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit: %w", err)
	}
	s.publish(id, "", model.EventPlaylistUpdated, nil)
	return p, nil
}

func (s *SQLiteStore) TransitionPlaylist(ctx context.Context, playlistID string, event model.PlaylistEvent) (*model.Playlist, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+playlistCols+` FROM playlists WHERE id = ?`, playlistID)
	p, err := s.scanPlaylist(row)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("playlist %s: %w", playlistID, model.ErrNotFound)
		}
		return nil, err
	}
	target, ok := model.ValidatePlaylistTransition(p.Mode, p.Status, event)
	if !ok {
		return nil, fmt.Errorf("playlist %s: status=%s event=%s: %w", playlistID, p.Status, event, model.ErrInvalidTransition)
	}
	from := p.Status
	p.Status = target
	p.UpdatedAt = time.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE playlists SET status=?, updated_at=? WHERE id=?`, string(p.Status), p.UpdatedAt, playlistID); err != nil {
		return nil, fmt.Errorf("sqlite: transition playlist: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit: %w", err)
	}
	s.publish(playlistID, "", model.EventPlaylistStatusChanged, model.PlaylistStatusChangedPayload{From: from, To: target})
	return p, nil
}

func (s *SQLiteStore) DeletePlaylist(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM playlists WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete playlist: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("playlist %s: %w", id, model.ErrNotFound)
	}
	s.publish(id, "", model.EventPlaylistDeleted, nil)
	return nil
}

func (s *SQLiteStore) Steer(ctx context.Context, playlistID, prompt string) (*model.Playlist, error) {
	var epoch int
	p, err := s.UpdatePlaylist(ctx, playlistID, func(p *model.Playlist) error {
		p.PromptEpoch++
		p.Prompt = prompt
		p.SteerHistory.Value = append(p.SteerHistory.Value, model.SteerEntry{
			Epoch: p.PromptEpoch, Prompt: prompt, At: time.Now(),
		})
		epoch = p.PromptEpoch
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(playlistID, "", model.EventPlaylistSteered, model.SteeredPayload{PromptEpoch: epoch, Prompt: prompt})
	return p, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, playlistID string) (*model.Playlist, error) {
	var from model.PlaylistStatus
	p, err := s.UpdatePlaylist(ctx, playlistID, func(p *model.Playlist) error {
		from = p.Status
		p.LastSeenAt = time.Now()
		switch p.Status {
		case model.PlaylistClosing:
			p.Status = model.PlaylistActive
		case model.PlaylistClosed:
			if p.Mode == model.ModeEndless {
				p.Status = model.PlaylistActive
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(playlistID, "", model.EventPlaylistHeartbeat, nil)
	if from != p.Status {
		s.publish(playlistID, "", model.EventPlaylistStatusChanged, model.PlaylistStatusChangedPayload{From: from, To: p.Status})
	}
	return p, nil
}

// --- Song CRUD ---

const songCols = `id, playlist_id, order_index, title, artist_name, genre, sub_genre, lyrics, caption,
	cover_prompt, bpm, key_scale, time_signature, audio_duration, vocal_style, mood, energy, era,
	instruments, tags, themes, language, description, cover_url, audio_url, storage_path, ace_audio_path,
	status, ace_task_id, ace_submitted_at, generation_started_at, generation_completed_at, retry_count,
	error_message, errored_at_status, metadata_processing_ms, cover_processing_ms, audio_processing_ms,
	prompt_epoch, is_interrupt, interrupt_prompt, user_rating, listen_count, play_duration_ms,
	persona_extract, created_at, updated_at`

func scanSong(row interface{ Scan(...any) error }) (*model.Song, error) {
	var s model.Song
	var status, erroredAt, rating string
	var isInterrupt int
	err := row.Scan(&s.ID, &s.PlaylistID, &s.OrderIndex, &s.Title, &s.ArtistName, &s.Genre, &s.SubGenre, &s.Lyrics, &s.Caption,
		&s.CoverPrompt, &s.BPM, &s.KeyScale, &s.TimeSignature, &s.AudioDuration, &s.VocalStyle, &s.Mood, &s.Energy, &s.Era,
		&s.Instruments, &s.Tags, &s.Themes, &s.Language, &s.Description, &s.CoverURL, &s.AudioURL, &s.StoragePath, &s.AceAudioPath,
		&status, &s.AceTaskID, &s.AceSubmittedAt, &s.GenerationStartedAt, &s.GenerationCompletedAt, &s.RetryCount,
		&s.ErrorMessage, &erroredAt, &s.MetadataProcessingMs, &s.CoverProcessingMs, &s.AudioProcessingMs,
		&s.PromptEpoch, &isInterrupt, &s.InterruptPrompt, &rating, &s.ListenCount, &s.PlayDurationMs,
		&s.PersonaExtract, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan song: %w", err)
	}
	s.Status = model.SongStatus(status)
	s.ErroredAtStatus = model.ErroredAtStatus(erroredAt)
	s.UserRating = model.UserRating(rating)
	s.IsInterrupt = isInterrupt != 0
	return &s, nil
}

func (s *SQLiteStore) CreateSong(ctx context.Context, song *model.Song) error {
	now := time.Now()
	song.CreatedAt, song.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO songs (`+songCols+`) VALUES (`+placeholders(47)+`)`,
		song.ID, song.PlaylistID, song.OrderIndex, song.Title, song.ArtistName, song.Genre, song.SubGenre, song.Lyrics, song.Caption,
		song.CoverPrompt, song.BPM, song.KeyScale, song.TimeSignature, song.AudioDuration, song.VocalStyle, song.Mood, song.Energy, song.Era,
		song.Instruments, song.Tags, song.Themes, song.Language, song.Description, song.CoverURL, song.AudioURL, song.StoragePath, song.AceAudioPath,
		string(song.Status), song.AceTaskID, song.AceSubmittedAt, song.GenerationStartedAt, song.GenerationCompletedAt, song.RetryCount,
		song.ErrorMessage, string(song.ErroredAtStatus), song.MetadataProcessingMs, song.CoverProcessingMs, song.AudioProcessingMs,
		song.PromptEpoch, boolToInt(song.IsInterrupt), song.InterruptPrompt, string(song.UserRating), song.ListenCount, song.PlayDurationMs,
		song.PersonaExtract, song.CreatedAt, song.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create song: %w", err)
	}
	s.publish(song.PlaylistID, song.ID, model.EventSongCreated, nil)
	return nil
}

func (s *SQLiteStore) GetSong(ctx context.Context, id string) (*model.Song, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+songCols+` FROM songs WHERE id = ?`, id)
	song, err := scanSong(row)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("song %s: %w", id, model.ErrNotFound)
	}
	return song, err
}

func (s *SQLiteStore) ListSongs(ctx context.Context, playlistID string) ([]*model.Song, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+songCols+` FROM songs WHERE playlist_id = ? ORDER BY order_index`, playlistID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list songs: %w", err)
	}
	defer rows.Close()
	var out []*model.Song
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, song)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSong(ctx context.Context, id string) error {
	song, err := s.GetSong(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM songs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete song: %w", err)
	}
	s.publish(song.PlaylistID, id, model.EventSongDeleted, nil)
	return nil
}

func (s *SQLiteStore) RateSong(ctx context.Context, id string, rating model.UserRating) error {
	_, err := s.db.ExecContext(ctx, `UPDATE songs SET user_rating = ?, updated_at = ? WHERE id = ?`, string(rating), time.Now(), id)
	return wrapExecErr(err, "rate song")
}

func (s *SQLiteStore) RecordPlayback(ctx context.Context, id string, playDurationMs int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE songs SET listen_count = listen_count + 1, play_duration_ms = play_duration_ms + ?, updated_at = ? WHERE id = ?`,
		playDurationMs, time.Now(), id)
	return wrapExecErr(err, "record playback")
}

func (s *SQLiteStore) ReorderSong(ctx context.Context, id string, newOrderIndex float64) error {
	song, err := s.GetSong(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE songs SET order_index = ?, updated_at = ? WHERE id = ?`, newOrderIndex, time.Now(), id); err != nil {
		return fmt.Errorf("sqlite: reorder song: %w", err)
	}
	s.publish(song.PlaylistID, id, model.EventSongReordered, nil)
	return nil
}

func (s *SQLiteStore) ReindexPlaylist(ctx context.Context, playlistID string) error {
	songs, err := s.ListSongs(ctx, playlistID)
	if err != nil {
		return err
	}
	sort.Slice(songs, func(i, j int) bool { return songs[i].OrderIndex < songs[j].OrderIndex })
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin reindex: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for i, song := range songs {
		if _, err := tx.ExecContext(ctx, `UPDATE songs SET order_index = ? WHERE id = ?`, float64(i+1), song.ID); err != nil {
			return fmt.Errorf("sqlite: reindex song %s: %w", song.ID, err)
		}
	}
	return tx.Commit()
}

// --- Atomic claims ---

func (s *SQLiteStore) ClaimForMetadata(ctx context.Context, songID string) (string, bool, error) {
	return s.claim(ctx, songID, model.SongPending, model.EventClaimForMetadata, "metadata")
}

func (s *SQLiteStore) ClaimForAudio(ctx context.Context, songID string) (string, bool, error) {
	return s.claim(ctx, songID, model.SongMetadataReady, model.EventClaimForAudio, "audio")
}

// claim implements the linearizable atomic claim as a single UPDATE whose
// WHERE clause pins the expected status; RowsAffected distinguishes "won
// the race" from "lost it" without a separate read.
func (s *SQLiteStore) claim(ctx context.Context, songID string, want model.SongStatus, event model.SongEvent, kind string) (string, bool, error) {
	to, _ := model.ValidateSongTransition(want, event)
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE songs SET status = ?, generation_started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), now, now, songID, string(want))
	if err != nil {
		return "", false, fmt.Errorf("sqlite: claim: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		metrics.RecordClaimRace(kind)
		if _, err := s.GetSong(ctx, songID); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	song, err := s.GetSong(ctx, songID)
	if err != nil {
		return "", false, err
	}
	metrics.RecordTransition(string(want), string(to))
	s.publish(song.PlaylistID, songID, model.EventSongStatusChanged, model.StatusChangedPayload{From: want, To: to})
	return song.PlaylistID, true, nil
}

// --- Validated status-changing operations ---

// transition performs a single-statement CAS UPDATE from any status for
// which event is registered; it reads current status first (outside the
// CAS) only to compute the target and detect invalid-transition errors
// distinctly from lost races, matching the Store contract's
// InvalidTransition/not-claimed distinction.
func (s *SQLiteStore) transition(ctx context.Context, songID string, event model.SongEvent, extraSet string, args ...any) (from, to model.SongStatus, err error) {
	song, err := s.GetSong(ctx, songID)
	if err != nil {
		return "", "", err
	}
	target, ok := model.ValidateSongTransition(song.Status, event)
	if !ok {
		metrics.RecordTransitionRejected(string(song.Status), string(event))
		return song.Status, "", fmt.Errorf("song %s: status=%s event=%s: %w", songID, song.Status, event, model.ErrInvalidTransition)
	}
	now := time.Now()
	setClause := `status = ?, updated_at = ?`
	allArgs := []any{string(target), now}
	if extraSet != "" {
		setClause += `, ` + extraSet
		allArgs = append(allArgs, args...)
	}
	allArgs = append(allArgs, songID, string(song.Status))
	res, err := s.db.ExecContext(ctx, `UPDATE songs SET `+setClause+` WHERE id = ? AND status = ?`, allArgs...)
	if err != nil {
		return song.Status, "", fmt.Errorf("sqlite: transition: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		metrics.RecordClaimRace(string(event))
		return song.Status, "", fmt.Errorf("song %s: %w", songID, model.ErrNotClaimed)
	}
	metrics.RecordTransition(string(song.Status), string(target))
	s.publish(song.PlaylistID, songID, model.EventSongStatusChanged, model.StatusChangedPayload{From: song.Status, To: target})
	return song.Status, target, nil
}

func (s *SQLiteStore) CompleteMetadata(ctx context.Context, songID string, meta model.SongMetadata) error {
	instruments, _ := jsonOf(meta.Instruments)
	tags, _ := jsonOf(meta.Tags)
	themes, _ := jsonOf(meta.Themes)
	_, _, err := s.transition(ctx, songID, model.EventCompleteMetadata, `
		title=?, artist_name=?, genre=?, sub_genre=?, lyrics=?, caption=?, cover_prompt=?, bpm=?, key_scale=?,
		time_signature=?, audio_duration=?, vocal_style=?, mood=?, energy=?, era=?, instruments=?, tags=?, themes=?,
		language=?, description=?`,
		meta.Title, meta.ArtistName, meta.Genre, meta.SubGenre, meta.Lyrics, meta.Caption, meta.CoverPrompt, meta.BPM, meta.KeyScale,
		meta.TimeSignature, meta.AudioDuration, meta.VocalStyle, meta.Mood, meta.Energy, meta.Era, instruments, tags, themes,
		meta.Language, meta.Description)
	if err != nil {
		return err
	}
	song, _ := s.GetSong(ctx, songID)
	if song != nil {
		s.publish(song.PlaylistID, songID, model.EventSongMetadataUpdated, nil)
	}
	return nil
}

func (s *SQLiteStore) UpdateCover(ctx context.Context, songID, coverURL string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE songs SET cover_url = ?, updated_at = ? WHERE id = ?`, coverURL, time.Now(), songID)
	return wrapExecErr(err, "update cover")
}

func (s *SQLiteStore) UpdateCoverProcessingMs(ctx context.Context, songID string, ms int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE songs SET cover_processing_ms = ?, updated_at = ? WHERE id = ?`, ms, time.Now(), songID)
	return wrapExecErr(err, "update cover processing ms")
}

func (s *SQLiteStore) UpdateAceTask(ctx context.Context, songID, taskID string, submittedAt time.Time) error {
	_, _, err := s.transition(ctx, songID, model.EventUpdateAceTask, `ace_task_id=?, ace_submitted_at=?`, taskID, submittedAt)
	return err
}

func (s *SQLiteStore) RevertToMetadataReady(ctx context.Context, songID string) error {
	song, err := s.GetSong(ctx, songID)
	if err != nil {
		return err
	}
	event := model.EventLostTask
	if song.Status == model.SongSubmittingToAce {
		event = model.EventRevertOnRestart
	}
	_, _, err = s.transition(ctx, songID, event, `ace_task_id=?, ace_submitted_at=?, ace_audio_path=?`, "", nil, "")
	return err
}

func (s *SQLiteStore) RevertToPending(ctx context.Context, songID string) error {
	_, _, err := s.transition(ctx, songID, model.EventRevertOnRestart, "")
	return err
}

func (s *SQLiteStore) RevertToGeneratingAudio(ctx context.Context, songID string) error {
	_, _, err := s.transition(ctx, songID, model.EventRevertOnRestart, "")
	return err
}

func (s *SQLiteStore) MarkReady(ctx context.Context, songID, audioURL string, completedAt time.Time, audioProcessingMs int64) error {
	song, err := s.GetSong(ctx, songID)
	if err != nil {
		return err
	}
	_, _, err = s.transition(ctx, songID, model.EventMarkReady, `audio_url=?, generation_completed_at=?, audio_processing_ms=?`,
		audioURL, completedAt, audioProcessingMs)
	if err != nil {
		return err
	}
	return s.IncrementSongsGenerated(ctx, song.PlaylistID)
}

func (s *SQLiteStore) MarkError(ctx context.Context, songID string, erroredAt model.ErroredAtStatus, errMsg string) error {
	song, err := s.GetSong(ctx, songID)
	if err != nil {
		return err
	}
	retryCount := song.RetryCount + 1
	event := model.EventMarkErrorRetry
	if retryCount >= 3 {
		event = model.EventMarkErrorTerminal
	}
	_, _, err = s.transition(ctx, songID, event, `retry_count=?, error_message=?, errored_at_status=?`,
		retryCount, errMsg, string(erroredAt))
	return err
}

func (s *SQLiteStore) RetryErrored(ctx context.Context, songID string) error {
	song, err := s.GetSong(ctx, songID)
	if err != nil {
		return err
	}
	event := model.EventRetryToPending
	if song.ErroredAtStatus.RetryTarget() == model.SongMetadataReady {
		event = model.EventRetryToMetadata
	}
	_, _, err = s.transition(ctx, songID, event, ``)
	return err
}

func (s *SQLiteStore) UpdateStoragePath(ctx context.Context, songID, storagePath, aceAudioPath string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE songs SET storage_path=?, ace_audio_path=?, updated_at=? WHERE id=?`,
		storagePath, aceAudioPath, time.Now(), songID)
	return wrapExecErr(err, "update storage path")
}

func (s *SQLiteStore) UpdateAudioDuration(ctx context.Context, songID string, seconds float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE songs SET audio_duration=?, updated_at=? WHERE id=?`, seconds, time.Now(), songID)
	return wrapExecErr(err, "update audio duration")
}

func (s *SQLiteStore) IncrementSongsGenerated(ctx context.Context, playlistID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE playlists SET songs_generated = songs_generated + 1, updated_at=? WHERE id=?`, time.Now(), playlistID)
	return wrapExecErr(err, "increment songs generated")
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, songID string, event model.SongEvent) error {
	_, _, err := s.transition(ctx, songID, event, "")
	return err
}

// --- Settings ---

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: get setting: %w", err)
	}
	return v, true, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return wrapExecErr(err, "set setting")
}

// --- Work queue snapshot ---

func (s *SQLiteStore) GetWorkQueue(ctx context.Context, playlistID string) (*model.WorkQueueSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin snapshot: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+playlistCols+` FROM playlists WHERE id = ?`, playlistID)
	p, err := s.scanPlaylist(row)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("playlist %s: %w", playlistID, model.ErrNotFound)
		}
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+songCols+` FROM songs WHERE playlist_id = ? ORDER BY order_index`, playlistID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: snapshot query songs: %w", err)
	}
	defer rows.Close()

	var all []*model.Song
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, song)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	snap := buildWorkQueueSnapshot(p, all)
	metrics.SetBufferDeficit(playlistID, snap.BufferDeficit)
	return snap, nil
}

// buildWorkQueueSnapshot is shared logic for computing the point-in-time
// view from an already-consistent read of playlist+songs (spec §4.1,
// §4.4 staleness, §4.6 bufferDeficit); both stores partition the same way.
func buildWorkQueueSnapshot(p *model.Playlist, all []*model.Song) *model.WorkQueueSnapshot {
	snap := &model.WorkQueueSnapshot{CurrentEpoch: p.PromptEpoch, TotalSongs: len(all)}
	now := time.Now()
	var songsAhead int
	var completed []*model.Song
	var maxIdx float64

	for _, song := range all {
		if song.OrderIndex > maxIdx {
			maxIdx = song.OrderIndex
		}
		switch song.Status {
		case model.SongPending:
			snap.Pending = append(snap.Pending, song)
		case model.SongMetadataReady:
			snap.MetadataReady = append(snap.MetadataReady, song)
			snap.NeedsCover = append(snap.NeedsCover, song)
		case model.SongGeneratingAudio:
			snap.GeneratingAudio = append(snap.GeneratingAudio, song)
		case model.SongRetryPending:
			snap.RetryPending = append(snap.RetryPending, song)
		}
		if model.TransientStatuses[song.Status] {
			snap.TransientCount++
		}
		if song.OrderIndex > p.CurrentOrderIndex && model.ActiveStatuses[song.Status] && song.PromptEpoch == p.PromptEpoch {
			songsAhead++
		}
		if song.IsStale(now, stalenessThreshold) {
			snap.StaleSongs = append(snap.StaleSongs, song)
			snap.NeedsRecovery = append(snap.NeedsRecovery, song)
		}
		if song.Status == model.SongReady {
			completed = append(completed, song)
		}
		if song.Description != "" {
			snap.RecentDescriptions = append(snap.RecentDescriptions, song.Description)
		}
	}

	snap.MaxOrderIndex = maxIdx
	deficit := bufferTarget - songsAhead
	if deficit < 0 {
		deficit = 0
	}
	snap.BufferDeficit = deficit

	if n := len(completed); n > 5 {
		completed = completed[n-5:]
	}
	for _, song := range completed {
		snap.RecentCompleted = append(snap.RecentCompleted, model.RecentSong{
			Title: song.Title, ArtistName: song.ArtistName, Genre: song.Genre,
			SubGenre: song.SubGenre, VocalStyle: song.VocalStyle, Mood: song.Mood, Energy: song.Energy,
		})
	}
	if n := len(snap.RecentDescriptions); n > 20 {
		snap.RecentDescriptions = snap.RecentDescriptions[n-20:]
	}
	return snap
}

func wrapExecErr(err error, op string) error {
	if err != nil {
		return fmt.Errorf("sqlite: %s: %w", op, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
