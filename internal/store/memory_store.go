// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/infinitune/infinitune/internal/bus"
	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/model"
)

// MemoryStore is an in-memory Store intended for tests and local
// iteration. Not durable; all state is lost on process exit. A single
// mutex guards every mutation, making the critical sections in claim,
// updateSong and updatePlaylist the linearization point for claims
// (spec §4.1/§5).
type MemoryStore struct {
	mu sync.Mutex
	bu bus.Bus

	playlists map[string]*model.Playlist
	songs     map[string]*model.Song
	settings  map[string]string
}

// NewMemoryStore creates an empty store publishing events on b.
func NewMemoryStore(b bus.Bus) *MemoryStore {
	return &MemoryStore{
		bu:        b,
		playlists: make(map[string]*model.Playlist),
		songs:     make(map[string]*model.Song),
		settings:  make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) publish(playlistID, songID string, ev model.EventType, payload any) {
	if m.bu == nil {
		return
	}
	msg := model.Event{Type: ev, PlaylistID: playlistID, SongID: songID, Payload: payload}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.bu.Publish(ctx, bus.TopicGlobal, msg)
	if playlistID != "" {
		_ = m.bu.Publish(ctx, bus.TopicPlaylist(playlistID), msg)
	}
}

// --- Playlist CRUD ---

func (m *MemoryStore) CreatePlaylist(ctx context.Context, p *model.Playlist) error {
	m.mu.Lock()
	cpy := *p
	m.playlists[p.ID] = &cpy
	m.mu.Unlock()
	m.publish(p.ID, "", model.EventPlaylistCreated, nil)
	return nil
}

func (m *MemoryStore) GetPlaylist(ctx context.Context, id string) (*model.Playlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.playlists[id]
	if !ok {
		return nil, fmt.Errorf("playlist %s: %w", id, model.ErrNotFound)
	}
	cpy := *p
	return &cpy, nil
}

func (m *MemoryStore) GetPlaylistByKey(ctx context.Context, key string) (*model.Playlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.playlists {
		if p.PlaylistKey == key {
			cpy := *p
			return &cpy, nil
		}
	}
	return nil, fmt.Errorf("playlist key %s: %w", key, model.ErrNotFound)
}

func (m *MemoryStore) ListPlaylists(ctx context.Context) ([]*model.Playlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Playlist, 0, len(m.playlists))
	for _, p := range m.playlists {
		cpy := *p
		out = append(out, &cpy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// updatePlaylist is the single atomic read-modify-write entry point for
// playlist mutation: every playlist-status-changing operation in this
// file funnels through it so two callers can never interleave a
// read-then-write against the same record.
func (m *MemoryStore) updatePlaylist(id string, fn func(*model.Playlist) error) (*model.Playlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.playlists[id]
	if !ok {
		return nil, fmt.Errorf("playlist %s: %w", id, model.ErrNotFound)
	}
	cpy := *p
	if err := fn(&cpy); err != nil {
		return nil, err
	}
	out := cpy
	m.playlists[id] = &out
	ret := out
	return &ret, nil
}

func (m *MemoryStore) UpdatePlaylist(ctx context.Context, id string, fn func(*model.Playlist) error) (*model.Playlist, error) {
	p, err := m.updatePlaylist(id, fn)
	if err != nil {
		return nil, err
	}
	m.publish(id, "", model.EventPlaylistUpdated, nil)
	return p, nil
}

func (m *MemoryStore) DeletePlaylist(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.playlists[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("playlist %s: %w", id, model.ErrNotFound)
	}
	delete(m.playlists, id)
	for sid, s := range m.songs {
		if s.PlaylistID == id {
			delete(m.songs, sid)
		}
	}
	m.mu.Unlock()
	m.publish(id, "", model.EventPlaylistDeleted, nil)
	return nil
}

func (m *MemoryStore) Steer(ctx context.Context, playlistID, prompt string) (*model.Playlist, error) {
	var epoch int
	p, err := m.updatePlaylist(playlistID, func(p *model.Playlist) error {
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
	m.publish(playlistID, "", model.EventPlaylistSteered, model.SteeredPayload{PromptEpoch: epoch, Prompt: prompt})
	return p, nil
}

func (m *MemoryStore) Heartbeat(ctx context.Context, playlistID string) (*model.Playlist, error) {
	var from model.PlaylistStatus
	p, err := m.updatePlaylist(playlistID, func(p *model.Playlist) error {
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
	m.publish(playlistID, "", model.EventPlaylistHeartbeat, nil)
	if from != p.Status {
		m.publish(playlistID, "", model.EventPlaylistStatusChanged, model.PlaylistStatusChangedPayload{From: from, To: p.Status})
	}
	return p, nil
}

func (m *MemoryStore) TransitionPlaylist(ctx context.Context, playlistID string, event model.PlaylistEvent) (*model.Playlist, error) {
	var from, to model.PlaylistStatus
	p, err := m.updatePlaylist(playlistID, func(p *model.Playlist) error {
		target, ok := model.ValidatePlaylistTransition(p.Mode, p.Status, event)
		if !ok {
			return fmt.Errorf("playlist %s: status=%s event=%s: %w", playlistID, p.Status, event, model.ErrInvalidTransition)
		}
		from = p.Status
		to = target
		p.Status = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.publish(playlistID, "", model.EventPlaylistStatusChanged, model.PlaylistStatusChangedPayload{From: from, To: to})
	return p, nil
}

// --- Song CRUD ---

func (m *MemoryStore) CreateSong(ctx context.Context, s *model.Song) error {
	m.mu.Lock()
	cpy := *s
	m.songs[s.ID] = &cpy
	m.mu.Unlock()
	m.publish(s.PlaylistID, s.ID, model.EventSongCreated, nil)
	return nil
}

func (m *MemoryStore) GetSong(ctx context.Context, id string) (*model.Song, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.songs[id]
	if !ok {
		return nil, fmt.Errorf("song %s: %w", id, model.ErrNotFound)
	}
	cpy := *s
	return &cpy, nil
}

func (m *MemoryStore) ListSongs(ctx context.Context, playlistID string) ([]*model.Song, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Song
	for _, s := range m.songs {
		if s.PlaylistID == playlistID {
			cpy := *s
			out = append(out, &cpy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (m *MemoryStore) DeleteSong(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.songs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("song %s: %w", id, model.ErrNotFound)
	}
	delete(m.songs, id)
	m.mu.Unlock()
	m.publish(s.PlaylistID, id, model.EventSongDeleted, nil)
	return nil
}

func (m *MemoryStore) RateSong(ctx context.Context, id string, rating model.UserRating) error {
	_, err := m.updateSong(id, func(s *model.Song) error {
		s.UserRating = rating
		return nil
	})
	return err
}

func (m *MemoryStore) RecordPlayback(ctx context.Context, id string, playDurationMs int64) error {
	_, err := m.updateSong(id, func(s *model.Song) error {
		s.ListenCount++
		s.PlayDurationMs += playDurationMs
		return nil
	})
	return err
}

func (m *MemoryStore) ReorderSong(ctx context.Context, id string, newOrderIndex float64) error {
	s, err := m.updateSong(id, func(s *model.Song) error {
		s.OrderIndex = newOrderIndex
		return nil
	})
	if err != nil {
		return err
	}
	m.publish(s.PlaylistID, id, model.EventSongReordered, nil)
	return nil
}

// ReindexPlaylist collapses fractional orderIndex placements into dense
// integers, preserving relative order.
func (m *MemoryStore) ReindexPlaylist(ctx context.Context, playlistID string) error {
	m.mu.Lock()
	var songs []*model.Song
	for _, s := range m.songs {
		if s.PlaylistID == playlistID {
			songs = append(songs, s)
		}
	}
	sort.Slice(songs, func(i, j int) bool { return songs[i].OrderIndex < songs[j].OrderIndex })
	for i, s := range songs {
		s.OrderIndex = float64(i + 1)
	}
	m.mu.Unlock()
	return nil
}

// updateSong is the single atomic read-modify-write entry point for song
// mutation.
func (m *MemoryStore) updateSong(id string, fn func(*model.Song) error) (*model.Song, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.songs[id]
	if !ok {
		return nil, fmt.Errorf("song %s: %w", id, model.ErrNotFound)
	}
	cpy := *s
	if err := fn(&cpy); err != nil {
		return nil, err
	}
	out := cpy
	m.songs[id] = &out
	ret := out
	return &ret, nil
}

// transitionSong atomically validates and applies a status transition,
// the sole mechanism by which a song's status ever changes.
func (m *MemoryStore) transitionSong(id string, event model.SongEvent, mutate func(*model.Song)) (from, to model.SongStatus, err error) {
	s, err := m.updateSong(id, func(s *model.Song) error {
		target, ok := model.ValidateSongTransition(s.Status, event)
		if !ok {
			return fmt.Errorf("song %s: status=%s event=%s: %w", id, s.Status, event, model.ErrInvalidTransition)
		}
		from = s.Status
		to = target
		if mutate != nil {
			mutate(s)
		}
		s.Status = target
		s.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		metrics.RecordTransitionRejected(string(from), string(event))
		return from, to, err
	}
	metrics.RecordTransition(string(from), string(to))
	m.publish(s.PlaylistID, id, model.EventSongStatusChanged, model.StatusChangedPayload{From: from, To: to})
	return from, to, nil
}

// --- Atomic claims ---

func (m *MemoryStore) ClaimForMetadata(ctx context.Context, songID string) (string, bool, error) {
	return m.claim(songID, model.SongPending, model.EventClaimForMetadata, "metadata")
}

func (m *MemoryStore) ClaimForAudio(ctx context.Context, songID string) (string, bool, error) {
	return m.claim(songID, model.SongMetadataReady, model.EventClaimForAudio, "audio")
}

func (m *MemoryStore) claim(songID string, want model.SongStatus, event model.SongEvent, kind string) (string, bool, error) {
	m.mu.Lock()
	s, ok := m.songs[songID]
	if !ok {
		m.mu.Unlock()
		return "", false, fmt.Errorf("song %s: %w", songID, model.ErrNotFound)
	}
	if s.Status != want {
		m.mu.Unlock()
		metrics.RecordClaimRace(kind)
		return "", false, nil
	}
	to, _ := model.ValidateSongTransition(s.Status, event)
	from := s.Status
	s.Status = to
	now := time.Now()
	s.GenerationStartedAt = &now
	s.UpdatedAt = now
	playlistID := s.PlaylistID
	m.mu.Unlock()

	metrics.RecordTransition(string(from), string(to))
	m.publish(playlistID, songID, model.EventSongStatusChanged, model.StatusChangedPayload{From: from, To: to})
	return playlistID, true, nil
}

// --- Validated status-changing operations ---

func (m *MemoryStore) CompleteMetadata(ctx context.Context, songID string, meta model.SongMetadata) error {
	_, _, err := m.transitionSong(songID, model.EventCompleteMetadata, func(s *model.Song) {
		s.Title = meta.Title
		s.ArtistName = meta.ArtistName
		s.Genre = meta.Genre
		s.SubGenre = meta.SubGenre
		s.Lyrics = meta.Lyrics
		s.Caption = meta.Caption
		s.CoverPrompt = meta.CoverPrompt
		s.BPM = meta.BPM
		s.KeyScale = meta.KeyScale
		s.TimeSignature = meta.TimeSignature
		s.AudioDuration = meta.AudioDuration
		s.VocalStyle = meta.VocalStyle
		s.Mood = meta.Mood
		s.Energy = meta.Energy
		s.Era = meta.Era
		s.Instruments = model.JSONColumn[[]string]{Value: meta.Instruments}
		s.Tags = model.JSONColumn[[]string]{Value: meta.Tags}
		s.Themes = model.JSONColumn[[]string]{Value: meta.Themes}
		s.Language = meta.Language
		s.Description = meta.Description
	})
	if err != nil {
		return err
	}
	s, _ := m.GetSong(ctx, songID)
	if s != nil {
		m.publish(s.PlaylistID, songID, model.EventSongMetadataUpdated, nil)
	}
	return nil
}

func (m *MemoryStore) UpdateCover(ctx context.Context, songID, coverURL string) error {
	_, err := m.updateSong(songID, func(s *model.Song) error {
		s.CoverURL = coverURL
		return nil
	})
	return err
}

func (m *MemoryStore) UpdateCoverProcessingMs(ctx context.Context, songID string, ms int64) error {
	_, err := m.updateSong(songID, func(s *model.Song) error {
		s.CoverProcessingMs = ms
		return nil
	})
	return err
}

func (m *MemoryStore) UpdateAceTask(ctx context.Context, songID, taskID string, submittedAt time.Time) error {
	_, _, err := m.transitionSong(songID, model.EventUpdateAceTask, func(s *model.Song) {
		s.AceTaskID = taskID
		s.AceSubmittedAt = &submittedAt
	})
	return err
}

func (m *MemoryStore) RevertToMetadataReady(ctx context.Context, songID string) error {
	_, _, err := m.updateSongWithEventFallback(songID, func(from model.SongStatus) model.SongEvent {
		switch from {
		case model.SongSubmittingToAce:
			return model.EventRevertOnRestart
		default:
			return model.EventLostTask
		}
	}, func(s *model.Song) {
		s.AceTaskID = ""
		s.AceSubmittedAt = nil
		s.AceAudioPath = ""
	})
	return err
}

func (m *MemoryStore) RevertToPending(ctx context.Context, songID string) error {
	_, _, err := m.transitionSong(songID, model.EventRevertOnRestart, nil)
	return err
}

func (m *MemoryStore) RevertToGeneratingAudio(ctx context.Context, songID string) error {
	_, _, err := m.transitionSong(songID, model.EventRevertOnRestart, nil)
	return err
}

func (m *MemoryStore) MarkReady(ctx context.Context, songID, audioURL string, completedAt time.Time, audioProcessingMs int64) error {
	var playlistID string
	_, _, err := m.transitionSong(songID, model.EventMarkReady, func(s *model.Song) {
		s.AudioURL = audioURL
		s.GenerationCompletedAt = &completedAt
		s.AudioProcessingMs = audioProcessingMs
		playlistID = s.PlaylistID
	})
	if err != nil {
		return err
	}
	return m.IncrementSongsGenerated(ctx, playlistID)
}

func (m *MemoryStore) MarkError(ctx context.Context, songID string, erroredAt model.ErroredAtStatus, errMsg string) error {
	var from, to model.SongStatus
	_, err := m.updateSong(songID, func(s *model.Song) error {
		s.RetryCount++
		s.ErrorMessage = errMsg
		s.ErroredAtStatus = erroredAt
		var event model.SongEvent
		if s.RetryCount < 3 {
			event = model.EventMarkErrorRetry
		} else {
			event = model.EventMarkErrorTerminal
		}
		var ok bool
		to, ok = model.ValidateSongTransition(s.Status, event)
		if !ok {
			return fmt.Errorf("song %s: status=%s event=%s: %w", songID, s.Status, event, model.ErrInvalidTransition)
		}
		from = s.Status
		s.Status = to
		s.UpdatedAt = time.Now()
		metrics.RecordTransition(string(from), string(to))
		return nil
	})
	if err != nil {
		return err
	}
	s, _ := m.GetSong(ctx, songID)
	if s != nil {
		m.publish(s.PlaylistID, songID, model.EventSongStatusChanged, model.StatusChangedPayload{From: from, To: to})
	}
	return nil
}

func (m *MemoryStore) RetryErrored(ctx context.Context, songID string) error {
	s, err := m.GetSong(ctx, songID)
	if err != nil {
		return err
	}
	event := model.EventRetryToPending
	if s.ErroredAtStatus.RetryTarget() == model.SongMetadataReady {
		event = model.EventRetryToMetadata
	}
	_, _, err = m.transitionSong(songID, event, nil)
	return err
}

func (m *MemoryStore) UpdateStoragePath(ctx context.Context, songID, storagePath, aceAudioPath string) error {
	_, err := m.updateSong(songID, func(s *model.Song) error {
		s.StoragePath = storagePath
		s.AceAudioPath = aceAudioPath
		return nil
	})
	return err
}

func (m *MemoryStore) UpdateAudioDuration(ctx context.Context, songID string, seconds float64) error {
	_, err := m.updateSong(songID, func(s *model.Song) error {
		s.AudioDuration = seconds
		return nil
	})
	return err
}

func (m *MemoryStore) IncrementSongsGenerated(ctx context.Context, playlistID string) error {
	_, err := m.updatePlaylist(playlistID, func(p *model.Playlist) error {
		p.SongsGenerated++
		if p.SongsGenerated < 0 {
			return fmt.Errorf("songsGenerated invariant violated")
		}
		return nil
	})
	return err
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, songID string, event model.SongEvent) error {
	_, _, err := m.transitionSong(songID, event, nil)
	return err
}

// updateSongWithEventFallback picks the event based on the song's current
// status (used by RevertToMetadataReady, which is reachable from either
// submitting_to_ace or generating_audio per the §4.4 edge table).
func (m *MemoryStore) updateSongWithEventFallback(songID string, pick func(from model.SongStatus) model.SongEvent, mutate func(*model.Song)) (from, to model.SongStatus, err error) {
	s, err := m.updateSong(songID, func(s *model.Song) error {
		event := pick(s.Status)
		target, ok := model.ValidateSongTransition(s.Status, event)
		if !ok {
			return fmt.Errorf("song %s: status=%s event=%s: %w", songID, s.Status, event, model.ErrInvalidTransition)
		}
		from = s.Status
		to = target
		if mutate != nil {
			mutate(s)
		}
		s.Status = target
		s.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return from, to, err
	}
	metrics.RecordTransition(string(from), string(to))
	m.publish(s.PlaylistID, songID, model.EventSongStatusChanged, model.StatusChangedPayload{From: from, To: to})
	return from, to, nil
}

// --- Settings ---

func (m *MemoryStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *MemoryStore) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	m.settings[key] = value
	m.mu.Unlock()
	return nil
}

// --- Work queue snapshot ---

const (
	bufferTarget       = 5
	stalenessThreshold = 20 * time.Minute
)

func (m *MemoryStore) GetWorkQueue(ctx context.Context, playlistID string) (*model.WorkQueueSnapshot, error) {
	m.mu.Lock()
	p, ok := m.playlists[playlistID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("playlist %s: %w", playlistID, model.ErrNotFound)
	}
	currentOrderIndex := p.CurrentOrderIndex
	currentEpoch := p.PromptEpoch

	var all []*model.Song
	for _, s := range m.songs {
		if s.PlaylistID == playlistID {
			cpy := *s
			all = append(all, &cpy)
		}
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].OrderIndex < all[j].OrderIndex })

	snap := &model.WorkQueueSnapshot{CurrentEpoch: currentEpoch, TotalSongs: len(all)}
	now := time.Now()
	var songsAhead int
	var completed []*model.Song
	var maxIdx float64

	for _, s := range all {
		if s.OrderIndex > maxIdx {
			maxIdx = s.OrderIndex
		}
		switch s.Status {
		case model.SongPending:
			snap.Pending = append(snap.Pending, s)
		case model.SongMetadataReady:
			snap.MetadataReady = append(snap.MetadataReady, s)
			snap.NeedsCover = append(snap.NeedsCover, s)
		case model.SongGeneratingAudio:
			snap.GeneratingAudio = append(snap.GeneratingAudio, s)
		case model.SongRetryPending:
			snap.RetryPending = append(snap.RetryPending, s)
		}
		if model.TransientStatuses[s.Status] {
			snap.TransientCount++
		}
		if s.OrderIndex > currentOrderIndex && model.ActiveStatuses[s.Status] && s.PromptEpoch == currentEpoch {
			songsAhead++
		}
		if s.IsStale(now, stalenessThreshold) {
			snap.StaleSongs = append(snap.StaleSongs, s)
			snap.NeedsRecovery = append(snap.NeedsRecovery, s)
		}
		if s.Status == model.SongReady {
			completed = append(completed, s)
		}
		if s.Description != "" {
			snap.RecentDescriptions = append(snap.RecentDescriptions, s.Description)
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
	for _, s := range completed {
		snap.RecentCompleted = append(snap.RecentCompleted, model.RecentSong{
			Title: s.Title, ArtistName: s.ArtistName, Genre: s.Genre,
			SubGenre: s.SubGenre, VocalStyle: s.VocalStyle, Mood: s.Mood, Energy: s.Energy,
		})
	}
	if n := len(snap.RecentDescriptions); n > 20 {
		snap.RecentDescriptions = snap.RecentDescriptions[n-20:]
	}

	metrics.SetBufferDeficit(playlistID, snap.BufferDeficit)
	return snap, nil
}
