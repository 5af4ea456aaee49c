// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by store operations. Callers match with
// errors.Is; wrapped context (song/playlist id) is added via fmt.Errorf.
var (
	ErrNotFound          = errors.New("model: not found")
	ErrNotClaimed        = errors.New("model: not claimed")
	ErrInvalidTransition = errors.New("model: invalid transition")
	ErrCancelled         = errors.New("model: cancelled")
)

// SteerEntry records one prompt-steering edit in a playlist's history.
type SteerEntry struct {
	Epoch  int       `json:"epoch"`
	Prompt string    `json:"prompt"`
	At     time.Time `json:"at"`
}

// GenerationHints are optional per-playlist defaults passed through to the
// TextGenerator/AudioService adapters.
type GenerationHints struct {
	BPM            int     `json:"bpm,omitempty"`
	Key            string  `json:"key,omitempty"`
	TimeSignature  string  `json:"timeSignature,omitempty"`
	DurationSec    int     `json:"durationSec,omitempty"`
	InferenceSteps int     `json:"inferenceSteps,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	CFGScale       float64 `json:"cfgScale,omitempty"`
	Language       string  `json:"language,omitempty"`
}

// Playlist is a long-lived generative station (spec §3).
type Playlist struct {
	ID         string `json:"id"`
	PlaylistKey string `json:"playlistKey,omitempty"`

	Prompt    string       `json:"prompt"`
	LLMProvider string     `json:"llmProvider"`
	LLMModel    string     `json:"llmModel"`
	Mode      PlaylistMode `json:"mode"`
	Hints     GenerationHints `json:"hints,omitempty"`

	Status            PlaylistStatus         `json:"status"`
	CurrentOrderIndex float64                `json:"currentOrderIndex"`
	SongsGenerated    int64                  `json:"songsGenerated"`
	LastSeenAt        time.Time              `json:"lastSeenAt"`
	PromptEpoch       int                    `json:"promptEpoch"`
	SteerHistory      JSONColumn[[]SteerEntry] `json:"steerHistory"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RecentSong is the shape of one entry in getWorkQueue's recentCompleted
// list (spec §4.1): just enough to steer the LLM away from repetition.
type RecentSong struct {
	Title      string `json:"title"`
	ArtistName string `json:"artistName"`
	Genre      string `json:"genre"`
	SubGenre   string `json:"subGenre"`
	VocalStyle string `json:"vocalStyle"`
	Mood       string `json:"mood"`
	Energy     string `json:"energy"`
}

// Song is one generated track within a playlist (spec §3).
type Song struct {
	ID         string  `json:"id"`
	PlaylistID string  `json:"playlistId"`
	OrderIndex float64 `json:"orderIndex"`

	Title       string `json:"title,omitempty"`
	ArtistName  string `json:"artistName,omitempty"`
	Genre       string `json:"genre,omitempty"`
	SubGenre    string `json:"subGenre,omitempty"`
	Lyrics      string `json:"lyrics,omitempty"`
	Caption     string `json:"caption,omitempty"`
	CoverPrompt string `json:"coverPrompt,omitempty"`
	BPM         int    `json:"bpm,omitempty"`
	KeyScale    string `json:"keyScale,omitempty"`
	TimeSignature string `json:"timeSignature,omitempty"`
	AudioDuration float64 `json:"audioDuration,omitempty"`
	VocalStyle  string `json:"vocalStyle,omitempty"`
	Mood        string `json:"mood,omitempty"`
	Energy      string `json:"energy,omitempty"`
	Era         string `json:"era,omitempty"`
	Instruments JSONColumn[[]string] `json:"instruments,omitempty"`
	Tags        JSONColumn[[]string] `json:"tags,omitempty"`
	Themes      JSONColumn[[]string] `json:"themes,omitempty"`
	Language    string `json:"language,omitempty"`
	Description string `json:"description,omitempty"`

	CoverURL     string `json:"coverUrl,omitempty"`
	AudioURL     string `json:"audioUrl,omitempty"`
	StoragePath  string `json:"storagePath,omitempty"`
	AceAudioPath string `json:"aceAudioPath,omitempty"`

	Status              SongStatus      `json:"status"`
	AceTaskID           string          `json:"aceTaskId,omitempty"`
	AceSubmittedAt      *time.Time      `json:"aceSubmittedAt,omitempty"`
	GenerationStartedAt *time.Time      `json:"generationStartedAt,omitempty"`
	GenerationCompletedAt *time.Time    `json:"generationCompletedAt,omitempty"`
	RetryCount          int             `json:"retryCount"`
	ErrorMessage        string          `json:"errorMessage,omitempty"`
	ErroredAtStatus     ErroredAtStatus `json:"erroredAtStatus,omitempty"`

	MetadataProcessingMs int64 `json:"metadataProcessingMs,omitempty"`
	CoverProcessingMs    int64 `json:"coverProcessingMs,omitempty"`
	AudioProcessingMs    int64 `json:"audioProcessingMs,omitempty"`

	PromptEpoch     int    `json:"promptEpoch"`
	IsInterrupt     bool   `json:"isInterrupt,omitempty"`
	InterruptPrompt string `json:"interruptPrompt,omitempty"`

	UserRating     UserRating `json:"userRating,omitempty"`
	ListenCount    int64      `json:"listenCount"`
	PlayDurationMs int64      `json:"playDurationMs"`
	PersonaExtract string     `json:"personaExtract,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EffectiveStartedAt returns the timestamp the staleness rule (§4.4)
// measures against for this song's current status.
func (s *Song) EffectiveStartedAt() *time.Time {
	if s.Status == SongGeneratingAudio && s.AceSubmittedAt != nil {
		return s.AceSubmittedAt
	}
	return s.GenerationStartedAt
}

// IsStale reports whether the song has sat in a staleness-eligible status
// past the threshold, per spec §4.4.
func (s *Song) IsStale(now time.Time, threshold time.Duration) bool {
	if !StaleEligible[s.Status] {
		return false
	}
	ts := s.EffectiveStartedAt()
	if ts == nil {
		return false
	}
	return now.Sub(*ts) > threshold
}

// SongMetadata is the stable wire contract returned by a TextGenerator
// (spec §6) — bit-exact, external callers depend on its field names.
type SongMetadata struct {
	Title         string   `json:"title"`
	ArtistName    string   `json:"artistName"`
	Genre         string   `json:"genre"`
	SubGenre      string   `json:"subGenre"`
	Lyrics        string   `json:"lyrics"`
	Caption       string   `json:"caption"`
	CoverPrompt   string   `json:"coverPrompt"`
	BPM           int      `json:"bpm"`
	KeyScale      string   `json:"keyScale"`
	TimeSignature string   `json:"timeSignature"`
	AudioDuration float64  `json:"audioDuration"`
	VocalStyle    string   `json:"vocalStyle,omitempty"`
	Mood          string   `json:"mood,omitempty"`
	Energy        string   `json:"energy,omitempty"`
	Era           string   `json:"era,omitempty"`
	Instruments   []string `json:"instruments,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Themes        []string `json:"themes,omitempty"`
	Language      string   `json:"language,omitempty"`
	Description   string   `json:"description,omitempty"`
}

// Setting is a simple key→string configuration entry (spec §3).
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// WorkQueueSnapshot is the consistent, point-in-time view returned by
// Store.GetWorkQueue (spec §4.1).
type WorkQueueSnapshot struct {
	Pending         []*Song
	MetadataReady   []*Song
	NeedsCover      []*Song
	GeneratingAudio []*Song
	RetryPending    []*Song
	NeedsRecovery   []*Song

	BufferDeficit      int
	MaxOrderIndex      float64
	TotalSongs         int
	TransientCount     int
	CurrentEpoch       int
	RecentCompleted    []RecentSong
	RecentDescriptions []string
	StaleSongs         []*Song
}

// JSONColumn wraps a value stored as a JSON-typed database column,
// implementing sql.Scanner/driver.Valuer so it round-trips transparently
// through both the SQLite and in-memory stores.
type JSONColumn[T any] struct {
	Value T
}

// Scan implements sql.Scanner.
func (c *JSONColumn[T]) Scan(src any) error {
	if src == nil {
		var zero T
		c.Value = zero
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("model: JSONColumn.Scan: unsupported source type %T", src)
	}
	if len(raw) == 0 {
		var zero T
		c.Value = zero
		return nil
	}
	return json.Unmarshal(raw, &c.Value)
}

// Value implements driver.Valuer.
func (c JSONColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(c.Value)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// MarshalJSON delegates to the wrapped value so JSONColumn is transparent
// in API responses too.
func (c JSONColumn[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Value)
}

// UnmarshalJSON delegates to the wrapped value.
func (c *JSONColumn[T]) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &c.Value)
}
