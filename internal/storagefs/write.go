// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package storagefs implements the archival save-and-finalize step for a
// completed song (spec §4.5): resolving a stable on-disk folder, writing
// the audio/cover/lyrics/log artifacts durably, and maintaining a
// by-id lookup. All of it is best-effort — failures here must never
// prevent a song from being marked ready.
package storagefs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/infinitune/infinitune/internal/log"
)

// FinalizeInput bundles everything SaveAndFinalize needs for one song.
type FinalizeInput struct {
	SongID       string
	Genre        string
	SubGenre     string
	ArtistName   string
	Title        string
	Lyrics       string
	AceAudioPath string // URL the audio service reports for the finished render
	CoverBytes   []byte // already-downloaded cover bytes from the cover step, if any
	CoverURL     string // fallback: fetch cover from this URL if CoverBytes is empty
	Metadata     any    // arbitrary JSON-able record written to generation.log
}

// FinalizeResult is what the caller persists via updateStoragePath.
type FinalizeResult struct {
	StoragePath  string
	AceAudioPath string
}

// SaveAndFinalize resolves {root}/{genre}/{subGenre}/{artist - title},
// writes audio.mp3, cover.png (if available), lyrics.txt and
// generation.log into it, and maintains a .by-id/<songId> pointer to the
// folder. Every step after folder resolution is logged-and-continued on
// failure; the caller proceeds to markReady regardless.
func SaveAndFinalize(ctx context.Context, client *http.Client, root string, in FinalizeInput) FinalizeResult {
	logger := log.WithComponent("storagefs").With().Str("song_id", in.SongID).Logger()

	folder := filepath.Join(root,
		sanitizePathSegment(in.Genre),
		sanitizePathSegment(in.SubGenre),
		artistTitleSegment(in.ArtistName, in.Title),
	)

	if err := os.MkdirAll(folder, 0o755); err != nil {
		logger.Warn().Err(err).Str("folder", folder).Msg("failed to create song folder, archival skipped")
		return FinalizeResult{AceAudioPath: in.AceAudioPath}
	}

	linkByID(logger, root, in.SongID, folder)

	if in.AceAudioPath != "" {
		if err := downloadAndWrite(ctx, client, in.AceAudioPath, filepath.Join(folder, "audio.mp3")); err != nil {
			logger.Warn().Err(err).Msg("failed to archive audio.mp3")
		}
	}

	coverBytes := in.CoverBytes
	if len(coverBytes) == 0 && in.CoverURL != "" {
		if b, err := downloadBytes(ctx, client, in.CoverURL); err != nil {
			logger.Warn().Err(err).Msg("failed to fetch cover for archival")
		} else {
			coverBytes = b
		}
	}
	if len(coverBytes) > 0 {
		if err := writeFileAtomic(filepath.Join(folder, "cover.png"), coverBytes); err != nil {
			logger.Warn().Err(err).Msg("failed to archive cover.png")
		}
	}

	if err := writeFileAtomic(filepath.Join(folder, "lyrics.txt"), []byte(in.Lyrics)); err != nil {
		logger.Warn().Err(err).Msg("failed to archive lyrics.txt")
	}

	if err := writeGenerationLog(folder, in); err != nil {
		logger.Warn().Err(err).Msg("failed to archive generation.log")
	}

	return FinalizeResult{StoragePath: folder, AceAudioPath: in.AceAudioPath}
}

// linkByID creates root/.by-id/<songId> pointing at folder, preferring a
// symlink and falling back to a plain file containing the absolute path
// when symlinks are unavailable (spec §4.5 point 1).
func linkByID(logger zerolog.Logger, root, songID, folder string) {
	byIDDir := filepath.Join(root, ".by-id")
	if err := os.MkdirAll(byIDDir, 0o755); err != nil {
		logger.Warn().Err(err).Msg("failed to create .by-id directory")
		return
	}

	linkPath := filepath.Join(byIDDir, songID)
	_ = os.Remove(linkPath)

	absFolder, err := filepath.Abs(folder)
	if err != nil {
		absFolder = folder
	}

	if err := os.Symlink(absFolder, linkPath); err != nil {
		if werr := writeFileAtomic(linkPath, []byte(absFolder)); werr != nil {
			logger.Warn().Err(werr).Msg("failed to write .by-id fallback file")
		}
	}
}

func downloadAndWrite(ctx context.Context, client *http.Client, url, dest string) error {
	b, err := downloadBytes(ctx, client, url)
	if err != nil {
		return err
	}
	return writeFileAtomic(dest, b)
}

func downloadBytes(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// writeFileAtomic writes data to path via a temp-file-then-fsync-rename,
// the same durability guarantee the teacher's playlist/XMLTV writer uses.
func writeFileAtomic(path string, data []byte) error {
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() {
		_ = pendingFile.Cleanup()
	}()

	if _, err := pendingFile.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace file: %w", err)
	}
	return nil
}

func writeGenerationLog(folder string, in FinalizeInput) error {
	record := struct {
		SongID       string    `json:"songId"`
		AceAudioPath string    `json:"aceAudioPath"`
		Metadata     any       `json:"metadata"`
		FinalizedAt  time.Time `json:"finalizedAt"`
	}{
		SongID:       in.SongID,
		AceAudioPath: in.AceAudioPath,
		Metadata:     in.Metadata,
		FinalizedAt:  time.Now().UTC(),
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal generation log: %w", err)
	}
	return writeFileAtomic(filepath.Join(folder, "generation.log"), data)
}
