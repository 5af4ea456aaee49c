// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package storagefs

import (
	"fmt"
	"os"
	"path/filepath"
)

// CoverStore publishes a song's cover bytes to a URL the SongWorker can
// write back via updateCover, ahead of the (much slower) audio step
// completing and archival running. The durable cover.png written into
// the final song folder by SaveAndFinalize is a separate concern; this
// is the quick "cover is ready" publish path (spec §4.4 cover step).
//
// On-disk cover/audio storage beyond the save-and-finalize contract is
// explicitly out of scope (spec §1); this is the minimal local
// implementation that keeps the pipeline runnable standalone, the way
// a real deployment's API-layer artifact store would.
type CoverStore struct {
	root string
}

// NewCoverStore constructs a store rooted at root/.covers.
func NewCoverStore(root string) *CoverStore {
	return &CoverStore{root: filepath.Join(root, ".covers")}
}

// Save writes data as <songID>.<ext> under the cover root and returns a
// relative URL an API layer can serve directly.
func (c *CoverStore) Save(songID, ext string, data []byte) (string, error) {
	if ext == "" {
		ext = "png"
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return "", fmt.Errorf("save cover: create dir: %w", err)
	}
	filename := fmt.Sprintf("%s.%s", songID, ext)
	path := filepath.Join(c.root, filename)
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("save cover: %w", err)
	}
	return "/covers/" + filename, nil
}
