// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package storagefs

import (
	"regexp"
	"strings"
)

var forbiddenPathChars = regexp.MustCompile(`[/\\:*?"<>|\x00-\x1f]`)
var repeatedUnderscore = regexp.MustCompile(`_+`)

// sanitizePathSegment replaces characters that are unsafe in a filesystem
// path segment with underscores, so free-text genre/artist/title fields
// can be used directly as folder names (spec §4.5 point 1).
func sanitizePathSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	s = forbiddenPathChars.ReplaceAllString(s, "_")
	s = repeatedUnderscore.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_ ")
	if s == "" {
		return "unknown"
	}
	if len(s) > 120 {
		s = strings.TrimRight(s[:120], "_ ")
	}
	return s
}

// artistTitleSegment builds the "{artist} - {title}" leaf folder name.
func artistTitleSegment(artist, title string) string {
	artist = sanitizePathSegment(artist)
	title = sanitizePathSegment(title)
	return artist + " - " + title
}
