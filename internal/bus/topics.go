// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

// TopicGlobal carries every event regardless of playlist; the supervisor
// subscribes here to notice new/deleted playlists.
const TopicGlobal = "events.global"

// TopicPlaylist returns the topic a playlist's controller subscribes to.
// The store publishes every event for a playlist on both this topic and
// TopicGlobal.
func TopicPlaylist(playlistID string) string {
	return "events.playlist." + playlistID
}
