// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

// schema is applied once at SQLiteStore startup. Indices follow spec §6:
// songs.playlistId, (songs.playlistId, songs.status),
// (songs.playlistId, songs.orderIndex), songs.userRating, playlists.playlistKey.
const schema = `
CREATE TABLE IF NOT EXISTS playlists (
	id                   TEXT PRIMARY KEY,
	playlist_key         TEXT,
	prompt               TEXT NOT NULL,
	llm_provider         TEXT NOT NULL DEFAULT '',
	llm_model            TEXT NOT NULL DEFAULT '',
	mode                 TEXT NOT NULL,
	hints                TEXT NOT NULL DEFAULT '{}',
	status               TEXT NOT NULL,
	current_order_index  REAL NOT NULL DEFAULT 0,
	songs_generated      INTEGER NOT NULL DEFAULT 0,
	last_seen_at         DATETIME,
	prompt_epoch         INTEGER NOT NULL DEFAULT 0,
	steer_history        TEXT NOT NULL DEFAULT '[]',
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_playlists_key ON playlists(playlist_key) WHERE playlist_key != '';

CREATE TABLE IF NOT EXISTS songs (
	id                       TEXT PRIMARY KEY,
	playlist_id              TEXT NOT NULL REFERENCES playlists(id) ON DELETE CASCADE,
	order_index              REAL NOT NULL,

	title                    TEXT NOT NULL DEFAULT '',
	artist_name              TEXT NOT NULL DEFAULT '',
	genre                    TEXT NOT NULL DEFAULT '',
	sub_genre                TEXT NOT NULL DEFAULT '',
	lyrics                   TEXT NOT NULL DEFAULT '',
	caption                  TEXT NOT NULL DEFAULT '',
	cover_prompt             TEXT NOT NULL DEFAULT '',
	bpm                      INTEGER NOT NULL DEFAULT 0,
	key_scale                TEXT NOT NULL DEFAULT '',
	time_signature           TEXT NOT NULL DEFAULT '',
	audio_duration           REAL NOT NULL DEFAULT 0,
	vocal_style              TEXT NOT NULL DEFAULT '',
	mood                     TEXT NOT NULL DEFAULT '',
	energy                   TEXT NOT NULL DEFAULT '',
	era                      TEXT NOT NULL DEFAULT '',
	instruments              TEXT NOT NULL DEFAULT '[]',
	tags                     TEXT NOT NULL DEFAULT '[]',
	themes                   TEXT NOT NULL DEFAULT '[]',
	language                 TEXT NOT NULL DEFAULT '',
	description              TEXT NOT NULL DEFAULT '',

	cover_url                TEXT NOT NULL DEFAULT '',
	audio_url                TEXT NOT NULL DEFAULT '',
	storage_path             TEXT NOT NULL DEFAULT '',
	ace_audio_path           TEXT NOT NULL DEFAULT '',

	status                   TEXT NOT NULL,
	ace_task_id              TEXT NOT NULL DEFAULT '',
	ace_submitted_at         DATETIME,
	generation_started_at    DATETIME,
	generation_completed_at  DATETIME,
	retry_count              INTEGER NOT NULL DEFAULT 0,
	error_message            TEXT NOT NULL DEFAULT '',
	errored_at_status        TEXT NOT NULL DEFAULT '',

	metadata_processing_ms   INTEGER NOT NULL DEFAULT 0,
	cover_processing_ms      INTEGER NOT NULL DEFAULT 0,
	audio_processing_ms      INTEGER NOT NULL DEFAULT 0,

	prompt_epoch             INTEGER NOT NULL DEFAULT 0,
	is_interrupt             INTEGER NOT NULL DEFAULT 0,
	interrupt_prompt         TEXT NOT NULL DEFAULT '',

	user_rating              TEXT NOT NULL DEFAULT '',
	listen_count             INTEGER NOT NULL DEFAULT 0,
	play_duration_ms         INTEGER NOT NULL DEFAULT 0,
	persona_extract          TEXT NOT NULL DEFAULT '',

	created_at               DATETIME NOT NULL,
	updated_at               DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_songs_playlist ON songs(playlist_id);
CREATE INDEX IF NOT EXISTS idx_songs_playlist_status ON songs(playlist_id, status);
CREATE INDEX IF NOT EXISTS idx_songs_playlist_order ON songs(playlist_id, order_index);
CREATE INDEX IF NOT EXISTS idx_songs_rating ON songs(user_rating);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
