// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSongID       = "song_id"
	FieldPlaylistID   = "playlist_id"
	FieldCorrelation  = "correlation_id"
	FieldJobID        = "job_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldEndpoint  = "endpoint"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"
	FieldReason    = "reason"

	// Generation fields
	FieldProvider = "provider"
	FieldModel    = "model"
	FieldPriority = "priority"
)
