// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

// Priority implements the per-song ordering from spec §4.7. Lower values
// run sooner. It lives here, not in the controller or worker package,
// because both need to compute and recompute it without importing each
// other.
type PriorityInput struct {
	IsOneshotPlaylist bool
	IsInterrupt       bool
	OrderIndex        float64
	CurrentOrderIndex float64
	SongEpoch         int
	CurrentEpoch      int
	PlaylistClosing   bool
}

const (
	priorityOneshot       = 0
	priorityInterrupt     = 1
	priorityNormalBase    = 100
	priorityOldEpochStep  = 5000
	priorityClosingBonus  = 10000
)

// Priority computes the integer priority for a song per the table in
// spec §4.7.
func Priority(in PriorityInput) int {
	if in.IsOneshotPlaylist {
		return priorityOneshot
	}
	if in.IsInterrupt {
		return priorityInterrupt
	}

	distance := in.OrderIndex - in.CurrentOrderIndex
	if distance < 0 {
		distance = 0
	}
	p := priorityNormalBase + int(distance)

	if in.CurrentEpoch > in.SongEpoch {
		p += priorityOldEpochStep * (in.CurrentEpoch - in.SongEpoch)
	}
	if in.PlaylistClosing {
		p += priorityClosingBonus
	}
	return p
}
