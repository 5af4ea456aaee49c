// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SongTransitionTotal counts successful song FSM transitions by edge.
	SongTransitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_song_transition_total",
		Help: "Total number of song status transitions, by from/to status.",
	}, []string{"from", "to"})

	// SongTransitionRejectedTotal counts rejected transition attempts.
	SongTransitionRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_song_transition_rejected_total",
		Help: "Total number of rejected song status transition attempts, by from status and event.",
	}, []string{"from", "event"})

	// ClaimRaceTotal counts atomic claim attempts that lost the race
	// (song had already moved out of the claimable status).
	ClaimRaceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_claim_race_total",
		Help: "Total number of claim attempts that found the song already claimed, by claim kind.",
	}, []string{"kind"})
)

// RecordTransition increments the transition counter for from->to.
func RecordTransition(from, to string) {
	SongTransitionTotal.WithLabelValues(from, to).Inc()
}

// RecordTransitionRejected increments the rejected-transition counter.
func RecordTransitionRejected(from, event string) {
	SongTransitionRejectedTotal.WithLabelValues(from, event).Inc()
}

// RecordClaimRace increments the claim-race counter for the given claim kind
// ("metadata" or "audio").
func RecordClaimRace(kind string) {
	ClaimRaceTotal.WithLabelValues(kind).Inc()
}
