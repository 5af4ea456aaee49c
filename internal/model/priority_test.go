// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import "testing"

func TestPriorityOneshotPreemptsEverything(t *testing.T) {
	got := Priority(PriorityInput{IsOneshotPlaylist: true, IsInterrupt: false, OrderIndex: 50, CurrentOrderIndex: 0})
	if got != 0 {
		t.Fatalf("oneshot priority = %d, want 0", got)
	}
}

func TestPriorityInterruptBeatsNormal(t *testing.T) {
	interrupt := Priority(PriorityInput{IsInterrupt: true})
	normal := Priority(PriorityInput{OrderIndex: 1, CurrentOrderIndex: 0})
	if interrupt >= normal {
		t.Fatalf("interrupt priority %d should be lower than normal %d", interrupt, normal)
	}
}

func TestPriorityNormalOrdersByForwardDistance(t *testing.T) {
	near := Priority(PriorityInput{OrderIndex: 2, CurrentOrderIndex: 1})
	far := Priority(PriorityInput{OrderIndex: 10, CurrentOrderIndex: 1})
	if near >= far {
		t.Fatalf("nearer song priority %d should be lower than farther song %d", near, far)
	}
}

func TestPriorityClampsNegativeDistanceToZero(t *testing.T) {
	behind := Priority(PriorityInput{OrderIndex: 1, CurrentOrderIndex: 5})
	atPosition := Priority(PriorityInput{OrderIndex: 5, CurrentOrderIndex: 5})
	if behind != atPosition {
		t.Fatalf("song behind playback (priority %d) should tie with song at position (priority %d)", behind, atPosition)
	}
}

func TestPriorityOldEpochDeprioritizesProportionally(t *testing.T) {
	fresh := Priority(PriorityInput{OrderIndex: 1, CurrentOrderIndex: 0, SongEpoch: 2, CurrentEpoch: 2})
	oneEpochBehind := Priority(PriorityInput{OrderIndex: 1, CurrentOrderIndex: 0, SongEpoch: 1, CurrentEpoch: 2})
	twoEpochsBehind := Priority(PriorityInput{OrderIndex: 1, CurrentOrderIndex: 0, SongEpoch: 0, CurrentEpoch: 2})

	if oneEpochBehind-fresh != 5000 {
		t.Fatalf("one epoch behind should add exactly 5000, got delta %d", oneEpochBehind-fresh)
	}
	if twoEpochsBehind-fresh != 10000 {
		t.Fatalf("two epochs behind should add exactly 10000, got delta %d", twoEpochsBehind-fresh)
	}
}

func TestPriorityClosingPlaylistYieldsButStillDrains(t *testing.T) {
	active := Priority(PriorityInput{OrderIndex: 1, CurrentOrderIndex: 0})
	closing := Priority(PriorityInput{OrderIndex: 1, CurrentOrderIndex: 0, PlaylistClosing: true})
	if closing-active != 10000 {
		t.Fatalf("closing bonus should add exactly 10000, got delta %d", closing-active)
	}
	// Still finite, still admissible -- a closing playlist drains, it
	// doesn't starve forever behind an unbounded priority.
	if closing <= 0 {
		t.Fatalf("closing priority must remain a positive, schedulable value, got %d", closing)
	}
}
