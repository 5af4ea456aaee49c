// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type state string
type event string

const (
	stateA state = "a"
	stateB state = "b"
	stateC state = "c"

	eventAB event = "ab"
	eventBC event = "bc"
)

func sampleTransitions() []Transition[state, event] {
	return []Transition[state, event]{
		{From: stateA, Event: eventAB, To: stateB},
		{From: stateB, Event: eventBC, To: stateC},
	}
}

func TestFireValidEdgeAdvancesState(t *testing.T) {
	m, err := New(stateA, sampleTransitions())
	require.NoError(t, err)

	to, err := m.Fire(context.Background(), eventAB)
	require.NoError(t, err)
	require.Equal(t, stateB, to)
	require.Equal(t, stateB, m.State())
}

func TestFireInvalidEdgeRejected(t *testing.T) {
	m, err := New(stateA, sampleTransitions())
	require.NoError(t, err)

	_, err = m.Fire(context.Background(), eventBC)
	require.Error(t, err)
	require.Equal(t, stateA, m.State(), "rejected transition must not mutate state")
}

func TestCanFireMatchesFire(t *testing.T) {
	m, err := New(stateA, sampleTransitions())
	require.NoError(t, err)

	require.True(t, m.CanFire(eventAB))
	require.False(t, m.CanFire(eventBC))
}

func TestDuplicateTransitionRejectedAtConstruction(t *testing.T) {
	dup := append(sampleTransitions(), Transition[state, event]{From: stateA, Event: eventAB, To: stateC})
	_, err := New(stateA, dup)
	require.Error(t, err)
}

func TestGuardRejectionLeavesStateUnchanged(t *testing.T) {
	guardErr := errors.New("guard refused")
	transitions := []Transition[state, event]{
		{From: stateA, Event: eventAB, To: stateB, Guard: func(ctx context.Context, from state, ev event) error {
			return guardErr
		}},
	}
	m, err := New(stateA, transitions)
	require.NoError(t, err)

	_, err = m.Fire(context.Background(), eventAB)
	require.ErrorIs(t, err, guardErr)
	require.Equal(t, stateA, m.State())
}

func TestActionRunsBeforeStateCommits(t *testing.T) {
	var observedDuringAction state
	var m *Machine[state, event]
	transitions := []Transition[state, event]{
		{From: stateA, Event: eventAB, To: stateB, Action: func(ctx context.Context, from, to state, ev event) error {
			observedDuringAction = m.State()
			return nil
		}},
	}
	m, err := New(stateA, transitions)
	require.NoError(t, err)

	to, err := m.Fire(context.Background(), eventAB)
	require.NoError(t, err)
	require.Equal(t, stateA, observedDuringAction, "action observes the pre-transition state")
	require.Equal(t, stateB, to)
}
