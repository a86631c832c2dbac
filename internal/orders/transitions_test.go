package orders

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate_RejectsEveryPairOutsideTable(t *testing.T) {
	for _, current := range AllStatuses() {
		for _, target := range AllStatuses() {
			err := Validate(current, target)
			if CanTransition(current, target) {
				require.NoError(t, err, "%s -> %s", current, target)
				continue
			}
			var ite *InvalidTransitionError
			require.True(t, errors.As(err, &ite), "%s -> %s", current, target)
			require.Equal(t, current, ite.Current)
			require.Equal(t, target, ite.Target)
			require.Equal(t, ValidNext(current), ite.ValidNext)
		}
	}
}

func TestTerminalStatuses_HaveNoEdges(t *testing.T) {
	for _, terminal := range []Status{StatusCompleted, StatusCancelled} {
		require.True(t, IsTerminal(terminal))
		require.Empty(t, ValidNext(terminal))
		for _, target := range AllStatuses() {
			require.False(t, CanTransition(terminal, target))
			require.Error(t, Validate(terminal, target))
		}
		require.False(t, IsNoop(terminal, terminal))
	}
}

func TestCancelledReachableFromEveryNonTerminal(t *testing.T) {
	for _, s := range AllStatuses() {
		if IsTerminal(s) {
			continue
		}
		require.True(t, CanTransition(s, StatusCancelled), string(s))
		require.True(t, IsNoop(s, s), string(s))
	}
}

func TestValidate_PreparingToCompleted(t *testing.T) {
	err := Validate(StatusPreparing, StatusCompleted)
	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	require.Equal(t, []Status{StatusReady, StatusCancelled}, ite.ValidNext)
	require.Contains(t, err.Error(), "ready, cancelled")
}

func TestValidNext_ReturnsCopy(t *testing.T) {
	next := ValidNext(StatusNew)
	next[0] = StatusCompleted
	require.Equal(t, []Status{StatusPending, StatusCancelled}, ValidNext(StatusNew))
}

func TestPathTo(t *testing.T) {
	path, ok := PathTo(StatusNew, StatusPreparing)
	require.True(t, ok)
	require.Equal(t, []Status{StatusPending, StatusConfirmed, StatusPreparing}, path)

	path, ok = PathTo(StatusConfirmed, StatusPreparing)
	require.True(t, ok)
	require.Equal(t, []Status{StatusPreparing}, path)

	_, ok = PathTo(StatusReady, StatusPreparing)
	require.False(t, ok)
	_, ok = PathTo(StatusCancelled, StatusPreparing)
	require.False(t, ok)

	path, ok = PathTo(StatusPending, StatusCancelled)
	require.True(t, ok)
	require.Equal(t, []Status{StatusCancelled}, path)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Picked-Up ")
	require.NoError(t, err)
	require.Equal(t, StatusPickedUp, s)

	_, err = ParseStatus("shipped")
	var use *UnknownStatusError
	require.ErrorAs(t, err, &use)
	require.True(t, IsRejection(err))
}
