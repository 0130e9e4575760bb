package reactivation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateTransitionAllowsPipelineFlow(t *testing.T) {
	steps := []struct {
		from TaskStatus
		to   TaskStatus
	}{
		{StatusPending, StatusProcessing},
		{StatusProcessing, StatusTesting},
		{StatusTesting, StatusDebugging},
		{StatusDebugging, StatusTesting},
		{StatusTesting, StatusQualityCheck},
		{StatusQualityCheck, StatusCompleted},
	}
	for _, s := range steps {
		require.NoError(t, ValidateTransition(s.from, s.to), "%s -> %s", s.from, s.to)
	}
}

func TestValidateTransitionSelfTransitionIsNoop(t *testing.T) {
	for from := range validTaskTransitions {
		require.NoError(t, ValidateTransition(from, from), "%s -> %s", from, from)
	}
}

func TestValidateTransitionCompletedIsTerminal(t *testing.T) {
	require.True(t, StatusCompleted.Terminal())

	for _, to := range []TaskStatus{
		StatusPending, StatusProcessing, StatusTesting,
		StatusDebugging, StatusQualityCheck, StatusFailed,
	} {
		err := ValidateTransition(StatusCompleted, to)
		require.Error(t, err, "completed -> %s", to)

		var ite *IllegalTransitionError
		require.ErrorAs(t, err, &ite)
		require.Equal(t, StatusCompleted, ite.From)
		require.Equal(t, to, ite.To)
	}
}

func TestValidateTransitionFailedReentersPipeline(t *testing.T) {
	require.NoError(t, ValidateTransition(StatusFailed, StatusPending))
	require.NoError(t, ValidateTransition(StatusFailed, StatusProcessing))
	require.Error(t, ValidateTransition(StatusFailed, StatusCompleted))
	require.Error(t, ValidateTransition(StatusFailed, StatusTesting))
}

func TestValidateTransitionRejectsUnknownStatus(t *testing.T) {
	require.Error(t, ValidateTransition("archived", StatusPending))
	require.Error(t, ValidateTransition(StatusPending, "archived"))
	require.False(t, TaskStatus("archived").Valid())
}

func TestActiveEquivalentStatuses(t *testing.T) {
	require.True(t, StatusProcessing.ActiveEquivalent())
	require.True(t, StatusTesting.ActiveEquivalent())
	require.True(t, StatusDebugging.ActiveEquivalent())
	require.True(t, StatusQualityCheck.ActiveEquivalent())

	require.False(t, StatusPending.ActiveEquivalent())
	require.False(t, StatusCompleted.ActiveEquivalent())
	require.False(t, StatusFailed.ActiveEquivalent())
}
