package constants_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listings-pipeline/constants"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to constants.JobStatus
		ok       bool
	}{
		{constants.JobStatusSubmitted, constants.JobStatusInProgress, true},
		{constants.JobStatusSubmitted, constants.JobStatusCompleted, true},
		{constants.JobStatusInProgress, constants.JobStatusExpired, true},
		{constants.JobStatusInProgress, constants.JobStatusSubmitted, false},
		{constants.JobStatusCompleted, constants.JobStatusInProgress, false},
		{constants.JobStatusFailed, constants.JobStatusCompleted, false},
		{constants.JobStatusSubmitted, constants.JobStatus("bogus"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestJobStatusFromRemote(t *testing.T) {
	cases := map[string]constants.JobStatus{
		"validating":  constants.JobStatusSubmitted,
		"in_progress": constants.JobStatusInProgress,
		"finalizing":  constants.JobStatusInProgress,
		"cancelling":  constants.JobStatusInProgress,
		"completed":   constants.JobStatusCompleted,
		"failed":      constants.JobStatusFailed,
		"expired":     constants.JobStatusExpired,
		"cancelled":   constants.JobStatusCancelled,
		"something":   constants.JobStatusInProgress,
	}
	for remote, want := range cases {
		assert.Equal(t, want, constants.JobStatusFromRemote(remote), remote)
	}
	for _, s := range constants.ActiveJobStatuses {
		assert.False(t, s.IsTerminal())
	}
}

func TestParseAttribute(t *testing.T) {
	a, err := constants.ParseAttribute(" Brand ")
	require.NoError(t, err)
	assert.Equal(t, constants.AttrMake, a)

	a, err = constants.ParseAttribute("km")
	require.NoError(t, err)
	assert.True(t, a.Numeric())

	a, err = constants.ParseAttribute("fuel_type")
	require.NoError(t, err)
	assert.Equal(t, "fuel_type", a.Column())

	_, err = constants.ParseAttribute("price; DROP TABLE listings")
	require.Error(t, err)

	assert.Len(t, constants.Attributes(), 14)
}
