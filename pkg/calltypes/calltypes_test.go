package calltypes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCanceled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "status=%s", s)
	}

	live := []Status{StatusInitiated, StatusRinging, StatusInProgress}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "status=%s", s)
	}
}

func TestCallValidateRejectsInvertedTimestamps(t *testing.T) {
	start := time.Now()
	end := start.Add(-time.Minute)
	call := &Call{StartedAt: &start, EndedAt: &end}

	err := call.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "started-at")
}

func TestCallValidateAllowsMissingTimestamps(t *testing.T) {
	assert.NoError(t, (&Call{}).Validate())

	start := time.Now()
	assert.NoError(t, (&Call{StartedAt: &start}).Validate())
}

func TestCallValidateRejectsRetryWithoutIncrementedCount(t *testing.T) {
	call := &Call{RetryOf: "call-0", RetryCount: 0}
	err := call.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry-count")
}

func TestCallValidateAllowsRetryWithIncrementedCount(t *testing.T) {
	call := &Call{RetryOf: "call-0", RetryCount: 1}
	assert.NoError(t, call.Validate())
}

func TestApplyDuration(t *testing.T) {
	start := time.Now()
	end := start.Add(45 * time.Second)
	call := &Call{StartedAt: &start, EndedAt: &end}

	call.ApplyDuration()
	assert.Equal(t, 45*time.Second, call.Duration)
}

func TestApplyDurationNoopWithoutBothTimestamps(t *testing.T) {
	call := &Call{Duration: time.Hour}
	call.ApplyDuration()
	assert.Equal(t, time.Hour, call.Duration, "duration untouched when either timestamp is missing")
}
