package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   RunStatus
		want     string
		terminal bool
	}{
		{RunStatusPending, "pending", false},
		{RunStatusRunning, "running", false},
		{RunStatusAwaitingRetry, "awaiting_retry", false},
		{RunStatusComplete, "complete", true},
		{RunStatusFailed, "failed", true},
		{RunStatusAborted, "aborted", true},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestStage_Next(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StageExtracting, StagePending.Next())
	assert.Equal(t, StageCalculating, StageExtracting.Next())
	assert.Equal(t, StageSynthesizing, StageCalculating.Next())
	assert.Equal(t, StageMapping, StageSynthesizing.Next())
	assert.Equal(t, StageComplete, StageMapping.Next())
	assert.Equal(t, StageComplete, StageComplete.Next())
	assert.Equal(t, Stage("bogus"), Stage("bogus").Next())
}

func TestStage_Executable(t *testing.T) {
	t.Parallel()

	for _, s := range RequiredStages() {
		assert.True(t, s.Executable(), s)
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, StagePending.Executable())
	assert.False(t, StageComplete.Executable())
	assert.False(t, Stage("bogus").Valid())
}

func TestRun_Clone(t *testing.T) {
	t.Parallel()

	now := time.Now()
	r := &Run{
		ID:            "run-1",
		NextAttemptAt: &now,
		Failure:       &Failure{Stage: StageMapping, Kind: FailureValidation},
		Snapshot:      json.RawMessage(`{"a":1}`),
	}
	c := r.Clone()
	require.NotNil(t, c)

	later := now.Add(time.Hour)
	*c.NextAttemptAt = later
	c.Failure.Message = "changed"
	c.Snapshot[0] = '['

	assert.Equal(t, now, *r.NextAttemptAt)
	assert.Empty(t, r.Failure.Message)
	assert.Equal(t, `{"a":1}`, string(r.Snapshot))
	assert.Nil(t, (*Run)(nil).Clone())
}

func TestRun_LeaseExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	r := &Run{}
	assert.True(t, r.LeaseExpired(now))

	until := now.Add(time.Minute)
	r.LeaseUntil = &until
	assert.False(t, r.LeaseExpired(now))
	assert.True(t, r.LeaseExpired(until))
}

func TestRun_RemainingBudget(t *testing.T) {
	t.Parallel()

	r := &Run{BudgetCeiling: 100, AccumulatedCost: 55}
	assert.InDelta(t, 45, r.RemainingBudget(), 1e-9)

	r.AccumulatedCost = 120
	assert.Zero(t, r.RemainingBudget())
}

func TestSumCost(t *testing.T) {
	t.Parallel()

	entries := []LedgerEntry{{Cost: 1.25}, {Cost: 2.5}, {Cost: 0}}
	assert.InDelta(t, 3.75, SumCost(entries), 1e-9)
	assert.Zero(t, SumCost(nil))
}

func TestFailure_Error(t *testing.T) {
	t.Parallel()

	f := &Failure{Stage: StageMapping, Kind: FailureValidation, Message: "unknown service"}
	assert.Equal(t, "stage mapping failed (validation, retryable=false): unknown service", f.Error())
}

func TestReport_Section(t *testing.T) {
	t.Parallel()

	r := &Report{Sections: []ReportSection{{Name: "metrics"}, {Name: "narrative.gaps"}}}
	require.NotNil(t, r.Section("narrative.gaps"))
	assert.Nil(t, r.Section("missing"))
}
