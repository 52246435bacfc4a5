package model

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a discovery run.
type RunStatus string

const (
	RunStatusPending       RunStatus = "pending"
	RunStatusRunning       RunStatus = "running"
	RunStatusAwaitingRetry RunStatus = "awaiting_retry"
	RunStatusComplete      RunStatus = "complete"
	RunStatusFailed        RunStatus = "failed"
	RunStatusAborted       RunStatus = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusComplete, RunStatusFailed, RunStatusAborted:
		return true
	default:
		return false
	}
}

// Stage is one ordered phase of the pipeline.
type Stage string

const (
	StagePending      Stage = "pending"
	StageExtracting   Stage = "extracting"
	StageCalculating  Stage = "calculating"
	StageSynthesizing Stage = "synthesizing"
	StageMapping      Stage = "mapping"
	StageComplete     Stage = "complete"
)

// stageOrder is the fixed forward order of the state machine.
var stageOrder = []Stage{
	StagePending,
	StageExtracting,
	StageCalculating,
	StageSynthesizing,
	StageMapping,
	StageComplete,
}

// RequiredStages lists the stages that must produce a result before a run
// can complete, in execution order.
func RequiredStages() []Stage {
	return []Stage{StageExtracting, StageCalculating, StageSynthesizing, StageMapping}
}

// Index returns the stage's position in the fixed order, or -1.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s. StageComplete has no successor and
// returns itself.
func (s Stage) Next() Stage {
	i := s.Index()
	if i < 0 || i >= len(stageOrder)-1 {
		return s
	}
	return stageOrder[i+1]
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Executable reports whether s is a stage with an executor.
func (s Stage) Executable() bool {
	switch s {
	case StageExtracting, StageCalculating, StageSynthesizing, StageMapping:
		return true
	default:
		return false
	}
}

// Run is one execution of the pipeline for one client engagement.
type Run struct {
	ID              string          `json:"run_id"`
	ClientID        string          `json:"client_id"`
	EngagementID    string          `json:"engagement_id"`
	Stage           Stage           `json:"stage"`
	Status          RunStatus       `json:"status"`
	BudgetCeiling   float64         `json:"budget_ceiling"`
	AccumulatedCost float64         `json:"accumulated_cost"`
	Attempt         int             `json:"attempt"`
	NextAttemptAt   *time.Time      `json:"next_attempt_at,omitempty"`
	LeaseOwner      string          `json:"lease_owner,omitempty"`
	LeaseUntil      *time.Time      `json:"lease_until,omitempty"`
	AbortRequested  bool            `json:"abort_requested,omitempty"`
	Failure         *Failure        `json:"failure,omitempty"`
	Snapshot        json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Version         int64           `json:"version"`
}

// Clone returns a deep copy of the run so callers can prepare a new state
// without mutating the observed one.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.NextAttemptAt != nil {
		t := *r.NextAttemptAt
		c.NextAttemptAt = &t
	}
	if r.LeaseUntil != nil {
		t := *r.LeaseUntil
		c.LeaseUntil = &t
	}
	if r.Failure != nil {
		f := *r.Failure
		c.Failure = &f
	}
	if r.Snapshot != nil {
		c.Snapshot = append(json.RawMessage(nil), r.Snapshot...)
	}
	return &c
}

// LeaseExpired reports whether a running claim can be taken over.
func (r *Run) LeaseExpired(now time.Time) bool {
	return r.LeaseUntil == nil || !now.Before(*r.LeaseUntil)
}

// RemainingBudget is the ceiling minus the committed cost, never negative.
func (r *Run) RemainingBudget() float64 {
	rem := r.BudgetCeiling - r.AccumulatedCost
	if rem < 0 {
		return 0
	}
	return rem
}
