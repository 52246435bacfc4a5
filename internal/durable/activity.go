// Package durable runs discovery runs as Temporal workflows. The workflow
// only sequences Step activities; all run state stays in the run store, so
// a workflow and the HTTP dispatcher can drive the same run safely.
package durable

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/sells-group/discovery-cli/internal/model"
	"github.com/sells-group/discovery-cli/internal/pipeline"
	"github.com/sells-group/discovery-cli/internal/store"
)

// Stepper executes one stage of a run. *pipeline.Orchestrator implements
// it.
type Stepper interface {
	Step(ctx context.Context, runID string) (*pipeline.StepOutcome, error)
}

// StepResult is the serializable outcome of one Step activity.
type StepResult struct {
	RunID     string          `json:"run_id"`
	Status    model.RunStatus `json:"status"`
	Stage     model.Stage     `json:"stage"`
	Executed  model.Stage     `json:"executed,omitempty"`
	Busy      bool            `json:"busy,omitempty"`
	WaitUntil *time.Time      `json:"wait_until,omitempty"`
	Cost      float64         `json:"cost"`
	Failure   *model.Failure  `json:"failure,omitempty"`
}

// Terminal reports whether the run has ended.
func (r *StepResult) Terminal() bool { return r.Status.Terminal() }

// Activities holds the activity implementations.
type Activities struct {
	stepper   Stepper
	heartbeat time.Duration
}

// NewActivities creates the activity set. heartbeat is how often a running
// Step reports liveness; zero means 10s.
func NewActivities(s Stepper, heartbeat time.Duration) *Activities {
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	return &Activities{stepper: s, heartbeat: heartbeat}
}

// Step executes at most one stage of the run.
func (a *Activities) Step(ctx context.Context, runID string) (*StepResult, error) {
	done := make(chan struct{})
	defer close(done)
	go a.beat(ctx, done, runID)

	out, err := a.stepper.Step(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, temporal.NewNonRetryableApplicationError("run not found", errRunNotFound, err)
	}
	if err != nil {
		return nil, err
	}

	run := out.Run
	res := &StepResult{
		RunID:     run.ID,
		Status:    run.Status,
		Stage:     run.Stage,
		Executed:  out.Executed,
		Busy:      out.Busy,
		WaitUntil: out.WaitUntil,
		Cost:      run.AccumulatedCost,
		Failure:   run.Failure,
	}
	activity.GetLogger(ctx).Info("durable: step finished",
		"run_id", run.ID,
		"executed", string(out.Executed),
		"status", string(run.Status),
		"stage", string(run.Stage),
	)
	return res, nil
}

func (a *Activities) beat(ctx context.Context, done <-chan struct{}, runID string) {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			activity.RecordHeartbeat(ctx, runID)
		}
	}
}
