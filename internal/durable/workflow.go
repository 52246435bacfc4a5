package durable

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// WorkflowName is the registered name of RunWorkflow.
const WorkflowName = "DiscoveryRun"

const errRunNotFound = "RunNotFound"

// RunInput starts or continues a run workflow.
type RunInput struct {
	RunID string `json:"run_id"`
	// PollInterval is how long to wait while another worker holds the
	// current stage.
	PollInterval time.Duration `json:"poll_interval"`
	// StageTimeout bounds one Step activity.
	StageTimeout time.Duration `json:"stage_timeout"`
	// MaxSteps bounds history before the workflow continues as new.
	MaxSteps int `json:"max_steps"`
}

func (in RunInput) withDefaults() RunInput {
	if in.PollInterval <= 0 {
		in.PollInterval = 5 * time.Second
	}
	if in.StageTimeout <= 0 {
		in.StageTimeout = 15 * time.Minute
	}
	if in.MaxSteps <= 0 {
		in.MaxSteps = 200
	}
	return in
}

// RunWorkflow drives a run to a terminal status by repeating the Step
// activity. Stage retries are scheduled by the orchestrator, which the
// workflow honors with durable timers; activity retries only cover
// infrastructure errors such as an unavailable store.
func RunWorkflow(ctx workflow.Context, in RunInput) (*StepResult, error) {
	in = in.withDefaults()
	logger := workflow.GetLogger(ctx)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: in.StageTimeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        10,
			NonRetryableErrorTypes: []string{errRunNotFound},
		},
	})

	var a *Activities
	for step := 0; step < in.MaxSteps; step++ {
		var res StepResult
		if err := workflow.ExecuteActivity(ctx, a.Step, in.RunID).Get(ctx, &res); err != nil {
			return nil, err
		}

		switch {
		case res.Terminal():
			logger.Info("durable: run finished", "run_id", in.RunID, "status", string(res.Status))
			return &res, nil
		case res.WaitUntil != nil:
			if d := res.WaitUntil.Sub(workflow.Now(ctx)); d > 0 {
				if err := workflow.Sleep(ctx, d); err != nil {
					return nil, err
				}
			}
		case res.Busy:
			if err := workflow.Sleep(ctx, in.PollInterval); err != nil {
				return nil, err
			}
		}
	}

	logger.Info("durable: continuing as new", "run_id", in.RunID)
	return nil, workflow.NewContinueAsNewError(ctx, WorkflowName, in)
}
