package durable

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

// Config locates the Temporal cluster.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Dial connects to Temporal with zap-backed logging.
func Dial(cfg Config) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    NewLogger(zap.L()),
	})
	if err != nil {
		return nil, eris.Wrap(err, "durable: dial temporal")
	}
	return c, nil
}

// NewWorker registers the run workflow and its activities on the task
// queue.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(RunWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivity(acts)
	return w
}

// Starter launches run workflows.
type Starter struct {
	client    client.Client
	taskQueue string
	input     RunInput
}

// NewStarter creates a Starter. template supplies the poll interval, stage
// timeout and step bound of every started workflow.
func NewStarter(c client.Client, taskQueue string, template RunInput) *Starter {
	return &Starter{client: c, taskQueue: taskQueue, input: template}
}

// WorkflowID is the workflow ID used for a run. One ID per run keeps a
// second start from creating a parallel workflow.
func WorkflowID(runID string) string { return "discovery-run-" + runID }

// Start launches the workflow for runID, or attaches to the one already
// running, and returns its execution run ID.
func (s *Starter) Start(ctx context.Context, runID string) (string, error) {
	in := s.input
	in.RunID = runID
	wr, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(runID),
		TaskQueue: s.taskQueue,
	}, WorkflowName, in)
	if err != nil {
		return "", eris.Wrapf(err, "durable: start workflow for run %s", runID)
	}
	zap.L().Info("durable: workflow started",
		zap.String("run_id", runID),
		zap.String("workflow_id", wr.GetID()),
		zap.String("execution_id", wr.GetRunID()),
	)
	return wr.GetRunID(), nil
}

// Dispatch implements the API dispatcher contract on top of Temporal.
func (s *Starter) Dispatch(runID string) bool {
	if _, err := s.Start(context.Background(), runID); err != nil {
		zap.L().Error("durable: dispatch failed", zap.String("run_id", runID), zap.Error(err))
		return false
	}
	return true
}
