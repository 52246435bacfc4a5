// Package pipeline drives discovery runs through their stages. Every
// transition is a version-guarded checkpoint in the store, so any number of
// processes may resume the same run and only one of them executes each
// stage.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/discovery-cli/internal/cost"
	"github.com/sells-group/discovery-cli/internal/model"
	"github.com/sells-group/discovery-cli/internal/resilience"
	"github.com/sells-group/discovery-cli/internal/stage"
	"github.com/sells-group/discovery-cli/internal/store"
)

// ErrNotReady is returned by GetReport while a run is still in progress.
var ErrNotReady = eris.New("pipeline: report not ready")

// FailedError is returned by GetReport for a run that ended without a
// report.
type FailedError struct {
	RunID   string
	Status  model.RunStatus
	Failure *model.Failure
}

func (e *FailedError) Error() string {
	if e.Failure == nil {
		return fmt.Sprintf("pipeline: run %s %s", e.RunID, e.Status)
	}
	return fmt.Sprintf("pipeline: run %s %s: %s", e.RunID, e.Status, e.Failure.Error())
}

// Config tunes the orchestrator.
type Config struct {
	// MaxStageRetries bounds how often a stage is retried after a
	// retryable failure before the run fails.
	MaxStageRetries int
	// StageBackoff spaces those retries.
	StageBackoff resilience.RetryConfig
	// CheckpointRetry governs retries of store writes that fail with
	// StoreUnavailable.
	CheckpointRetry resilience.RetryConfig
	// LeaseDuration is how long a claimed stage blocks other workers.
	LeaseDuration time.Duration
	// PollInterval is how often a worker that lost a claim re-reads the run.
	PollInterval time.Duration
	// PartialReports stores what was finished when a run runs out of budget.
	PartialReports bool
	// DefaultBudget applies when a start request names no ceiling.
	DefaultBudget float64
	// WorkerID identifies this process in lease owners. Random when empty.
	WorkerID string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxStageRetries: 3,
		StageBackoff: resilience.RetryConfig{
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     5 * time.Minute,
			Multiplier:     2,
			JitterFraction: 0.25,
		},
		CheckpointRetry: resilience.RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		LeaseDuration:  15 * time.Minute,
		PollInterval:   time.Second,
		PartialReports: true,
		DefaultBudget:  5,
	}
}

// Accounts is the part of the cost ledger the orchestrator settles
// against. *cost.Ledger implements it.
type Accounts interface {
	Open(runID, clientID string, ceiling, accumulated float64)
	Close(runID string)
	Drain(runID string) []model.LedgerEntry
	Commit(runID string, entries []model.LedgerEntry)
	Balance(runID string) (cost.Balance, error)
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	store    store.Store
	stages   stage.Set
	ledger   Accounts
	cfg      Config
	schedule resilience.RetrySchedule

	nowFunc func() time.Time
}

// New creates an Orchestrator.
func New(st store.Store, stages stage.Set, ledger Accounts, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxStageRetries < 0 {
		cfg.MaxStageRetries = 0
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()[:8]
	}
	return &Orchestrator{
		store:    st,
		stages:   stages,
		ledger:   ledger,
		cfg:      cfg,
		schedule: resilience.RetrySchedule{MaxRetries: cfg.MaxStageRetries, Backoff: cfg.StageBackoff},
		nowFunc:  func() time.Time { return time.Now().UTC() },
	}
}

// StartRequest asks for a new run.
type StartRequest struct {
	ClientID      string          `json:"client_id"`
	EngagementID  string          `json:"engagement_id"`
	Snapshot      json.RawMessage `json:"input_snapshot"`
	BudgetCeiling float64         `json:"budget_ceiling,omitempty"`
}

// RunStatus is the externally visible state of a run.
type RunStatus struct {
	RunID         string          `json:"run_id"`
	Status        model.RunStatus `json:"status"`
	CurrentStage  model.Stage     `json:"current_stage"`
	CostSoFar     float64         `json:"cost_so_far"`
	BudgetCeiling float64         `json:"budget_ceiling"`
	Attempt       int             `json:"attempt,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	Failure       *model.Failure  `json:"failure,omitempty"`
}

// StatusOf projects a run onto its externally visible state.
func StatusOf(r *model.Run) *RunStatus {
	return &RunStatus{
		RunID:         r.ID,
		Status:        r.Status,
		CurrentStage:  r.Stage,
		CostSoFar:     r.AccumulatedCost,
		BudgetCeiling: r.BudgetCeiling,
		Attempt:       r.Attempt,
		NextAttemptAt: r.NextAttemptAt,
		Failure:       r.Failure,
	}
}

// StartRun validates the snapshot and persists a pending run. Invalid
// input returns a *model.ValidationError and creates nothing.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRequest) (*model.Run, error) {
	if strings.TrimSpace(req.ClientID) == "" {
		return nil, &model.ValidationError{Field: "client_id", Reason: "is required"}
	}
	if req.BudgetCeiling < 0 {
		return nil, &model.ValidationError{Field: "budget_ceiling", Reason: "must not be negative"}
	}
	if _, err := model.ParseSnapshot(req.Snapshot); err != nil {
		return nil, err
	}
	var snap bytes.Buffer
	if err := json.Compact(&snap, req.Snapshot); err != nil {
		return nil, &model.ValidationError{Field: "input_snapshot", Reason: "malformed JSON: " + err.Error()}
	}

	ceiling := req.BudgetCeiling
	if ceiling == 0 {
		ceiling = o.cfg.DefaultBudget
	}
	now := o.nowFunc()
	run := &model.Run{
		ID:            uuid.NewString(),
		ClientID:      strings.TrimSpace(req.ClientID),
		EngagementID:  strings.TrimSpace(req.EngagementID),
		Stage:         model.StagePending,
		Status:        model.RunStatusPending,
		BudgetCeiling: cost.Round(ceiling),
		Snapshot:      json.RawMessage(snap.Bytes()),
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}

	zap.L().Info("pipeline: run created",
		zap.String("run_id", run.ID),
		zap.String("client_id", run.ClientID),
		zap.Float64("budget_ceiling", run.BudgetCeiling),
	)
	return run, nil
}

// ResumeRun drives the run until it is terminal, sleeping through retry
// backoffs. When another worker holds the current stage it waits until
// that stage is finished and returns what it observes.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID string) (*RunStatus, error) {
	for {
		out, err := o.Step(ctx, runID)
		if err != nil {
			return nil, err
		}
		run := out.Run
		switch {
		case run.Status.Terminal():
			return StatusOf(run), nil
		case out.Busy:
			observed, again, err := o.awaitStage(ctx, run)
			if err != nil {
				return nil, err
			}
			if !again {
				return StatusOf(observed), nil
			}
		case out.WaitUntil != nil:
			zap.L().Info("pipeline: waiting to retry stage",
				zap.String("run_id", run.ID),
				zap.String("stage", string(run.Stage)),
				zap.Int("attempt", run.Attempt),
				zap.Time("next_attempt_at", *out.WaitUntil),
			)
			if err := sleepUntil(ctx, *out.WaitUntil, o.nowFunc()); err != nil {
				return StatusOf(run), eris.Wrap(err, "pipeline: wait for retry")
			}
		}
	}
}

// awaitStage polls a run whose stage another worker holds. It returns the
// run once the stage moved on or the run ended, or again=true when the
// stage became claimable here.
func (o *Orchestrator) awaitStage(ctx context.Context, held *model.Run) (*model.Run, bool, error) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false, eris.Wrap(ctx.Err(), "pipeline: wait for stage")
		case <-ticker.C:
		}

		run, err := o.store.GetRun(ctx, held.ID)
		if err != nil {
			return nil, false, eris.Wrap(err, "pipeline: poll run")
		}
		switch {
		case run.Status.Terminal(), run.Stage != held.Stage:
			return run, false, nil
		case run.Status != model.RunStatusRunning, run.LeaseExpired(o.nowFunc()):
			return run, true, nil
		}
	}
}

func sleepUntil(ctx context.Context, at, now time.Time) error {
	d := at.Sub(now)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Status returns the run's externally visible state.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: status")
	}
	return StatusOf(run), nil
}

// GetReport returns the completed report, ErrNotReady while the run is in
// progress, or a *FailedError. A run that failed on budget returns the
// partial report it stored, flagged budget_limited.
func (o *Orchestrator) GetReport(ctx context.Context, runID string) (*model.Report, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: get report")
	}

	switch run.Status {
	case model.RunStatusComplete:
		rep, err := o.store.GetReport(ctx, runID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: load report")
		}
		return rep, nil
	case model.RunStatusFailed, model.RunStatusAborted:
		if run.Failure != nil && run.Failure.Kind == model.FailureBudgetExceeded {
			rep, err := o.store.GetReport(ctx, runID)
			if err == nil {
				return rep, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, eris.Wrap(err, "pipeline: load partial report")
			}
		}
		return nil, &FailedError{RunID: run.ID, Status: run.Status, Failure: run.Failure}
	default:
		return nil, ErrNotReady
	}
}

// Abort stops a run. An idle run is aborted at once; a running run is
// flagged and aborts at its next transition. Aborting a terminal run is a
// no-op.
func (o *Orchestrator) Abort(ctx context.Context, runID string) (*RunStatus, error) {
	for attempt := 0; attempt < 5; attempt++ {
		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: abort")
		}
		if run.Status.Terminal() {
			return StatusOf(run), nil
		}

		next := run.Clone()
		if run.Status == model.RunStatusRunning && !run.LeaseExpired(o.nowFunc()) {
			next.AbortRequested = true
		} else {
			markAborted(next)
		}
		ok, err := o.checkpoint(ctx, store.Checkpoint{Run: next})
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: abort")
		}
		if ok {
			if next.Status.Terminal() {
				o.ledger.Close(runID)
			}
			zap.L().Info("pipeline: abort requested",
				zap.String("run_id", runID),
				zap.String("status", string(next.Status)),
			)
			return StatusOf(next), nil
		}
	}
	return nil, eris.Errorf("pipeline: abort %s: run keeps changing", runID)
}

func markAborted(r *model.Run) {
	r.Status = model.RunStatusAborted
	r.AbortRequested = true
	r.LeaseOwner = ""
	r.LeaseUntil = nil
	r.NextAttemptAt = nil
	r.Failure = &model.Failure{Stage: r.Stage, Kind: model.FailureAborted, Message: "aborted on request"}
}

// checkpoint writes cp, retrying while the store is unavailable. A version
// conflict is returned as false and never retried.
func (o *Orchestrator) checkpoint(ctx context.Context, cp store.Checkpoint) (bool, error) {
	cfg := o.cfg.CheckpointRetry
	cfg.ShouldRetry = store.IsUnavailable
	cfg.OnRetry = resilience.RetryLogger("store", "checkpoint")
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (bool, error) {
		return o.store.Checkpoint(ctx, cp)
	})
}
