package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/discovery-cli/internal/cost"
	"github.com/sells-group/discovery-cli/internal/model"
	"github.com/sells-group/discovery-cli/internal/stage"
	"github.com/sells-group/discovery-cli/internal/store"
)

// StepOutcome describes what one Step did.
type StepOutcome struct {
	// Run is the run as last written or observed.
	Run *model.Run `json:"run"`
	// Executed is the stage this call ran, empty when it ran none.
	Executed model.Stage `json:"executed,omitempty"`
	// Busy is set when another worker holds the current stage.
	Busy bool `json:"busy,omitempty"`
	// WaitUntil is set while the stage is backing off before a retry.
	WaitUntil *time.Time `json:"wait_until,omitempty"`
}

// attempt is the result of executing one claimed stage.
type attempt struct {
	out     *stage.Output
	err     error
	prior   map[model.Stage]*model.StageResult
	entries []model.LedgerEntry
}

// Step executes at most one stage of the run and checkpoints the outcome.
func (o *Orchestrator) Step(ctx context.Context, runID string) (*StepOutcome, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load run")
	}

	now := o.nowFunc()
	switch {
	case run.Status.Terminal():
		return &StepOutcome{Run: run}, nil
	case run.Status == model.RunStatusRunning && !run.LeaseExpired(now):
		return &StepOutcome{Run: run, Busy: true}, nil
	case run.AbortRequested:
		return o.abortIdle(ctx, run)
	case run.Status == model.RunStatusAwaitingRetry && run.NextAttemptAt != nil && now.Before(*run.NextAttemptAt):
		at := *run.NextAttemptAt
		return &StepOutcome{Run: run, WaitUntil: &at}, nil
	}

	if run.Status == model.RunStatusRunning && run.Attempt >= o.cfg.MaxStageRetries {
		return o.abandon(ctx, run)
	}

	claimed, ok, err := o.claim(ctx, run)
	if err != nil {
		return nil, err
	}
	if !ok {
		fresh, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: reload run")
		}
		return &StepOutcome{Run: fresh, Busy: !fresh.Status.Terminal()}, nil
	}
	return o.execute(ctx, claimed)
}

// abortIdle finishes an abort flagged on a run nobody is executing.
func (o *Orchestrator) abortIdle(ctx context.Context, run *model.Run) (*StepOutcome, error) {
	next := run.Clone()
	markAborted(next)
	ok, err := o.checkpoint(ctx, store.Checkpoint{Run: next})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: abort run")
	}
	if !ok {
		fresh, err := o.store.GetRun(ctx, run.ID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: reload run")
		}
		return &StepOutcome{Run: fresh, Busy: !fresh.Status.Terminal()}, nil
	}
	o.ledger.Close(run.ID)
	return &StepOutcome{Run: next}, nil
}

// abandon fails a run whose stage kept losing its worker before a
// checkpoint landed.
func (o *Orchestrator) abandon(ctx context.Context, run *model.Run) (*StepOutcome, error) {
	next := run.Clone()
	next.Status = model.RunStatusFailed
	next.LeaseOwner = ""
	next.LeaseUntil = nil
	next.NextAttemptAt = nil
	next.Failure = &model.Failure{
		Stage:   run.Stage,
		Kind:    model.FailureTransient,
		Message: fmt.Sprintf("lease expired on %d attempts without a checkpoint", run.Attempt+1),
	}
	ok, err := o.checkpoint(ctx, store.Checkpoint{Run: next})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: abandon run")
	}
	if !ok {
		fresh, err := o.store.GetRun(ctx, run.ID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: reload run")
		}
		return &StepOutcome{Run: fresh, Busy: !fresh.Status.Terminal()}, nil
	}
	o.ledger.Close(run.ID)
	zap.L().Error("pipeline: run ended",
		zap.String("run_id", run.ID),
		zap.String("stage", string(run.Stage)),
		zap.String("kind", string(next.Failure.Kind)),
		zap.String("reason", next.Failure.Message),
		zap.String("previous_owner", run.LeaseOwner),
	)
	return &StepOutcome{Run: next}, nil
}

// claim moves the run to running under a fresh lease. It returns false
// when another worker changed the run first. Taking over an expired lease
// counts as another attempt at the stage.
func (o *Orchestrator) claim(ctx context.Context, run *model.Run) (*model.Run, bool, error) {
	next := run.Clone()
	if next.Stage == model.StagePending {
		next.Stage = model.StageExtracting
	}
	takeover := run.Status == model.RunStatusRunning && run.LeaseOwner != ""
	if takeover {
		next.Attempt = run.Attempt + 1
	}
	until := o.nowFunc().Add(o.cfg.LeaseDuration)
	next.Status = model.RunStatusRunning
	next.LeaseOwner = o.cfg.WorkerID + "/" + uuid.NewString()[:8]
	next.LeaseUntil = &until
	next.NextAttemptAt = nil

	ok, err := o.checkpoint(ctx, store.Checkpoint{Run: next})
	if err != nil {
		return nil, false, eris.Wrapf(err, "pipeline: claim %s", run.Stage)
	}
	if ok && takeover {
		zap.L().Warn("pipeline: took over expired lease",
			zap.String("run_id", run.ID),
			zap.String("stage", string(next.Stage)),
			zap.String("previous_owner", run.LeaseOwner),
			zap.Int("attempt", next.Attempt),
		)
	}
	return next, ok, nil
}

// execute runs the claimed stage and settles the outcome.
func (o *Orchestrator) execute(ctx context.Context, run *model.Run) (*StepOutcome, error) {
	o.ledger.Open(run.ID, run.ClientID, run.BudgetCeiling, run.AccumulatedCost)

	var a attempt
	a.err = o.trackStage(ctx, run, func() error {
		var err error
		a.prior, err = o.store.LatestResults(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "pipeline: load prior results")
		}
		a.out, err = o.runStage(ctx, run, a.prior)
		return err
	})
	a.entries = o.ledger.Drain(run.ID)

	if ctx.Err() != nil {
		return o.release(ctx, run, a)
	}

	settled, err := o.settle(ctx, run, a)
	if errors.Is(err, errLeaseLost) {
		zap.L().Warn("pipeline: lease lost before checkpoint, discarding stage outcome",
			zap.String("run_id", run.ID),
			zap.String("stage", string(run.Stage)),
			zap.Int("ledger_entries", len(a.entries)),
		)
		if perr := o.persistOrphaned(ctx, run.ID, a.entries); perr != nil {
			return nil, perr
		}
		fresh, gerr := o.store.GetRun(ctx, run.ID)
		if gerr != nil {
			return nil, eris.Wrap(gerr, "pipeline: reload run")
		}
		return &StepOutcome{Run: fresh, Busy: !fresh.Status.Terminal()}, nil
	}
	if err != nil {
		return nil, err
	}
	if settled.Status.Terminal() {
		o.ledger.Close(run.ID)
	}
	return &StepOutcome{Run: settled, Executed: run.Stage}, nil
}

func (o *Orchestrator) runStage(ctx context.Context, run *model.Run, prior map[model.Stage]*model.StageResult) (*stage.Output, error) {
	exec, ok := o.stages.Get(run.Stage)
	if !ok {
		return nil, &model.ValidationError{Field: "stage", Reason: "no executor for " + string(run.Stage)}
	}
	snap, err := model.ParseSnapshot(run.Snapshot)
	if err != nil {
		return nil, err
	}
	return exec.Execute(ctx, stage.Input{Run: run, Snapshot: snap, Prior: prior})
}

// trackStage runs fn with timing and outcome logging.
func (o *Orchestrator) trackStage(ctx context.Context, run *model.Run, fn func() error) error {
	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("stage", string(run.Stage)),
		zap.Int("attempt", run.Attempt),
	)
	log.Info("pipeline: stage started")

	start := time.Now()
	err := fn()
	duration := time.Since(start).Milliseconds()

	if err != nil {
		log.Error("pipeline: stage failed",
			zap.Int64("duration_ms", duration),
			zap.String("kind", string(classify(run.Stage, err).Kind)),
			zap.Bool("cancelled", ctx.Err() != nil),
			zap.Error(err),
		)
		return err
	}
	log.Info("pipeline: stage complete", zap.Int64("duration_ms", duration))
	return nil
}

// release hands a stage interrupted by cancellation back to the pool,
// keeping whatever it already spent. An abort requested meanwhile ends the
// run instead.
func (o *Orchestrator) release(parent context.Context, run *model.Run, a attempt) (*StepOutcome, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 30*time.Second)
	defer cancel()

	cause := a.err
	if cause == nil {
		cause = parent.Err()
	}
	cause = eris.Wrap(cause, "pipeline: stage interrupted")

	cur := run
	for try := 0; try < 5; try++ {
		next := cur.Clone()
		next.Status = model.RunStatusPending
		next.LeaseOwner = ""
		next.LeaseUntil = nil
		next.AccumulatedCost = cost.Round(cur.AccumulatedCost + model.SumCost(a.entries))
		if cur.AbortRequested {
			markAborted(next)
		}

		ok, err := o.checkpoint(ctx, store.Checkpoint{Run: next, Ledger: a.entries})
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: release run")
		}
		if ok {
			o.ledger.Commit(run.ID, a.entries)
			if next.Status.Terminal() {
				o.ledger.Close(run.ID)
			}
			zap.L().Info("pipeline: stage interrupted, run released",
				zap.String("run_id", run.ID),
				zap.String("stage", string(run.Stage)),
				zap.String("status", string(next.Status)),
			)
			return &StepOutcome{Run: next}, cause
		}

		fresh, err := o.store.GetRun(ctx, run.ID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: reload run")
		}
		if fresh.LeaseOwner != run.LeaseOwner || fresh.Stage != run.Stage || fresh.Status != model.RunStatusRunning {
			break
		}
		cur = fresh
	}

	if err := o.persistOrphaned(ctx, run.ID, a.entries); err != nil {
		return nil, err
	}
	fresh, err := o.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: reload run")
	}
	return &StepOutcome{Run: fresh, Busy: !fresh.Status.Terminal()}, cause
}

// persistOrphaned writes ledger entries whose stage checkpoint never
// landed. Entries the store already holds are skipped.
func (o *Orchestrator) persistOrphaned(ctx context.Context, runID string, entries []model.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	for try := 0; try < 5; try++ {
		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return eris.Wrap(err, "pipeline: reload run")
		}
		stored, err := o.store.ListLedger(ctx, runID)
		if err != nil {
			return eris.Wrap(err, "pipeline: list ledger")
		}
		missing := unrecorded(entries, stored)
		if len(missing) == 0 {
			o.ledger.Commit(runID, entries)
			return nil
		}

		next := run.Clone()
		next.AccumulatedCost = cost.Round(run.AccumulatedCost + model.SumCost(missing))
		ok, err := o.checkpoint(ctx, store.Checkpoint{Run: next, Ledger: missing})
		if err != nil {
			return eris.Wrap(err, "pipeline: persist orphaned ledger")
		}
		if ok {
			o.ledger.Commit(runID, entries)
			zap.L().Info("pipeline: orphaned ledger entries persisted",
				zap.String("run_id", runID),
				zap.Int("ledger_entries", len(missing)),
				zap.Float64("cost", model.SumCost(missing)),
			)
			return nil
		}
	}
	return eris.Errorf("pipeline: persist orphaned ledger for %s: run keeps changing", runID)
}

func unrecorded(entries, stored []model.LedgerEntry) []model.LedgerEntry {
	seen := make(map[string]struct{}, len(stored))
	for _, e := range stored {
		seen[e.ID] = struct{}{}
	}
	var out []model.LedgerEntry
	for _, e := range entries {
		if _, ok := seen[e.ID]; !ok {
			out = append(out, e)
		}
	}
	return out
}

var errLeaseLost = eris.New("pipeline: lease lost")

// settle checkpoints the attempt. Only the lease holder moves stage or
// status, so a conflict caused by anything else (an abort request) is
// merged and written again.
func (o *Orchestrator) settle(ctx context.Context, claimed *model.Run, a attempt) (*model.Run, error) {
	cur := claimed
	for try := 0; try < 5; try++ {
		cp := o.transition(cur, a)
		ok, err := o.checkpoint(ctx, cp)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: checkpoint %s", claimed.Stage)
		}
		if ok {
			o.ledger.Commit(claimed.ID, a.entries)
			logTransition(claimed, cp, o.budgetRemaining(claimed.ID))
			return cp.Run, nil
		}

		fresh, err := o.store.GetRun(ctx, claimed.ID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: reload run")
		}
		if fresh.LeaseOwner != claimed.LeaseOwner || fresh.Stage != claimed.Stage || fresh.Status != model.RunStatusRunning {
			return nil, errLeaseLost
		}
		cur = fresh
	}
	return nil, errLeaseLost
}

// transition builds the checkpoint that ends the attempt on cur.
func (o *Orchestrator) transition(cur *model.Run, a attempt) store.Checkpoint {
	now := o.nowFunc()
	next := cur.Clone()
	next.AccumulatedCost = cost.Round(cur.AccumulatedCost + model.SumCost(a.entries))
	next.LeaseOwner = ""
	next.LeaseUntil = nil
	next.NextAttemptAt = nil
	cp := store.Checkpoint{Run: next, Ledger: a.entries}

	execErr := a.err
	if execErr == nil {
		cp.Result = &model.StageResult{
			RunID:       cur.ID,
			Stage:       cur.Stage,
			Attempt:     cur.Attempt,
			Fingerprint: a.out.Fingerprint,
			Payload:     a.out.Payload,
			Cost:        cost.Round(a.out.Cost),
			CacheHit:    a.out.CacheHit,
			CreatedAt:   now,
		}
		if cur.Stage == model.StageMapping && !cur.AbortRequested {
			results := withResult(a.prior, cp.Result)
			report, err := o.assemble(next, results, false)
			if err == nil {
				next.Stage = model.StageComplete
				next.Status = model.RunStatusComplete
				next.Failure = nil
				next.Attempt = 0
				cp.Report = report
				return cp
			}
			execErr = err
			cp.Result = nil
		} else {
			next.Stage = cur.Stage.Next()
			next.Status = model.RunStatusPending
			next.Attempt = 0
			next.Failure = nil
			if cur.AbortRequested {
				markAborted(next)
			}
			return cp
		}
	}

	f := classify(cur.Stage, execErr)
	next.Failure = f
	switch {
	case cur.AbortRequested:
		markAborted(next)
		next.Failure.Message = f.Message
	case f.Retryable:
		if at, ok := o.schedule.Next(cur.Attempt+1, now); ok {
			next.Status = model.RunStatusAwaitingRetry
			next.Attempt = cur.Attempt + 1
			next.NextAttemptAt = &at
			return cp
		}
		f.Retryable = false
		next.Status = model.RunStatusFailed
	default:
		next.Status = model.RunStatusFailed
	}

	if next.Status == model.RunStatusFailed && f.Kind == model.FailureBudgetExceeded && o.cfg.PartialReports {
		report, err := o.assemble(next, a.prior, true)
		if err != nil {
			zap.L().Warn("pipeline: partial report not assembled",
				zap.String("run_id", cur.ID),
				zap.Error(err),
			)
		} else {
			cp.Report = report
		}
	}
	return cp
}

func withResult(prior map[model.Stage]*model.StageResult, res *model.StageResult) map[model.Stage]*model.StageResult {
	out := make(map[model.Stage]*model.StageResult, len(prior)+1)
	for k, v := range prior {
		out[k] = v
	}
	out[res.Stage] = res
	return out
}

// budgetRemaining reports what the run may still reserve.
func (o *Orchestrator) budgetRemaining(runID string) zap.Field {
	bal, err := o.ledger.Balance(runID)
	if err != nil {
		return zap.Skip()
	}
	return zap.Float64("budget_remaining", bal.Remaining())
}

func logTransition(from *model.Run, cp store.Checkpoint, budget zap.Field) {
	to := cp.Run
	fields := []zap.Field{
		zap.String("run_id", to.ID),
		zap.String("from_stage", string(from.Stage)),
		zap.String("stage", string(to.Stage)),
		zap.String("status", string(to.Status)),
		zap.Float64("accumulated_cost", to.AccumulatedCost),
		zap.Int("ledger_entries", len(cp.Ledger)),
		budget,
	}
	switch {
	case to.Status == model.RunStatusAwaitingRetry:
		zap.L().Warn("pipeline: stage scheduled for retry", append(fields,
			zap.Int("attempt", to.Attempt),
			zap.Timep("next_attempt_at", to.NextAttemptAt),
			zap.String("kind", string(to.Failure.Kind)),
		)...)
	case to.Failure != nil:
		zap.L().Error("pipeline: run ended", append(fields,
			zap.String("kind", string(to.Failure.Kind)),
			zap.String("reason", to.Failure.Message),
			zap.Bool("partial_report", cp.Report != nil),
		)...)
	default:
		zap.L().Info("pipeline: checkpoint", fields...)
	}
}
